/*
Package uploader publishes triggered data bundles to the cloud.

Bundles are serialized to CBOR, wrapped in an envelope carrying the
vehicle name and compression flag, and compressed with snappy when the
campaign asked for it. Publishes honour the configured rate cap. When the
transport fails, payloads of campaigns flagged persist-on-disconnect are
written to the persistence store (evicting the oldest persisted payloads
under budget pressure) and replayed oldest-first after the next
successful send.
*/
package uploader
