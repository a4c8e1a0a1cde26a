/*
Package persistence stores blobs across agent restarts.

The store is a single bbolt database with two buckets: documents (at most
one blob per kind: decoder manifest, collection schemes, state templates)
and payloads (triggered data awaiting upload, keyed payload-<ts>-<seq> so
they replay oldest first).

One byte budget covers everything; a write that would exceed it fails with
ErrDiskFull and the caller decides whether to evict older payloads. Every
blob is sealed with a blake3 checksum on write; a failed verification on
read returns ErrDecodeFailed and the caller proceeds as if nothing was
persisted. Writes are last-writer-wins.
*/
package persistence
