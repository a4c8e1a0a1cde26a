/*
Package rawdata owns all oversized opaque signal payloads (images, strings,
serialized frames).

Payloads are stored in a content-addressed arena keyed by blake3 hash
within each signal; storing identical content twice returns the same
handle. Every other component holds a 32-bit borrow handle instead of the
bytes, pairing each Borrow with a Release. Unreferenced frames are
evictable oldest-first under quota pressure.

Admission for a signal follows, in order: missing config rejects with
ErrNoConfig; a sample above max_bytes_per_sample is rejected; sample-count
and per-signal byte quotas evict the oldest unreferenced frame or reject;
usage beyond the signal's reserved bytes draws from the shared global
budget.
*/
package rawdata
