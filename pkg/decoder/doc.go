/*
Package decoder maintains the active decoder dictionary.

The dictionary maps external identifiers (CAN bus + frame, OBD PID, custom
source name) to internal signal IDs and types, filtered down to the
signals the active campaigns actually need. The campaign manager builds a
fresh dictionary whenever the required-signals set or the manifest
changes and publishes it through Publisher; dictionaries are immutable
after publication, so decoder threads read without locks.

Manifest documents arrive as CBOR and are validated on ingest; a malformed
document is discarded and the previous manifest retained.
*/
package decoder
