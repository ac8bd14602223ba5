package sqlcapture

// Transaction IDs are 32 bits wide and wrap around. Postgres reports the
// "raw" form of an XID extended with the epoch count in its upper 32 bits,
// which is strictly increasing and safe to persist.

// firstNormalXID is the lowest XID of an ordinary transaction. Lower XIDs mark
// bootstrap and frozen tuples.
const firstNormalXID = 3

// CompareXID32 compares two XIDs according to circular comparison logic such
// that a < b if b lies in the range (a, a+2^31).
func CompareXID32(a, b uint32) int {
	if a == b {
		return 0 // a == b
	} else if ((b - a) & 0x80000000) == 0 {
		return -1 // a < b
	}
	return 1 // a > b
}

// XIDToRaw extends a 32-bit XID with the epoch which places it closest to the
// reference raw XID.
func XIDToRaw(xid uint32, reference uint64) uint64 {
	var distance = int64(int32(xid - uint32(reference)))
	var raw = int64(reference) + distance
	if raw < 0 {
		// An XID before the first epoch is only possible for rows frozen at epoch zero.
		return uint64(xid)
	}
	return uint64(raw)
}

// RawToXID returns the 32-bit XID of a raw XID.
func RawToXID(raw uint64) uint32 {
	return uint32(raw)
}

// xidHorizon is the furthest two raw XIDs may be apart before their 32-bit XIDs
// can no longer be compared circularly.
const xidHorizon = uint64(1) << 31

// xidWrapped reports whether the 32-bit XIDs between `from` and `to` can no longer
// be ordered circularly because the distance between them spans half the XID space.
func xidWrapped(from, to uint64) bool {
	return to > from && to-from >= xidHorizon
}
