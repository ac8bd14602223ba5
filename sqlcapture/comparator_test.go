package sqlcapture

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCompareCursors(t *testing.T) {
	var tests = []struct {
		typ  CursorType
		a, b string
		want int
	}{
		{CursorTypeNumeric, "9", "10", -1},
		{CursorTypeNumeric, "1.50", "1.5", 0},
		{CursorTypeNumeric, "-3", "-20", 1},
		{CursorTypeNumeric, "12345678901234567890123", "12345678901234567890122", 1},
		{CursorTypeNumeric, "1e3", "999.99", 1},
		{CursorTypeNumeric, "Infinity", "1e300", 1},
		{CursorTypeNumeric, "-Infinity", "-1e300", -1},
		{CursorTypeNumeric, "NaN", "Infinity", 1},
		{CursorTypeNumeric, "NaN", "NaN", 0},

		{CursorTypeText, "B", "a", -1},
		{CursorTypeText, "abc", "abd", -1},
		{CursorTypeText, "same", "same", 0},

		{CursorTypeDate, "2024-01-09", "2024-01-10", -1},
		{CursorTypeDate, "0044-03-15 BC", "0001-01-01", -1},
		{CursorTypeDate, "0002-01-01 BC", "0001-01-01 BC", -1},
		{CursorTypeDate, "infinity", "9999-12-31", 1},
		{CursorTypeDate, "-infinity", "0001-01-01 BC", -1},

		{CursorTypeTime, "09:30:00", "10:00:00", -1},
		{CursorTypeTime, "23:59:59.999999", "24:00:00", -1},
		{CursorTypeTime, "12:00:00.5", "12:00:00.50", 0},

		{CursorTypeTimeTZ, "10:00:00+02", "09:00:00+00", -1},
		{CursorTypeTimeTZ, "10:00:00+02", "08:00:00+00", 0},
		{CursorTypeTimeTZ, "10:00:00+05:30", "04:30:00-00", 0},

		{CursorTypeTimestamp, "2024-01-01 00:00:00", "2024-01-01 00:00:00.000001", -1},
		{CursorTypeTimestamp, "2024-01-01T12:00:00", "2024-01-01 12:00:00", 0},
		{CursorTypeTimestamp, "2024-01-01 00:00:00", "infinity", -1},

		{CursorTypeTimestampTZ, "2024-01-01 10:00:00+02", "2024-01-01 08:00:00+00", 0},
		{CursorTypeTimestampTZ, "2024-01-01 10:00:00.5+02", "2024-01-01 08:00:00+00", 1},
		{CursorTypeTimestampTZ, "2024-01-01T08:00:00Z", "2024-01-01 09:00:00+01:00", 0},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s:%s:%s", tt.typ, tt.a, tt.b), func(t *testing.T) {
			var got, err = CompareCursors(tt.a, tt.b, tt.typ)
			require.NoError(t, err)
			require.Equal(t, tt.want, got)

			reversed, err := CompareCursors(tt.b, tt.a, tt.typ)
			require.NoError(t, err)
			require.Equal(t, -tt.want, reversed)
		})
	}
}

func TestCompareCursorsErrors(t *testing.T) {
	for _, tt := range []struct {
		typ  CursorType
		a, b string
	}{
		{CursorTypeNumeric, "ten", "10"},
		{CursorTypeDate, "2024-13-01", "2024-01-01"},
		{CursorTypeTimestamp, "yesterday", "2024-01-01 00:00:00"},
		{CursorType("polygon"), "a", "b"},
	} {
		var _, err = CompareCursors(tt.a, tt.b, tt.typ)
		require.Error(t, err, "%s %q %q", tt.typ, tt.a, tt.b)
	}
}

func TestCompareXID32(t *testing.T) {
	require.Equal(t, 0, CompareXID32(100, 100))
	require.Equal(t, -1, CompareXID32(100, 101))
	require.Equal(t, 1, CompareXID32(101, 100))
	// Comparison is circular across the 32-bit boundary.
	require.Equal(t, -1, CompareXID32(0xFFFFFFF0, 5))
	require.Equal(t, 1, CompareXID32(5, 0xFFFFFFF0))
}

func TestXIDToRaw(t *testing.T) {
	var tests = []struct {
		xid       uint32
		reference uint64
		want      uint64
	}{
		{xid: 1000, reference: 1000, want: 1000},
		{xid: 1006, reference: 1010, want: 1006},
		{xid: 1012, reference: 1010, want: 1012},
		// Just after the reference wrapped into the next epoch.
		{xid: 0xFFFFFFF0, reference: 1<<32 + 5, want: 0xFFFFFFF0},
		// Just before the reference wraps into the next epoch.
		{xid: 5, reference: 0xFFFFFFF0, want: 1<<32 + 5},
		{xid: 7, reference: 3<<32 + 9, want: 3<<32 + 7},
		// Frozen rows of the first epoch.
		{xid: 0xFFFFFF00, reference: 10, want: 0xFFFFFF00},
	}
	for _, tt := range tests {
		require.Equal(t, tt.want, XIDToRaw(tt.xid, tt.reference), "xid %d reference %d", tt.xid, tt.reference)
	}
	require.Equal(t, uint32(7), RawToXID(3<<32+7))
}

func TestXIDWrapped(t *testing.T) {
	require.False(t, xidWrapped(1000, 1000))
	require.False(t, xidWrapped(1000, 1000+xidHorizon-1))
	require.True(t, xidWrapped(1000, 1000+xidHorizon))
	require.False(t, xidWrapped(5000, 1000))
}

func TestCTID(t *testing.T) {
	var parsed, err = ParseCTID(" (12, 5) ")
	require.NoError(t, err)
	require.Equal(t, CTID{Block: 12, Offset: 5}, parsed)
	require.Equal(t, "(12,5)", parsed.String())

	for _, bad := range []string{"12,5", "(12)", "(a,1)", "(1,70000)", "(-1,1)"} {
		_, err = ParseCTID(bad)
		require.Error(t, err, bad)
	}

	require.Equal(t, -1, ZeroCTID.Compare(CTID{Block: 0, Offset: 1}))
	require.Equal(t, 1, CTID{Block: 1, Offset: 1}.Compare(CTID{Block: 0, Offset: 300}))
	require.Equal(t, 0, CTID{Block: 4, Offset: 2}.Compare(CTID{Block: 4, Offset: 2}))

	bs, err := CTID{Block: 3, Offset: 9}.MarshalJSON()
	require.NoError(t, err)
	require.Equal(t, `"(3,9)"`, string(bs))
	var decoded CTID
	require.NoError(t, decoded.UnmarshalJSON(bs))
	require.Equal(t, CTID{Block: 3, Offset: 9}, decoded)
}
