package main

import (
	"context"
	"fmt"
	"math/big"
	"net"
	"strings"
	"testing"
	"time"

	"github.com/estuary/pgextract/sqlcapture"
	"github.com/invopop/jsonschema"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
)

func TestTranslateRecordField(t *testing.T) {
	var _, network, _ = net.ParseCIDR("192.168.100.0/24")
	var mac, _ = net.ParseMAC("08:00:2b:01:02:03")

	for _, tc := range []struct {
		name     string
		dataType string
		input    any
		expect   any
	}{
		{"nil", "text", nil, nil},
		{"integer", "int4", int32(12), int32(12)},
		{"text", "text", "hello", "hello"},
		{"cidr", "cidr", network, "192.168.100.0/24"},
		{"macaddr", "macaddr", mac, "08:00:2b:01:02:03"},
		{"uuid", "uuid", [16]uint8{0xa0, 0xee, 0xbc, 0x99, 0x9c, 0x0b, 0x4e, 0xf8, 0xbb, 0x6d, 0x6b, 0xb9, 0xbd, 0x38, 0x0a, 0x11}, "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"},
		{"date", "date", time.Date(2024, 2, 29, 0, 0, 0, 0, time.UTC), "2024-02-29"},
		{"timestamp", "timestamp", time.Date(2024, 2, 29, 13, 14, 15, 123000000, time.UTC), "2024-02-29T13:14:15.123Z"},
		{"timestamptz offset", "timestamptz", time.Date(2024, 2, 29, 13, 14, 15, 0, time.FixedZone("", -5*3600)), "2024-02-29T13:14:15-05:00"},
		{"timestamp out of range", "timestamp", time.Date(20221, 1, 1, 0, 0, 0, 0, time.UTC), negativeInfinityTimestamp},
		{"infinity", "timestamp", pgtype.Infinity, infinityTimestamp},
		{"negative infinity", "date", pgtype.NegativeInfinity, negativeInfinityTimestamp},
		{"timetz", "timetz", "13:14:15.5+02", "13:14:15.5+02:00"},
		{"timetz utc", "timetz", "01:02:03+00", "01:02:03Z"},
		{"time", "time", pgtype.Time{Microseconds: 3723000001, Valid: true}, int64(3723000001)},
		{"numeric", "numeric", pgtype.Numeric{Int: big.NewInt(12345), Exp: -2, Valid: true}, "123.45"},
		{"json", "jsonb", json.RawMessage(`{"a":1}`), json.RawMessage(`{"a":1}`)},
		{"int range", "int4range", pgtype.Range[any]{Lower: int32(1), Upper: int32(10), LowerType: pgtype.Inclusive, UpperType: pgtype.Exclusive, Valid: true}, "[1,10)"},
		{"unbounded range", "int4range", pgtype.Range[any]{Upper: int32(10), LowerType: pgtype.Unbounded, UpperType: pgtype.Inclusive, Valid: true}, "(,10]"},
		{"empty range", "int4range", pgtype.Range[any]{LowerType: pgtype.Empty, UpperType: pgtype.Empty, Valid: true}, "empty"},
		{"array", "_int4", pgtype.Array[any]{
			Elements: []any{int32(1), int32(2), nil, int32(4)},
			Dims:     []pgtype.ArrayDimension{{Length: 2, LowerBound: 1}, {Length: 2, LowerBound: 1}},
			Valid:    true,
		}, map[string]any{"dimensions": []int{2, 2}, "elements": []any{int32(1), int32(2), nil, int32(4)}}},
		{"empty array", "_text", pgtype.Array[any]{Valid: true}, map[string]any{"dimensions": []int{}, "elements": []any(nil)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			var translated, err = translateRecordField(tc.dataType, tc.input)
			require.NoError(t, err)
			require.Equal(t, tc.expect, translated)
		})
	}
}

func TestTranslateOversizeFields(t *testing.T) {
	var long = strings.Repeat("x", truncateColumnThreshold+10)

	var translated, err = translateRecordField("text", long)
	require.NoError(t, err)
	require.Len(t, translated, truncateColumnThreshold)

	translated, err = translateRecordField("jsonb", json.RawMessage(`"`+long+`"`))
	require.NoError(t, err)
	require.Equal(t, json.RawMessage(fmt.Sprintf(`{"flow_truncated":true,"original_size":%d}`, len(long)+2)), translated)
}

func TestColumnCursorType(t *testing.T) {
	for dataType, expect := range map[string]sqlcapture.CursorType{
		"int8":        sqlcapture.CursorTypeNumeric,
		"numeric":     sqlcapture.CursorTypeNumeric,
		"varchar":     sqlcapture.CursorTypeText,
		"date":        sqlcapture.CursorTypeDate,
		"timetz":      sqlcapture.CursorTypeTimeTZ,
		"timestamptz": sqlcapture.CursorTypeTimestampTZ,
		"bool":        "",
		"jsonb":       "",
		"uuid":        "",
	} {
		require.Equal(t, expect, columnCursorType(dataType), dataType)
	}
}

func TestTranslateColumnSchema(t *testing.T) {
	for _, tc := range []struct {
		column sqlcapture.ColumnInfo
		expect string
	}{
		{sqlcapture.ColumnInfo{DataType: "int4"}, `{"type":"integer"}`},
		{sqlcapture.ColumnInfo{DataType: "int4", IsNullable: true}, `{"anyOf":[{"type":"integer"},{"type":"null"}]}`},
		{sqlcapture.ColumnInfo{DataType: "numeric"}, `{"type":"string","format":"number"}`},
		{sqlcapture.ColumnInfo{DataType: "timestamptz"}, `{"type":"string","format":"date-time"}`},
		{sqlcapture.ColumnInfo{DataType: "uuid"}, `{"type":"string","format":"uuid"}`},
		{sqlcapture.ColumnInfo{DataType: "_text"}, `{"properties":{"dimensions":{"items":{"type":"integer"},"type":"array"},"elements":{"items":{"anyOf":[{"type":"string"},{"type":"null"}]},"type":"array"}},"type":"object"}`},
	} {
		t.Run(tc.column.DataType, func(t *testing.T) {
			var schema, err = translateColumnSchema(tc.column)
			require.NoError(t, err)
			bs, err := json.Marshal(schema)
			require.NoError(t, err)
			require.JSONEq(t, tc.expect, string(bs))
		})
	}

	// Any JSON document is a valid json column value, including null.
	var schema, err = translateColumnSchema(sqlcapture.ColumnInfo{DataType: "jsonb", IsNullable: true})
	require.NoError(t, err)
	require.Equal(t, &jsonschema.Schema{}, schema)

	_, err = translateColumnSchema(sqlcapture.ColumnInfo{DataType: "tsvector"})
	require.ErrorContains(t, err, `unhandled PostgreSQL type "tsvector"`)
}

// TestDatatypesIntegration round-trips values of a variety of types through a table scan.
func TestDatatypesIntegration(t *testing.T) {
	var tb, ctx = requireBackend(t), context.Background()
	var db = tb.Connect(ctx, t)

	for _, tc := range []struct {
		columnType string
		input      any
		expect     any
	}{
		{"INTEGER", 42, int32(42)},
		{"BIGINT", int64(1) << 40, int64(1) << 40},
		{"TEXT", "hello, world", "hello, world"},
		{"BOOLEAN", true, true},
		{"DATE", "2024-02-29", "2024-02-29"},
		{"TIMESTAMP", "2024-02-29 13:14:15.5", "2024-02-29T13:14:15.5Z"},
		{"NUMERIC", "123.4500", "123.45"},
		{"UUID", "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11", "a0eebc99-9c0b-4ef8-bb6d-6bb9bd380a11"},
		{"CIDR", "192.168.100.0/24", "192.168.100.0/24"},
		{"INT4RANGE", "[1,10)", "[1,10)"},
	} {
		t.Run(tc.columnType, func(t *testing.T) {
			var table = tb.CreateTable(ctx, t, "", fmt.Sprintf("(id INTEGER PRIMARY KEY, value %s)", tc.columnType))
			tb.Insert(ctx, t, table, [][]any{{1, tc.input}})

			var info, err = db.DescribeTable(ctx, sqlcapture.StreamID{Namespace: "public", Name: table})
			require.NoError(t, err)

			var values []any
			require.NoError(t, db.ScanFull(ctx, info, "", func(row *sqlcapture.Row) error {
				var value, _ = row.Values.Get("value")
				values = append(values, value)
				return nil
			}))
			require.Len(t, values, 1)
			if numeric, ok := tc.expect.(string); ok && tc.columnType == "NUMERIC" {
				var got, parsed = new(big.Float).SetString(values[0].(string))
				require.True(t, parsed)
				var want, _ = new(big.Float).SetString(numeric)
				require.Zero(t, got.Cmp(want))
				return
			}
			require.Equal(t, tc.expect, values[0])
		})
	}
}
