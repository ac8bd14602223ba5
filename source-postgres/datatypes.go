package main

import (
	"database/sql/driver"
	"fmt"
	"net"
	"net/netip"
	"strings"
	"time"

	"github.com/estuary/pgextract/sqlcapture"
	"github.com/invopop/jsonschema"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/segmentio/encoding/json"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

const (
	infinityTimestamp         = "9999-12-31T23:59:59Z"
	negativeInfinityTimestamp = "0000-01-01T00:00:00Z"
	rfc3339TimeFormat         = "15:04:05.999999999Z07:00"
	truncateColumnThreshold   = 8 * 1024 * 1024
)

// registerDatatypeTweaks adjusts how values read from the database are decoded, so that
// table scans and replication produce the same record values.
func registerDatatypeTweaks(m *pgtype.Map) error {
	// Timestamps with time zone are read as text, which is reported in the time zone of
	// the session. The binary format is a UTC instant which time.Unix() would place in
	// the local time zone of the connector instead.
	var tstz = &pgtype.Type{Name: "timestamptz", OID: pgtype.TimestamptzOID, Codec: &preferTextCodec{inner: &pgtype.TimestamptzCodec{}}}
	m.RegisterType(tstz)
	m.RegisterType(&pgtype.Type{Name: "tstzrange", OID: pgtype.TstzrangeOID, Codec: &preferTextCodec{&pgtype.RangeCodec{ElementType: tstz}}})

	// Arrays decode into a dimensioned `pgtype.Array[any]` instead of a flattened list.
	var arrayTypeOIDs = []uint32{
		pgtype.BoolArrayOID, pgtype.BPCharArrayOID, pgtype.ByteaArrayOID, pgtype.CIDRArrayOID, pgtype.DateArrayOID,
		pgtype.Float4ArrayOID, pgtype.Float8ArrayOID, pgtype.InetArrayOID, pgtype.Int2ArrayOID, pgtype.Int4ArrayOID,
		pgtype.Int8ArrayOID, pgtype.IntervalArrayOID, pgtype.JSONArrayOID, pgtype.JSONBArrayOID, pgtype.MacaddrArrayOID,
		pgtype.NameArrayOID, pgtype.NumericArrayOID, pgtype.OIDArrayOID, pgtype.TextArrayOID, pgtype.TimeArrayOID,
		pgtype.TimestampArrayOID, pgtype.TimestamptzArrayOID, pgtype.UUIDArrayOID, pgtype.VarcharArrayOID, pgtype.XIDArrayOID,
	}
	for _, oid := range arrayTypeOIDs {
		var typ, ok = m.TypeForOID(oid)
		if !ok {
			return fmt.Errorf("error adjusting array codec: OID %d not found", oid)
		}
		codec, ok := typ.Codec.(*pgtype.ArrayCodec)
		if !ok {
			return fmt.Errorf("error adjusting array codec: OID %d does not have array codec", oid)
		}
		m.RegisterType(&pgtype.Type{
			Name:  typ.Name,
			OID:   typ.OID,
			Codec: &customDecodingCodec{decodeDimensionedArray, &pgtype.ArrayCodec{ElementType: codec.ElementType}},
		})
	}

	// JSON and JSONB values are passed through as raw documents.
	m.RegisterType(&pgtype.Type{
		Name:  "json",
		OID:   pgtype.JSONOID,
		Codec: &customDecodingCodec{decodeRawJSON, &pgtype.JSONCodec{Marshal: json.Marshal, Unmarshal: json.Unmarshal}},
	})
	m.RegisterType(&pgtype.Type{
		Name:  "jsonb",
		OID:   pgtype.JSONBOID,
		Codec: &customDecodingCodec{decodeRawJSONB, &pgtype.JSONBCodec{Marshal: json.Marshal, Unmarshal: json.Unmarshal}},
	})
	return nil
}

// preferTextCodec wraps a codec to make it report text as its preferred format if supported.
type preferTextCodec struct{ inner pgtype.Codec }

func (c *preferTextCodec) FormatSupported(f int16) bool { return c.inner.FormatSupported(f) }
func (c *preferTextCodec) PreferredFormat() int16 {
	if c.FormatSupported(pgtype.TextFormatCode) {
		return pgtype.TextFormatCode
	}
	return c.inner.PreferredFormat()
}
func (c *preferTextCodec) PlanEncode(m *pgtype.Map, oid uint32, format int16, value any) pgtype.EncodePlan {
	return c.inner.PlanEncode(m, oid, format, value)
}
func (c *preferTextCodec) PlanScan(m *pgtype.Map, oid uint32, format int16, target any) pgtype.ScanPlan {
	return c.inner.PlanScan(m, oid, format, target)
}
func (c *preferTextCodec) DecodeDatabaseSQLValue(m *pgtype.Map, oid uint32, format int16, src []byte) (driver.Value, error) {
	return c.inner.DecodeDatabaseSQLValue(m, oid, format, src)
}
func (c *preferTextCodec) DecodeValue(m *pgtype.Map, oid uint32, format int16, src []byte) (any, error) {
	return c.inner.DecodeValue(m, oid, format, src)
}

// customDecodingCodec wraps an inner codec but overrides DecodeValue.
type customDecodingCodec struct {
	decode func(m *pgtype.Map, oid uint32, format int16, src []byte) (any, error)
	inner  pgtype.Codec
}

func (c *customDecodingCodec) FormatSupported(f int16) bool { return c.inner.FormatSupported(f) }
func (c *customDecodingCodec) PreferredFormat() int16       { return c.inner.PreferredFormat() }
func (c *customDecodingCodec) PlanEncode(m *pgtype.Map, oid uint32, format int16, value any) pgtype.EncodePlan {
	return c.inner.PlanEncode(m, oid, format, value)
}
func (c *customDecodingCodec) PlanScan(m *pgtype.Map, oid uint32, format int16, target any) pgtype.ScanPlan {
	return c.inner.PlanScan(m, oid, format, target)
}
func (c *customDecodingCodec) DecodeDatabaseSQLValue(m *pgtype.Map, oid uint32, format int16, src []byte) (driver.Value, error) {
	return c.inner.DecodeDatabaseSQLValue(m, oid, format, src)
}
func (c *customDecodingCodec) DecodeValue(m *pgtype.Map, oid uint32, format int16, src []byte) (any, error) {
	return c.decode(m, oid, format, src)
}

func decodeDimensionedArray(m *pgtype.Map, oid uint32, format int16, src []byte) (any, error) {
	if src == nil {
		return nil, nil
	}
	var dst pgtype.Array[any]
	err := m.PlanScan(oid, format, &dst).Scan(src, &dst)
	return dst, err
}

func decodeRawJSON(m *pgtype.Map, oid uint32, format int16, src []byte) (any, error) {
	if src == nil {
		return nil, nil
	}
	return json.RawMessage(src), nil
}

// decodeRawJSONB strips the version prefix of binary-format jsonb values.
func decodeRawJSONB(m *pgtype.Map, oid uint32, format int16, src []byte) (any, error) {
	if src == nil {
		return nil, nil
	}
	if format == pgtype.BinaryFormatCode {
		if len(src) == 0 || src[0] != 1 {
			return nil, fmt.Errorf("invalid binary-format jsonb value: %#v", src)
		}
		src = src[1:]
	}
	return json.RawMessage(src), nil
}

// decodeTextValue decodes a text-format value of the type `oid`, as found in logical
// replication messages. Values of unknown types are returned as strings.
func decodeTextValue(m *pgtype.Map, oid uint32, data []byte) (any, error) {
	if typ, ok := m.TypeForOID(oid); ok {
		return typ.Codec.DecodeValue(m, oid, pgtype.TextFormatCode, data)
	}
	return string(data), nil
}

// typeName returns the name of the type `oid`, or the empty string if it isn't known.
func typeName(m *pgtype.Map, oid uint32) string {
	if typ, ok := m.TypeForOID(oid); ok {
		return typ.Name
	}
	return ""
}

func oversizePlaceholderJSON(orig []byte) json.RawMessage {
	return json.RawMessage(fmt.Sprintf(`{"flow_truncated":true,"original_size":%d}`, len(orig)))
}

// translateRecordField turns a value from the driver into a JSON-encodable value.
// For example a `cidr` column value is a `*net.IPNet` which is output in its
// "192.168.100.0/24" notation.
func translateRecordField(dataType string, val any) (any, error) {
	if dataType == "timetz" {
		if x, ok := val.(string); ok {
			for _, format := range []string{
				"15:04:05.999999999Z07:00",
				"15:04:05.999999999Z07",
				"15:04:05Z07:00",
				"15:04:05Z07",
			} {
				if t, err := time.Parse(format, x); err == nil {
					return t.Format(rfc3339TimeFormat), nil
				}
			}
		}
	}

	switch x := val.(type) {
	case net.HardwareAddr:
		return x.String(), nil
	case *net.IPNet:
		return x.String(), nil
	case netip.Prefix:
		return x.String(), nil
	case netip.Addr:
		return x.String(), nil
	case [16]uint8: // uuid
		var s = new(strings.Builder)
		for i := range x {
			if i == 4 || i == 6 || i == 8 || i == 10 {
				s.WriteString("-")
			}
			fmt.Fprintf(s, "%02x", x[i])
		}
		return s.String(), nil
	case string:
		if len(x) > truncateColumnThreshold {
			return x[:truncateColumnThreshold], nil
		}
		return x, nil
	case []byte:
		if len(x) > truncateColumnThreshold {
			return x[:truncateColumnThreshold], nil
		}
		return x, nil
	case json.RawMessage:
		if len(x) > truncateColumnThreshold {
			return oversizePlaceholderJSON(x), nil
		}
		return x, nil
	case pgtype.Array[any]:
		return translateArray(x)
	case pgtype.Range[any]:
		return stringifyRange(x)
	case pgtype.Text:
		if len(x.String) > truncateColumnThreshold {
			return x.String[:truncateColumnThreshold], nil
		}
		return x.String, nil
	case pgtype.InfinityModifier:
		if x == pgtype.Infinity {
			return infinityTimestamp, nil
		} else if x == pgtype.NegativeInfinity {
			return negativeInfinityTimestamp, nil
		}
	case time.Time:
		if dataType == "date" {
			return x.Format("2006-01-02"), nil
		}
		return formatRFC3339(x), nil
	case pgtype.Time:
		return x.Microseconds, nil
	case pgtype.Numeric:
		// Numerics are output as strings, since most JSON decoders would lose precision.
		var bs, err = json.Marshal(x)
		if err != nil {
			return nil, err
		}
		return strings.Trim(string(bs), `"`), nil
	case pgtype.Bits:
		return x.Value()
	case pgtype.Interval:
		return x.Value()
	case pgtype.Point:
		return x.Value()
	case pgtype.Line:
		return x.Value()
	case pgtype.Lseg:
		return x.Value()
	case pgtype.Box:
		return x.Value()
	case pgtype.Path:
		return x.Value()
	case pgtype.Polygon:
		return x.Value()
	case pgtype.Circle:
		return x.Value()
	}
	return val, nil
}

func stringifyRange(r pgtype.Range[any]) (string, error) {
	if r.LowerType == pgtype.Empty || r.UpperType == pgtype.Empty {
		return "empty", nil
	}

	var buf = new(strings.Builder)
	switch r.LowerType {
	case pgtype.Inclusive:
		buf.WriteString("[")
	case pgtype.Exclusive, pgtype.Unbounded:
		buf.WriteString("(")
	}
	if r.LowerType == pgtype.Inclusive || r.LowerType == pgtype.Exclusive {
		writeRangeBound(buf, r.Lower)
	}
	buf.WriteString(",")
	if r.UpperType == pgtype.Inclusive || r.UpperType == pgtype.Exclusive {
		writeRangeBound(buf, r.Upper)
	}
	switch r.UpperType {
	case pgtype.Inclusive:
		buf.WriteString("]")
	case pgtype.Exclusive, pgtype.Unbounded:
		buf.WriteString(")")
	}
	return buf.String(), nil
}

func writeRangeBound(buf *strings.Builder, bound any) {
	if translated, err := translateRecordField("", bound); err != nil {
		fmt.Fprintf(buf, "%v", bound)
	} else {
		fmt.Fprintf(buf, "%v", translated)
	}
}

func formatRFC3339(t time.Time) string {
	if t.Year() < 0 || t.Year() > 9999 {
		// Years outside of RFC3339 are almost always typos like `20221`.
		return negativeInfinityTimestamp
	}
	return t.Format(time.RFC3339Nano)
}

func translateArray(x pgtype.Array[any]) (any, error) {
	var dims = []int{}
	for _, dim := range x.Dims {
		dims = append(dims, int(dim.Length))
	}
	for idx := range x.Elements {
		var translated, err = translateRecordField("", x.Elements[idx])
		if err != nil {
			return nil, err
		}
		x.Elements[idx] = translated
	}
	return map[string]any{
		"dimensions": dims,
		"elements":   x.Elements,
	}, nil
}

// cursorTypes maps the types which can be used as a cursor to their ordering class.
var cursorTypes = map[string]sqlcapture.CursorType{
	"int2":        sqlcapture.CursorTypeNumeric,
	"int4":        sqlcapture.CursorTypeNumeric,
	"int8":        sqlcapture.CursorTypeNumeric,
	"float4":      sqlcapture.CursorTypeNumeric,
	"float8":      sqlcapture.CursorTypeNumeric,
	"numeric":     sqlcapture.CursorTypeNumeric,
	"oid":         sqlcapture.CursorTypeNumeric,
	"text":        sqlcapture.CursorTypeText,
	"varchar":     sqlcapture.CursorTypeText,
	"bpchar":      sqlcapture.CursorTypeText,
	"name":        sqlcapture.CursorTypeText,
	"date":        sqlcapture.CursorTypeDate,
	"time":        sqlcapture.CursorTypeTime,
	"timetz":      sqlcapture.CursorTypeTimeTZ,
	"timestamp":   sqlcapture.CursorTypeTimestamp,
	"timestamptz": sqlcapture.CursorTypeTimestampTZ,
}

// collatedTypes are the cursor types which are compared under a collation.
var collatedTypes = map[string]bool{"text": true, "varchar": true, "bpchar": true, "name": true}

func columnCursorType(dataType string) sqlcapture.CursorType {
	return cursorTypes[dataType]
}

type columnSchema struct {
	jsonType string
	format   string
}

var postgresTypeToJSON = map[string]columnSchema{
	"bool": {jsonType: "boolean"},

	"int2": {jsonType: "integer"},
	"int4": {jsonType: "integer"},
	"int8": {jsonType: "integer"},
	"oid":  {jsonType: "integer"},
	"xid":  {jsonType: "integer"},

	"float4":  {jsonType: "number"},
	"float8":  {jsonType: "number"},
	"numeric": {jsonType: "string", format: "number"},
	"money":   {jsonType: "string"},

	"bpchar":  {jsonType: "string"},
	"varchar": {jsonType: "string"},
	"text":    {jsonType: "string"},
	"name":    {jsonType: "string"},
	"citext":  {jsonType: "string"},
	"bytea":   {jsonType: "string", format: "byte"},
	"bit":     {jsonType: "string"},
	"varbit":  {jsonType: "string"},

	"json":  {},
	"jsonb": {},

	"date":        {jsonType: "string", format: "date"},
	"timestamp":   {jsonType: "string", format: "date-time"},
	"timestamptz": {jsonType: "string", format: "date-time"},
	"time":        {jsonType: "integer"},
	"timetz":      {jsonType: "string", format: "time"},
	"interval":    {jsonType: "string"},

	"uuid":     {jsonType: "string", format: "uuid"},
	"inet":     {jsonType: "string"},
	"cidr":     {jsonType: "string"},
	"macaddr":  {jsonType: "string"},
	"macaddr8": {jsonType: "string"},

	"point":   {jsonType: "string"},
	"line":    {jsonType: "string"},
	"lseg":    {jsonType: "string"},
	"box":     {jsonType: "string"},
	"path":    {jsonType: "string"},
	"polygon": {jsonType: "string"},
	"circle":  {jsonType: "string"},

	"int4range": {jsonType: "string"},
	"int8range": {jsonType: "string"},
	"numrange":  {jsonType: "string"},
	"daterange": {jsonType: "string"},
	"tsrange":   {jsonType: "string"},
	"tstzrange": {jsonType: "string"},
}

// translateColumnSchema returns the JSON schema of values of a column.
func translateColumnSchema(column sqlcapture.ColumnInfo) (*jsonschema.Schema, error) {
	if strings.HasPrefix(column.DataType, "_") {
		// Arrays, which are output as an object of their dimensions and elements.
		var element, err = translateColumnSchema(sqlcapture.ColumnInfo{DataType: strings.TrimPrefix(column.DataType, "_"), IsNullable: true})
		if err != nil {
			return nil, err
		}
		var properties = orderedmap.New[string, *jsonschema.Schema]()
		properties.Set("dimensions", &jsonschema.Schema{Type: "array", Items: &jsonschema.Schema{Type: "integer"}})
		properties.Set("elements", &jsonschema.Schema{Type: "array", Items: element})
		return nullable(&jsonschema.Schema{Type: "object", Properties: properties}, column.IsNullable), nil
	}

	var translation, ok = postgresTypeToJSON[column.DataType]
	if !ok {
		return nil, fmt.Errorf("unhandled PostgreSQL type %q", column.DataType)
	}
	if translation.jsonType == "" {
		return &jsonschema.Schema{}, nil
	}
	return nullable(&jsonschema.Schema{Type: translation.jsonType, Format: translation.format}, column.IsNullable), nil
}

func nullable(schema *jsonschema.Schema, isNullable bool) *jsonschema.Schema {
	if !isNullable {
		return schema
	}
	return &jsonschema.Schema{AnyOf: []*jsonschema.Schema{schema, {Type: "null"}}}
}
