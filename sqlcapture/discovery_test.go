package sqlcapture

import (
	"fmt"
	"testing"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/invopop/jsonschema"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestDiscoverCatalog(t *testing.T) {
	var filenode = int64(16384)
	var tables = []*TableInfo{
		{
			Stream: StreamID{Namespace: "public", Name: "orders"},
			Columns: []ColumnInfo{
				{Name: "id", Index: 1, DataType: "integer"},
				{Name: "updated_at", Index: 2, DataType: "timestamp with time zone", IsNullable: true},
				{Name: "shape", Index: 3, DataType: "polygon", IsNullable: true},
			},
			PrimaryKey: []string{"id"},
			Filenode:   &filenode,
		},
		{
			Stream:  StreamID{Namespace: "other", Name: "events"},
			Columns: []ColumnInfo{{Name: "payload", Index: 1, DataType: "jsonb"}},
		},
	}
	var translate = func(column ColumnInfo) (*jsonschema.Schema, error) {
		switch column.DataType {
		case "integer":
			return &jsonschema.Schema{Type: "integer"}, nil
		case "timestamp with time zone":
			return &jsonschema.Schema{Type: "string", Format: "date-time"}, nil
		case "jsonb":
			return &jsonschema.Schema{}, nil
		}
		return nil, fmt.Errorf("unhandled type %q", column.DataType)
	}

	t.Run("standard", func(t *testing.T) {
		var catalog, err = DiscoverCatalog(tables, translate, ReplicationMethodStandard)
		require.NoError(t, err)
		require.Len(t, catalog.Streams, 2)

		var orders = catalog.Streams[0]
		require.Equal(t, "orders", orders.Name)
		require.Equal(t, "public", orders.Namespace)
		require.Equal(t, [][]string{{"id"}}, orders.SourceDefinedPrimaryKey)
		require.Equal(t, airbyte.AllSyncModes, orders.SupportedSyncModes)
		require.False(t, orders.SourceDefinedCursor)

		var schema = gjson.ParseBytes(orders.JSONSchema)
		require.Equal(t, "object", schema.Get("type").String())
		require.Equal(t, "integer", schema.Get("properties.id.type").String())
		require.Equal(t, "date-time", schema.Get("properties.updated_at.format").String())
		require.Contains(t, schema.Get("properties.shape.description").String(), "catch-all")
		require.False(t, schema.Get("properties._ab_cdc_lsn").Exists())

		var keys []string
		schema.Get("properties").ForEach(func(key, _ gjson.Result) bool {
			keys = append(keys, key.String())
			return true
		})
		require.Equal(t, []string{"id", "updated_at", "shape"}, keys)

		require.Nil(t, catalog.Streams[1].SourceDefinedPrimaryKey)
	})

	t.Run("cdc", func(t *testing.T) {
		var catalog, err = DiscoverCatalog(tables, translate, ReplicationMethodCDC)
		require.NoError(t, err)
		var orders = catalog.Streams[0]
		require.True(t, orders.SourceDefinedCursor)
		require.Equal(t, []string{"_ab_cdc_lsn"}, orders.DefaultCursorField)

		var schema = gjson.ParseBytes(orders.JSONSchema)
		require.Equal(t, "number", schema.Get("properties._ab_cdc_lsn.type").String())
		require.Equal(t, "date-time", schema.Get("properties._ab_cdc_deleted_at.format").String())
	})
}

func TestParseVersion(t *testing.T) {
	tests := []struct {
		version   string
		major     int
		minor     int
		shouldErr bool
	}{
		{version: "invalid", shouldErr: true},
		{version: "", shouldErr: true},
		{version: "10", shouldErr: true},
		{version: "10.0", major: 10, minor: 0},
		{version: "13.4 (Debian 13.4-1.pgdg100+1)", major: 13, minor: 4},
		{version: "v16.2", major: 16, minor: 2},
		{version: "14beta1.7", shouldErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.version, func(t *testing.T) {
			major, minor, err := ParseVersion(tt.version)
			if tt.shouldErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			require.Equal(t, tt.major, major)
			require.Equal(t, tt.minor, minor)
		})
	}
}

func TestValidVersion(t *testing.T) {
	tests := []struct {
		name               string
		major, minor       int
		reqMajor, reqMinor int
		valid              bool
	}{
		{name: "equal", major: 14, minor: 2, reqMajor: 14, reqMinor: 2, valid: true},
		{name: "bigger major, smaller minor", major: 15, minor: 0, reqMajor: 14, reqMinor: 4, valid: true},
		{name: "smaller major, bigger minor", major: 13, minor: 9, reqMajor: 14, reqMinor: 0, valid: false},
		{name: "equal major, smaller minor", major: 14, minor: 1, reqMajor: 14, reqMinor: 2, valid: false},
		{name: "equal major, bigger minor", major: 14, minor: 3, reqMajor: 14, reqMinor: 2, valid: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.valid, ValidVersion(tt.major, tt.minor, tt.reqMajor, tt.reqMinor))
		})
	}
}
