package main

import (
	"context"
	"testing"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func TestServerInfoFromVersion(t *testing.T) {
	require.Equal(t, &sqlcapture.ServerInfo{MajorVersion: 16, TIDRangeScan: true}, serverInfoFromVersion(160002))
	require.Equal(t, &sqlcapture.ServerInfo{MajorVersion: 14, TIDRangeScan: true}, serverInfoFromVersion(140000))
	require.Equal(t, &sqlcapture.ServerInfo{MajorVersion: 13}, serverInfoFromVersion(130011))
	require.Equal(t, &sqlcapture.ServerInfo{MajorVersion: 9}, serverInfoFromVersion(90624))
}

func TestDiscoverSchema(t *testing.T) {
	var table = ordersTable()
	table.Columns = append(table.Columns,
		sqlcapture.ColumnInfo{Name: "tags", Index: 4, DataType: "_text", IsNullable: true},
		sqlcapture.ColumnInfo{Name: "search", Index: 5, DataType: "tsvector", IsNullable: true},
	)

	var catalog, err = sqlcapture.DiscoverCatalog([]*sqlcapture.TableInfo{table}, translateColumnSchema, sqlcapture.ReplicationMethodCDC)
	require.NoError(t, err)
	require.Len(t, catalog.Streams, 1)

	var stream = catalog.Streams[0]
	require.Equal(t, "orders", stream.Name)
	require.Equal(t, "public", stream.Namespace)
	require.Equal(t, [][]string{{"id"}}, stream.SourceDefinedPrimaryKey)
	require.Equal(t, airbyte.AllSyncModes, stream.SupportedSyncModes)

	var schema = gjson.ParseBytes(stream.JSONSchema)
	require.Equal(t, "integer", schema.Get("properties.id.type").String())
	require.Equal(t, "date-time", schema.Get("properties.updated_at.anyOf.0.format").String())
	require.Equal(t, "array", schema.Get("properties.tags.anyOf.0.properties.elements.type").String())
	require.Contains(t, schema.Get("properties.search.description").String(), "catch-all")
	require.True(t, schema.Get("properties._ab_cdc_lsn").Exists())
}

func TestDiscoveryIntegration(t *testing.T) {
	var tb, ctx = requireBackend(t), context.Background()
	var tableName = tb.CreateTable(ctx, t, "cheap_oxygenation", `(
		k1             INTEGER NOT NULL,
		foo            TEXT,
		real_          REAL NOT NULL,
		"Bounded Text" VARCHAR(255),
		k2             TEXT,
		doc            JSON,
		"doc/bin"      JSONB NOT NULL,
		PRIMARY KEY(k2, k1)
	)`)

	var catalog, err = discoverCatalog(ctx, &tb.cfg)
	require.NoError(t, err)

	var found *airbyte.Stream
	for idx := range catalog.Streams {
		if catalog.Streams[idx].Name == tableName {
			found = &catalog.Streams[idx]
		}
	}
	require.NotNil(t, found, "table %q was not discovered", tableName)
	require.Equal(t, [][]string{{"k2"}, {"k1"}}, found.SourceDefinedPrimaryKey)

	var schema = gjson.ParseBytes(found.JSONSchema)
	require.Equal(t, "integer", schema.Get("properties.k1.type").String())
	require.Equal(t, "number", schema.Get("properties.real_.type").String())
	require.Equal(t, "string", schema.Get(`properties.Bounded Text.anyOf.0.type`).String())
	require.True(t, schema.Get(`properties.doc\/bin`).Exists())
	require.False(t, schema.Get("properties._ab_cdc_lsn").Exists())
}
