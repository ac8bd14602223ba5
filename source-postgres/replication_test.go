package main

import (
	"context"
	"fmt"
	"testing"
	"time"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/estuary/pgextract/sqlcapture"
	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5/pgtype"
	"github.com/segmentio/encoding/json"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
)

func testReplicationStream(t *testing.T) *replicationStream {
	t.Helper()
	var typeMap = pgtype.NewMap()
	require.NoError(t, registerDatatypeTweaks(typeMap))
	return &replicationStream{
		typeMap: typeMap,
		relations: map[uint32]*pglogrepl.RelationMessage{
			16384: {
				RelationID:   16384,
				Namespace:    "public",
				RelationName: "orders",
				Columns: []*pglogrepl.RelationMessageColumn{
					{Flags: 1, Name: "id", DataType: pgtype.Int4OID},
					{Name: "name", DataType: pgtype.TextOID},
					{Name: "doc", DataType: pgtype.JSONBOID},
					{Name: "updated_at", DataType: pgtype.TimestamptzOID},
				},
			},
		},
	}
}

func textColumn(s string) *pglogrepl.TupleDataColumn {
	return &pglogrepl.TupleDataColumn{DataType: pglogrepl.TupleDataTypeText, Length: uint32(len(s)), Data: []byte(s)}
}

func TestDecodeChange(t *testing.T) {
	var stream = testReplicationStream(t)
	var xld = pglogrepl.XLogData{WALStart: 0x16B3748}

	var tuple = &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("42"),
		{DataType: pglogrepl.TupleDataTypeNull},
		textColumn(`{"a": [1, 2]}`),
		textColumn("2024-01-01 12:00:00+00"),
	}}

	var _, err = stream.decodeChange(sqlcapture.InsertOp, xld, 16384, nil, tuple)
	require.ErrorContains(t, err, "without a transaction in progress")

	stream.inTransaction = true
	stream.commitLSN = 0x16B3800
	stream.commitTime = time.Date(2024, 1, 1, 12, 0, 1, 0, time.UTC)

	event, err := stream.decodeChange(sqlcapture.InsertOp, xld, 16384, nil, tuple)
	require.NoError(t, err)
	require.Equal(t, sqlcapture.InsertOp, event.Operation)
	require.Equal(t, sqlcapture.StreamID{Namespace: "public", Name: "orders"}, event.Stream)
	require.Equal(t, uint64(0x16B3748), event.LSN)
	require.Equal(t, uint64(0x16B3800), event.CommitLSN)
	require.Nil(t, event.Before)

	var doc, merr = json.Marshal(event.After)
	require.NoError(t, merr)
	require.JSONEq(t, `{"id":42,"name":null,"doc":{"a":[1,2]},"updated_at":"2024-01-01T12:00:00Z"}`, string(doc))

	_, err = stream.decodeChange(sqlcapture.InsertOp, xld, 99, nil, tuple)
	require.ErrorContains(t, err, "unknown relation ID 99")
}

func TestDecodeTupleToast(t *testing.T) {
	var stream = testReplicationStream(t)
	var rel = stream.relations[16384]

	// Unchanged out-of-line values are omitted from the document.
	var values, err = stream.decodeTuple(rel, &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("7"),
		textColumn("bob"),
		{DataType: pglogrepl.TupleDataTypeToast},
		{DataType: pglogrepl.TupleDataTypeNull},
	}})
	require.NoError(t, err)

	var keys []string
	for pair := values.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	require.Equal(t, []string{"id", "name", "updated_at"}, keys)

	values, err = stream.decodeTuple(rel, nil)
	require.NoError(t, err)
	require.Nil(t, values)

	_, err = stream.decodeTuple(rel, &pglogrepl.TupleData{Columns: []*pglogrepl.TupleDataColumn{
		textColumn("1"), textColumn("2"), textColumn("3"), textColumn("4"), textColumn("5"),
	}})
	require.ErrorContains(t, err, "more columns than its relation")
}

func TestReplicationIntegration(t *testing.T) {
	var tb, ctx = requireBackend(t), context.Background()
	lowerTuningParameters(t)
	var table = tb.CreateTable(ctx, t, "", "(id INTEGER PRIMARY KEY, data TEXT)")
	tb.Insert(ctx, t, table, [][]any{{1, "one"}, {2, "two"}})

	var cfg = tb.cfg
	cfg.ReplicationMethod = string(sqlcapture.ReplicationMethodCDC)
	require.NoError(t, cfg.Advanced.InitialWait.Parse("PT5S"))
	cfg.SetDefaults()

	var db = tb.Connect(ctx, t)
	info, err := db.DescribeTable(ctx, sqlcapture.StreamID{Namespace: "public", Name: table})
	require.NoError(t, err)
	require.NoError(t, db.SetupPrerequisites(ctx, []*sqlcapture.TableInfo{info}))

	// The first sync snapshots the table.
	var out = runSync(ctx, t, cfg, nil, airbyte.SyncModeIncremental, nil, table)
	require.GreaterOrEqual(t, len(out.records()), 2)
	var state = out.lastState(t)
	require.Equal(t, airbyte.StateTypeGlobal, state.Type)
	stateDoc, err := json.Marshal([]*airbyte.State{state})
	require.NoError(t, err)

	// Later syncs read changes from the replication slot.
	tb.Insert(ctx, t, table, [][]any{{3, "three"}, {4, "four"}})
	tb.Delete(ctx, t, table, "id", 1)
	out = runSync(ctx, t, cfg, stateDoc, airbyte.SyncModeIncremental, nil, table)

	var summary []string
	for _, doc := range out.records() {
		var line = fmt.Sprintf("id=%d", doc.Get("id").Int())
		if deleted := doc.Get("_ab_cdc_deleted_at"); deleted.Exists() && deleted.Type != gjson.Null {
			line += " deleted"
		} else {
			line += " live"
		}
		require.True(t, doc.Get("_ab_cdc_lsn").Exists())
		summary = append(summary, line)
	}
	require.Equal(t, []string{"id=3 live", "id=4 live", "id=1 deleted"}, summary)
}
