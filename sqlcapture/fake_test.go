package sqlcapture

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"testing"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/stretchr/testify/require"
	"github.com/tidwall/gjson"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

var testStream = StreamID{Namespace: "public", Name: "orders"}

type fakeRow struct {
	id     int
	cursor *string
	xmin   uint32
}

type fakeTable struct {
	info      *TableInfo
	rows      []fakeRow // In physical order
	scanErr   error     // Returned by every scan of the table
	chunks    []ChunkQuery
	chunkRows []int // Number of rows returned by each chunk query
	fullScan  int
}

func (t *fakeTable) ctid(idx int) CTID {
	return CTID{Block: uint32(idx / 4), Offset: uint16(idx%4 + 1)}
}

func (t *fakeTable) row(idx int, cursorColumn string) *Row {
	var r = t.rows[idx]
	var values = orderedmap.New[string, any]()
	values.Set("id", r.id)
	if r.cursor != nil {
		values.Set("updated_at", *r.cursor)
	} else {
		values.Set("updated_at", nil)
	}
	var row = &Row{CTID: t.ctid(idx), Xmin: r.xmin, Values: values}
	if cursorColumn != "" {
		row.Cursor = r.cursor
	}
	return row
}

type fakeDatabase struct {
	tables map[StreamID]*fakeTable
	server ServerInfo

	snapshot     uint64
	noSnapshot   bool
	prereqErr    error
	currentLSN   uint64
	stream       *fakeStream
	replicaStart []uint64
}

func newFakeDatabase() *fakeDatabase {
	return &fakeDatabase{
		tables:   make(map[StreamID]*fakeTable),
		server:   ServerInfo{MajorVersion: 16, TIDRangeScan: true},
		snapshot: 1000,
		stream:   &fakeStream{},
	}
}

func (db *fakeDatabase) table(id StreamID) (*fakeTable, error) {
	var t, ok = db.tables[id]
	if !ok {
		return nil, fmt.Errorf("table %q does not exist", id.String())
	}
	return t, nil
}

// addTable adds a table with an integer `id` column and a timestamp `updated_at` column.
func (db *fakeDatabase) addTable(id StreamID, primaryKey bool, rows ...fakeRow) *fakeTable {
	var filenode = int64(16384)
	var info = &TableInfo{
		Stream: id,
		Columns: []ColumnInfo{
			{Name: "id", Index: 1, DataType: "integer", CursorType: CursorTypeNumeric},
			{Name: "updated_at", Index: 2, DataType: "timestamp without time zone", IsNullable: true, CursorType: CursorTypeTimestamp},
			{Name: "shape", Index: 3, DataType: "polygon", IsNullable: true},
		},
		Filenode: &filenode,
	}
	if primaryKey {
		info.PrimaryKey = []string{"id"}
	}
	var t = &fakeTable{info: info, rows: rows}
	db.tables[id] = t
	return t
}

func (db *fakeDatabase) DescribeTable(ctx context.Context, id StreamID) (*TableInfo, error) {
	var t, err = db.table(id)
	if err != nil {
		return nil, err
	}
	return t.info, nil
}

func (db *fakeDatabase) ServerInfo(ctx context.Context) (*ServerInfo, error) {
	var info = db.server
	return &info, nil
}

func (db *fakeDatabase) ScanChunk(ctx context.Context, table *TableInfo, query ChunkQuery, visit RowVisitor) error {
	var t, err = db.table(table.Stream)
	if err != nil {
		return err
	}
	t.chunks = append(t.chunks, query)
	if t.scanErr != nil {
		return t.scanErr
	}
	var count int
	for idx := range t.rows {
		if count == query.Limit {
			break
		}
		if t.ctid(idx).Compare(query.After) <= 0 {
			continue
		}
		count++
		if err := visit(t.row(idx, query.CursorColumn)); err != nil {
			return err
		}
	}
	t.chunkRows = append(t.chunkRows, count)
	return nil
}

func (db *fakeDatabase) ScanFull(ctx context.Context, table *TableInfo, cursorColumn string, visit RowVisitor) error {
	var t, err = db.table(table.Stream)
	if err != nil {
		return err
	}
	t.fullScan++
	if t.scanErr != nil {
		return t.scanErr
	}
	for idx := range t.rows {
		if err := visit(t.row(idx, cursorColumn)); err != nil {
			return err
		}
	}
	return nil
}

func (db *fakeDatabase) ScanCursor(ctx context.Context, table *TableInfo, query CursorQuery, visit RowVisitor) error {
	var t, err = db.table(table.Stream)
	if err != nil {
		return err
	}
	if t.scanErr != nil {
		return t.scanErr
	}
	var selected []int
	for idx, row := range t.rows {
		if query.Lower != nil {
			if row.cursor == nil {
				continue
			}
			var cmp, err = CompareCursors(*row.cursor, *query.Lower, query.Type)
			if err != nil {
				return err
			}
			if cmp < 0 || (cmp == 0 && !query.Inclusive) {
				continue
			}
		}
		selected = append(selected, idx)
	}
	slices.SortStableFunc(selected, func(a, b int) int {
		var ra, rb = t.rows[a], t.rows[b]
		switch {
		case ra.cursor == nil && rb.cursor == nil:
		case ra.cursor == nil:
			return 1
		case rb.cursor == nil:
			return -1
		default:
			if cmp, _ := CompareCursors(*ra.cursor, *rb.cursor, query.Type); cmp != 0 {
				return cmp
			}
		}
		return ra.id - rb.id
	})
	for _, idx := range selected {
		if err := visit(t.row(idx, query.Column)); err != nil {
			return err
		}
	}
	return nil
}

func (db *fakeDatabase) QueryCursorMax(ctx context.Context, table *TableInfo, column string, typ CursorType) (*string, error) {
	var t, err = db.table(table.Stream)
	if err != nil {
		return nil, err
	}
	var greatest *string
	for _, row := range t.rows {
		if row.cursor == nil {
			continue
		}
		if greatest == nil {
			greatest = row.cursor
		} else if cmp, _ := CompareCursors(*row.cursor, *greatest, typ); cmp > 0 {
			greatest = row.cursor
		}
	}
	return greatest, nil
}

func (db *fakeDatabase) ScanXmin(ctx context.Context, table *TableInfo, query XminQuery, visit RowVisitor) error {
	var t, err = db.table(table.Stream)
	if err != nil {
		return err
	}
	if t.scanErr != nil {
		return t.scanErr
	}
	var selected []int
	for idx, row := range t.rows {
		if query.Threshold != nil && (row.xmin < firstNormalXID || CompareXID32(row.xmin, *query.Threshold) < 0) {
			continue
		}
		selected = append(selected, idx)
	}
	slices.SortStableFunc(selected, func(a, b int) int {
		var x = int32(t.rows[a].xmin - query.Reference)
		var y = int32(t.rows[b].xmin - query.Reference)
		return int(x) - int(y)
	})
	for _, idx := range selected {
		if err := visit(t.row(idx, "")); err != nil {
			return err
		}
	}
	return nil
}

func (db *fakeDatabase) SnapshotXmin(ctx context.Context) (uint64, error) {
	if db.noSnapshot {
		return 0, fmt.Errorf("txid_snapshot_xmin: %w", ErrXminUnavailable)
	}
	return db.snapshot, nil
}

func (db *fakeDatabase) SetupPrerequisites(ctx context.Context, tables []*TableInfo) error {
	return db.prereqErr
}

func (db *fakeDatabase) CurrentLSN(ctx context.Context) (uint64, error) {
	return db.currentLSN, nil
}

func (db *fakeDatabase) StartReplication(ctx context.Context, start uint64) (ReplicationStream, error) {
	db.replicaStart = append(db.replicaStart, start)
	return db.stream, nil
}

type fakeStream struct {
	events []*ChangeEvent
	acks   []uint64
	closed bool
}

func (s *fakeStream) Stream(ctx context.Context, callback func(event *ChangeEvent) error) error {
	for _, event := range s.events {
		if err := callback(event); errors.Is(err, ErrStopStreaming) {
			return nil
		} else if err != nil {
			return err
		}
	}
	return nil
}

func (s *fakeStream) Acknowledge(ctx context.Context, lsn uint64) error {
	s.acks = append(s.acks, lsn)
	return nil
}

func (s *fakeStream) Close(ctx context.Context) error {
	s.closed = true
	return nil
}

func change(op ChangeOp, id int, lsn, commitLSN uint64) *ChangeEvent {
	var values = orderedmap.New[string, any]()
	values.Set("id", id)
	var event = &ChangeEvent{Operation: op, Stream: testStream, LSN: lsn, CommitLSN: commitLSN}
	if op == DeleteOp {
		event.Before = values
	} else {
		event.After = values
	}
	return event
}

func commit(lsn uint64) *ChangeEvent {
	return &ChangeEvent{Operation: CommitOp, LSN: lsn}
}

func progress(lsn uint64) *ChangeEvent {
	return &ChangeEvent{Operation: ProgressOp, LSN: lsn}
}

// testOutput collects emitted messages. If cancel is set it's called once
// cancelAfter messages have been written.
type testOutput struct {
	messages    []airbyte.Message
	flushes     int
	cancelAfter int
	cancel      context.CancelFunc
}

func (o *testOutput) Encode(msg airbyte.Message) error {
	o.messages = append(o.messages, msg)
	if o.cancel != nil && len(o.messages) == o.cancelAfter {
		o.cancel()
	}
	return nil
}

func (o *testOutput) Flush() error {
	o.flushes++
	return nil
}

// summary renders each message as a single line.
func (o *testOutput) summary() []string {
	var lines []string
	for _, msg := range o.messages {
		switch msg.Type {
		case airbyte.MessageTypeRecord:
			var data = gjson.ParseBytes(msg.Record.Data)
			var line = fmt.Sprintf("RECORD %s.%s id=%d", msg.Record.Namespace, msg.Record.Stream, data.Get("id").Int())
			if lsn := data.Get(cdcLSNColumn); lsn.Exists() {
				line += fmt.Sprintf(" lsn=%d", lsn.Uint())
			}
			if deleted := data.Get(cdcDeletedAtColumn); deleted.Exists() && deleted.Type != gjson.Null {
				line += " deleted"
			}
			lines = append(lines, line)
		case airbyte.MessageTypeState:
			switch msg.State.Type {
			case airbyte.StateTypeStream:
				var desc = msg.State.Stream.StreamDescriptor
				lines = append(lines, fmt.Sprintf("STATE %s.%s %s", desc.Namespace, desc.Name, rawOrNull(msg.State.Stream.StreamState)))
			case airbyte.StateTypeGlobal:
				var parts = []string{"GLOBAL", rawOrNull(msg.State.Global.SharedState)}
				for _, s := range msg.State.Global.StreamStates {
					parts = append(parts, fmt.Sprintf("%s.%s=%s", s.StreamDescriptor.Namespace, s.StreamDescriptor.Name, rawOrNull(s.StreamState)))
				}
				lines = append(lines, strings.Join(parts, " "))
			default:
				lines = append(lines, fmt.Sprintf("LEGACY %s", rawOrNull(msg.State.Data)))
			}
		}
	}
	return lines
}

func rawOrNull(raw []byte) string {
	if len(raw) == 0 {
		return "null"
	}
	return string(raw)
}

// stateLine renders the expected summary line of a stream state.
func stateLine(t *testing.T, id StreamID, state StreamState) string {
	t.Helper()
	var encoded, err = EncodeStreamState(state)
	require.NoError(t, err)
	return fmt.Sprintf("STATE %s %s", id.String(), rawOrNull(encoded))
}

func recordLine(id StreamID, rowID int) string {
	return fmt.Sprintf("RECORD %s id=%d", id.String(), rowID)
}

func strPtr(s string) *string { return &s }

func configuredStream(id StreamID, mode airbyte.SyncMode, cursor ...string) airbyte.ConfiguredStream {
	return airbyte.ConfiguredStream{
		Stream: airbyte.Stream{
			Name:               id.Name,
			Namespace:          id.Namespace,
			SupportedSyncModes: airbyte.AllSyncModes,
		},
		SyncMode:            mode,
		DestinationSyncMode: airbyte.DestinationSyncModeAppend,
		CursorField:         cursor,
	}
}

func newTestCapture(t *testing.T, db *fakeDatabase, cfg Config, state []byte, out *testOutput, streams ...airbyte.ConfiguredStream) *Capture {
	t.Helper()
	var decoded, err = DecodeCaptureState(state)
	require.NoError(t, err)
	return &Capture{
		Catalog:  &airbyte.ConfiguredCatalog{Streams: streams},
		State:    decoded,
		Database: db,
		Output:   out,
		Config:   cfg,
	}
}

// runCapture runs a sync and returns the summary of its output.
func runCapture(t *testing.T, db *fakeDatabase, cfg Config, state []byte, streams ...airbyte.ConfiguredStream) ([]string, error) {
	t.Helper()
	var out = new(testOutput)
	var err = newTestCapture(t, db, cfg, state, out, streams...).Run(context.Background())
	return out.summary(), err
}

// numberedRows returns rows with IDs 1 through n, distinct cursor values in ID
// order, and ascending xmins.
func numberedRows(n int) []fakeRow {
	var rows []fakeRow
	for id := 1; id <= n; id++ {
		rows = append(rows, fakeRow{
			id:     id,
			cursor: strPtr(fmt.Sprintf("2024-01-%02d 00:00:00", id)),
			xmin:   uint32(1000 + id),
		})
	}
	return rows
}
