package sqlcapture

import (
	"context"
	"errors"
	"fmt"
	"time"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// StreamID identifies a captured table by its namespace (schema) and name.
type StreamID struct {
	Namespace string
	Name      string
}

func (id StreamID) String() string {
	return JoinStreamID(id.Namespace, id.Name)
}

// JoinStreamID combines a namespace and a stream name into a dotted name like "public.foo_table".
// Postgres identifiers are case sensitive once quoted, so the case is preserved.
func JoinStreamID(namespace, stream string) string {
	return namespace + "." + stream
}

// ChangeOp encodes a change operation type.
type ChangeOp string

const (
	// InsertOp is an INSERT operation.
	InsertOp ChangeOp = "c"
	// UpdateOp is an UPDATE operation.
	UpdateOp ChangeOp = "u"
	// DeleteOp is a DELETE operation.
	DeleteOp ChangeOp = "d"
	// CommitOp is an internal-only ChangeOp which marks the end of a completed
	// transaction, but is not actually serialized.
	CommitOp ChangeOp = "x"
	// ProgressOp is an internal-only ChangeOp reporting the server's WAL position
	// while no transaction is being decoded.
	ProgressOp ChangeOp = "p"
)

// ChangeEvent is a single event decoded from the replication stream: a row change,
// the commit of the transaction containing preceding row changes, or a progress report.
type ChangeEvent struct {
	Operation ChangeOp
	Stream    StreamID

	// LSN is the position of the event itself. For a CommitOp it is the end of the
	// commit record, which is the position a restarted stream resumes after.
	LSN uint64
	// CommitLSN is the position of the commit record of the transaction the event
	// belongs to, known from the start of the transaction.
	CommitLSN uint64
	// CommitTime is the commit timestamp of the transaction.
	CommitTime time.Time

	Before *orderedmap.OrderedMap[string, any]
	After  *orderedmap.OrderedMap[string, any]
}

// Row returns the row image of the change: the before image for deletes and the
// after image otherwise.
func (e *ChangeEvent) Row() *orderedmap.OrderedMap[string, any] {
	if e.Operation == DeleteOp {
		return e.Before
	}
	return e.After
}

func (e *ChangeEvent) String() string {
	switch e.Operation {
	case CommitOp:
		return fmt.Sprintf("Commit(%d)", e.LSN)
	case ProgressOp:
		return fmt.Sprintf("Progress(%d)", e.LSN)
	}
	return fmt.Sprintf("Change(%s, %s, %d)", e.Operation, e.Stream, e.LSN)
}

var (
	// ErrStopStreaming may be returned by a replication event callback to end
	// streaming without an error.
	ErrStopStreaming = errors.New("stop streaming")
	// ErrXminUnavailable is returned by a Database which is unable to report the
	// oldest transaction ID still in progress.
	ErrXminUnavailable = errors.New("snapshot xmin is unavailable")
)

// Row is a single row read from a table scan.
type Row struct {
	CTID   CTID    // Physical address of the row version.
	Xmin   uint32  // Inserting transaction ID of the row version.
	Cursor *string // Text representation of the cursor column, when one was requested.
	Values *orderedmap.OrderedMap[string, any]
}

// RowVisitor is called for each row of a scan, in scan order. Returning an error ends the scan.
type RowVisitor func(row *Row) error

// ChunkQuery describes one chunk of a physical-order table scan.
type ChunkQuery struct {
	After        CTID   // Exclusive lower bound on the physical address.
	Limit        int    // Maximum number of rows to return.
	CursorColumn string // If set, the text value of this column is returned as Row.Cursor.
}

// CursorQuery describes a scan of a table in cursor order.
type CursorQuery struct {
	Column string
	Type   CursorType
	// Lower is the lower bound on the cursor, if any. A nil lower bound scans the
	// table from the beginning.
	Lower *string
	// Inclusive includes rows equal to the lower bound.
	Inclusive bool
	// Tiebreak columns order rows sharing a cursor value. When empty the physical row
	// address is used.
	Tiebreak []string
}

// XminQuery describes a scan of a table in transaction ID order.
type XminQuery struct {
	// Threshold is the inclusive lower bound on row xmin, compared modulo 2^32. A nil
	// threshold scans the whole table.
	Threshold *uint32
	// Reference orders the rows: rows are returned in order of their signed circular
	// distance from this transaction ID.
	Reference uint32
}

// ColumnInfo holds metadata about a specific column of some table in the database.
type ColumnInfo struct {
	Name       string     // The name of the column.
	Index      int        // The ordinal position of this column in a row.
	DataType   string     // The database type name of this column.
	IsNullable bool       // True if the column can contain nulls.
	CursorType CursorType // How values of the column are ordered, or empty if it can't be a cursor.
}

// TableInfo holds metadata about a specific table in the database.
type TableInfo struct {
	Stream     StreamID
	Columns    []ColumnInfo // Columns in ordinal order.
	PrimaryKey []string     // An ordered list of the column names which together form the primary key.
	// Filenode is the current physical storage identifier of the relation, or nil
	// if the relation has no storage of its own.
	Filenode *int64
}

// Column looks up a column by name.
func (t *TableInfo) Column(name string) (*ColumnInfo, bool) {
	for idx := range t.Columns {
		if t.Columns[idx].Name == name {
			return &t.Columns[idx], true
		}
	}
	return nil, false
}

// ServerInfo describes capabilities of the database server.
type ServerInfo struct {
	MajorVersion int
	// TIDRangeScan is true if the server plans `ctid > $1` as a TID range scan.
	TIDRangeScan bool
}

// Database represents the operations which must be performed on a specific database
// during the course of a sync in order to read preexisting data and process replicated
// change events.
type Database interface {
	// DescribeTable returns columns, primary key and storage identifier of a table.
	DescribeTable(ctx context.Context, stream StreamID) (*TableInfo, error)
	// ServerInfo returns the version and capabilities of the server.
	ServerInfo(ctx context.Context) (*ServerInfo, error)
	// ScanChunk visits the rows of a table with physical address greater than `query.After`
	// in physical order, returning at most `query.Limit` rows.
	ScanChunk(ctx context.Context, table *TableInfo, query ChunkQuery, visit RowVisitor) error
	// ScanFull visits every row of a table in a single unsplittable scan.
	ScanFull(ctx context.Context, table *TableInfo, cursorColumn string, visit RowVisitor) error
	// ScanCursor visits the rows of a table in cursor order.
	ScanCursor(ctx context.Context, table *TableInfo, query CursorQuery, visit RowVisitor) error
	// QueryCursorMax returns the text value of the greatest cursor in the table, or nil if
	// the table has no rows with a non-null cursor.
	QueryCursorMax(ctx context.Context, table *TableInfo, column string, typ CursorType) (*string, error)
	// ScanXmin visits the rows of a table in transaction ID order.
	ScanXmin(ctx context.Context, table *TableInfo, query XminQuery, visit RowVisitor) error
	// SnapshotXmin returns the epoch-extended ID of the oldest transaction still in
	// progress. It returns ErrXminUnavailable if the server cannot report it.
	SnapshotXmin(ctx context.Context) (uint64, error)
	// SetupPrerequisites verifies that logical replication of the tables can proceed.
	SetupPrerequisites(ctx context.Context, tables []*TableInfo) error
	// CurrentLSN returns the current write-ahead log position of the server.
	CurrentLSN(ctx context.Context) (uint64, error)
	// StartReplication opens a replication stream from the configured slot beginning at
	// `start`. A zero start position resumes from the slot's confirmed position.
	StartReplication(ctx context.Context, start uint64) (ReplicationStream, error)
}

// ReplicationStream represents the process of receiving change events from a database,
// managing keepalives and status updates, and translating them into ChangeEvents.
type ReplicationStream interface {
	// Stream invokes the callback for each event in log order until the callback returns
	// an error. ErrStopStreaming ends the stream cleanly and Stream returns nil.
	Stream(ctx context.Context, callback func(event *ChangeEvent) error) error
	// Acknowledge advances the confirmed position of the replication slot.
	Acknowledge(ctx context.Context, lsn uint64) error
	Close(ctx context.Context) error
}
