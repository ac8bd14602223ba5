package sqlcapture

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// DefaultChunkSize is the number of rows read by each chunk of a table scan.
const DefaultChunkSize = 10000

// FilenodeStatus classifies the current storage identifier of a table against the
// one recorded by a resumed scan.
type FilenodeStatus string

const (
	NoFilenode        FilenodeStatus = "NO_FILENODE"         // New scan of a relation without storage
	FilenodeNewStream FilenodeStatus = "FILENODE_NEW_STREAM" // New scan of a relation with storage
	FilenodeNotFound  FilenodeStatus = "FILENODE_NOT_FOUND"  // Resumed scan of a relation which lost its storage
	FilenodeChanged   FilenodeStatus = "FILENODE_CHANGED"    // Resumed scan of a rewritten relation
	FilenodeNoChange  FilenodeStatus = "FILENODE_NO_CHANGE"  // Resumed scan of the same storage
)

// ClassifyFilenode compares the storage identifier recorded in a resumed scan with
// the table's current one.
func ClassifyFilenode(resume *CtidState, current *int64) FilenodeStatus {
	switch {
	case resume == nil && current == nil:
		return NoFilenode
	case resume == nil:
		return FilenodeNewStream
	case current == nil:
		return FilenodeNotFound
	case resume.RelationFilenode != *current:
		return FilenodeChanged
	}
	return FilenodeNoChange
}

// ScanSeed tracks the incremental state which a stream continues from once its
// table scan completes. The bound is captured when the scan begins, so that rows
// modified while the scan is running are read again by the next incremental pass.
type ScanSeed struct {
	stream StreamID
	kind   StateType

	// Cursor seeds.
	column string
	typ    CursorType
	upper  *string
	count  int64

	// Xmin seeds. When derive is set no snapshot xmin was available and the seed
	// follows the newest row xmin observed.
	raw      uint64
	derive   bool
	observed bool
}

// NewCursorSeed seeds a cursor-based stream with the greatest cursor value at the
// start of the scan.
func NewCursorSeed(stream StreamID, column string, typ CursorType, upper *string) *ScanSeed {
	return &ScanSeed{stream: stream, kind: StateTypeStandard, column: column, typ: typ, upper: upper}
}

// NewXminSeed seeds an xmin stream with the snapshot xmin at the start of the scan.
func NewXminSeed(stream StreamID, raw uint64) *ScanSeed {
	return &ScanSeed{stream: stream, kind: StateTypeXmin, raw: raw}
}

// NewDerivedXminSeed seeds an xmin stream from the rows of the scan itself.
func NewDerivedXminSeed(stream StreamID) *ScanSeed {
	return &ScanSeed{stream: stream, kind: StateTypeXmin, derive: true}
}

// ResumeSeed reconstructs the seed of a resumed scan from its incremental state.
func ResumeSeed(stream StreamID, state StreamState, typ CursorType) *ScanSeed {
	switch state := state.(type) {
	case *StandardState:
		var column string
		if len(state.CursorField) > 0 {
			column = state.CursorField[0]
		}
		return &ScanSeed{stream: stream, kind: StateTypeStandard, column: column, typ: typ, upper: state.Cursor, count: state.CursorRecordCount}
	case *XminState:
		return &ScanSeed{stream: stream, kind: StateTypeXmin, raw: state.XminRawValue}
	}
	return nil
}

// CursorColumn is the cursor column whose values the scan must observe, if any.
func (s *ScanSeed) CursorColumn() string {
	if s == nil || s.kind != StateTypeStandard {
		return ""
	}
	return s.column
}

// Observe updates the seed with a row read by the scan.
func (s *ScanSeed) Observe(row *Row) error {
	if s == nil {
		return nil
	}
	switch s.kind {
	case StateTypeStandard:
		if s.upper == nil || row.Cursor == nil {
			return nil
		}
		var cmp, err = CompareCursors(*row.Cursor, *s.upper, s.typ)
		if err != nil {
			return fmt.Errorf("error comparing cursor values: %w", err)
		}
		if cmp == 0 {
			s.count++
		}
	case StateTypeXmin:
		if !s.derive || row.Xmin < firstNormalXID {
			return nil
		}
		if !s.observed {
			s.raw, s.observed = uint64(row.Xmin), true
		} else if raw := XIDToRaw(row.Xmin, s.raw); raw > s.raw {
			s.raw = raw
		}
	}
	return nil
}

// State returns the incremental state represented by the seed.
func (s *ScanSeed) State() StreamState {
	if s == nil {
		return nil
	}
	switch s.kind {
	case StateTypeStandard:
		var count = s.count
		if s.upper == nil {
			count = 0
		}
		return NewStandardState(s.stream, s.column, s.upper, count)
	case StateTypeXmin:
		if s.observed {
			// The next pass begins after the newest transaction observed.
			return NewXminState(s.stream, s.raw+1)
		}
		return NewXminState(s.stream, s.raw)
	}
	return nil
}

// ChunkedTableScanner reads a whole table in chunks ordered by physical row address,
// checkpointing after every chunk.
type ChunkedTableScanner struct {
	DB        Database
	ChunkSize int
	// TIDRangeScan is set when the server can efficiently scan `ctid > $1`. Without it
	// tables are read by a single unsplittable scan.
	TIDRangeScan bool
}

// Scan reads the table from the resume position, or from the beginning if resume is
// nil, until it is exhausted. The returned state is the seed's incremental state.
// CtidState checkpoints are emitted after every full chunk, and within a chunk
// whenever the output asks for one. The final short chunk is not checkpointed, as
// the seed's state immediately supersedes it.
func (s *ChunkedTableScanner) Scan(ctx context.Context, table *TableInfo, resume *CtidState, seed *ScanSeed, out StreamOutput) (Outcome, StreamState, error) {
	var logEntry = log.WithField("stream", table.Stream.String())
	var status = ClassifyFilenode(resume, table.Filenode)
	logEntry.WithField("filenode", status).Debug("classified relation filenode")

	var after = ZeroCTID
	var start StreamState // State which a restart of the scan resumes from
	switch status {
	case FilenodeNoChange:
		after, start = resume.Ctid, resume
	case FilenodeChanged:
		logEntry.WithFields(log.Fields{
			"previous": resume.RelationFilenode,
			"current":  *table.Filenode,
		}).Warn("table was rewritten since the scan began, restarting scan from the beginning")
	case NoFilenode, FilenodeNotFound:
		return s.scanFull(ctx, table, nil, seed, out)
	}
	if !s.TIDRangeScan {
		return s.scanFull(ctx, table, start, seed, out)
	}

	var chunkSize = s.ChunkSize
	if chunkSize <= 0 {
		chunkSize = DefaultChunkSize
	}
	var progress = rate.Sometimes{Interval: 30 * time.Second}
	var total int
	for {
		var count int
		var last = after
		var checkpointed bool // The most recent row was checkpointed
		var err = s.DB.ScanChunk(ctx, table, ChunkQuery{After: after, Limit: chunkSize, CursorColumn: seed.CursorColumn()}, func(row *Row) error {
			if row.CTID.Compare(last) <= 0 {
				return fmt.Errorf("chunk row %s does not follow %s", row.CTID, last)
			}
			count++
			last = row.CTID
			if err := seed.Observe(row); err != nil {
				return err
			}
			var due, err = out.Record(ctx, row.Values)
			if err != nil {
				return err
			}
			// Rows arrive in ctid order, so every row at or before this one has been read.
			if checkpointed = due; due {
				return out.Checkpoint(ctx, NewCtidState(table.Stream, *table.Filenode, row.CTID, seed.State()))
			}
			return nil
		})
		if err != nil {
			return OutcomeContinue, nil, fmt.Errorf("error scanning %q after %s: %w", table.Stream.String(), after, err)
		}
		total += count
		logEntry.WithFields(log.Fields{"after": after.String(), "rows": count}).Debug("chunk query complete")
		progress.Do(func() {
			logEntry.WithFields(log.Fields{"rows": total, "position": last.String()}).Info("ctid scan in progress")
		})
		if count < chunkSize {
			logEntry.WithField("rows", total).Info("ctid scan complete")
			return OutcomeExhausted, seed.State(), nil
		}
		after = last
		if checkpointed {
			continue
		}
		if err := out.Checkpoint(ctx, NewCtidState(table.Stream, *table.Filenode, after, seed.State())); err != nil {
			return OutcomeContinue, nil, err
		}
	}
}

// scanFull reads a table which cannot be split into chunks in a single scan. A
// partially complete scan can't be resumed, so its checkpoints repeat the state
// which the scan started from.
func (s *ChunkedTableScanner) scanFull(ctx context.Context, table *TableInfo, start StreamState, seed *ScanSeed, out StreamOutput) (Outcome, StreamState, error) {
	var logEntry = log.WithField("stream", table.Stream.String())
	logEntry.Info("table cannot be scanned in chunks, reading it in a single scan")

	var total int
	var progress = rate.Sometimes{Interval: 30 * time.Second}
	var err = s.DB.ScanFull(ctx, table, seed.CursorColumn(), func(row *Row) error {
		total++
		if err := seed.Observe(row); err != nil {
			return err
		}
		progress.Do(func() { logEntry.WithField("rows", total).Info("full scan in progress") })
		var due, err = out.Record(ctx, row.Values)
		if err != nil {
			return err
		} else if due {
			return out.Checkpoint(ctx, start)
		}
		return nil
	})
	if err != nil {
		return OutcomeContinue, nil, fmt.Errorf("error scanning %q: %w", table.Stream.String(), err)
	}
	logEntry.WithField("rows", total).Info("full scan complete")
	return OutcomeExhausted, seed.State(), nil
}
