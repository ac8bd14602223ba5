package sqlcapture

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// XminIncrementalReader reads the rows of a table written by transactions at or after
// the xmin of the previous sync, in transaction ID order.
//
// The state emitted for the next sync never exceeds the snapshot xmin captured when
// the pass began, which is the oldest transaction still in progress at that time, so
// that rows committed concurrently with the pass are read again next time. Deleted rows
// are never observed.
type XminIncrementalReader struct {
	DB Database
}

// Read performs one incremental pass over the table. It returns OutcomeInvalidate if
// the resume state can't be used safely, because the transaction ID counter has moved
// so far that 32-bit transaction IDs can no longer be compared against the resume
// state, or because there is no resume state and the server can't report its snapshot
// xmin. In the latter case the table is resynchronized once, and later passes
// continue from the newest row xmin observed instead of the snapshot xmin.
func (r *XminIncrementalReader) Read(ctx context.Context, table *TableInfo, resume *XminState, out StreamOutput) (Outcome, StreamState, error) {
	var logEntry = log.WithField("stream", table.Stream.String())

	var clamped = true
	var snapshot, err = r.DB.SnapshotXmin(ctx)
	if errors.Is(err, ErrXminUnavailable) {
		if resume == nil {
			logEntry.WithField("err", err).Warn("unable to determine snapshot xmin, the table will be resynchronized in full")
			return OutcomeInvalidate, nil, nil
		}
		logEntry.WithField("err", err).Warn("unable to determine snapshot xmin, continuing from the newest row xmin of the previous sync")
		clamped = false
	} else if err != nil {
		return OutcomeContinue, nil, fmt.Errorf("error querying snapshot xmin: %w", err)
	}

	var previous uint64
	var reference = snapshot // Raw XID which row XIDs are extended against
	var query = XminQuery{Reference: RawToXID(snapshot)}
	if resume != nil {
		previous = resume.XminRawValue
		if clamped && xidWrapped(previous, snapshot) {
			logEntry.WithFields(log.Fields{
				"previous": previous,
				"snapshot": snapshot,
			}).Warn("transaction IDs wrapped around since the previous sync, the table will be resynchronized in full")
			return OutcomeInvalidate, nil, nil
		}
		var threshold = RawToXID(previous)
		query.Threshold = &threshold
		query.Reference = threshold
		if !clamped {
			reference = previous
		}
	}
	logEntry.WithFields(log.Fields{"previous": previous, "snapshot": snapshot, "clamped": clamped}).Info("starting xmin incremental read")

	// The checkpoint for a partially complete pass is the xmin of the most recent row,
	// since rows are visited in xmin order, clamped to the snapshot xmin.
	var checkpoint = func(lastRaw uint64) StreamState {
		if clamped {
			lastRaw = min(lastRaw, snapshot)
		}
		return NewXminState(table.Stream, forwardXmin(previous, lastRaw))
	}

	var lastRaw = previous
	var total int
	var progress = rate.Sometimes{Interval: 30 * time.Second}
	err = r.DB.ScanXmin(ctx, table, query, func(row *Row) error {
		lastRaw = XIDToRaw(row.Xmin, reference)
		total++
		progress.Do(func() { logEntry.WithField("rows", total).Info("xmin incremental read in progress") })
		var due, err = out.Record(ctx, row.Values)
		if err != nil {
			return err
		} else if due {
			return out.Checkpoint(ctx, checkpoint(lastRaw))
		}
		return nil
	})
	if err != nil {
		return OutcomeContinue, nil, fmt.Errorf("error reading %q by xmin: %w", table.Stream.String(), err)
	}
	logEntry.WithField("rows", total).Info("xmin incremental read complete")

	var next = snapshot
	if !clamped {
		// Rows up to the newest xmin read have all been delivered.
		next = previous
		if total > 0 {
			next = lastRaw + 1
		}
	}
	return OutcomeExhausted, NewXminState(table.Stream, forwardXmin(previous, next)), nil
}

// forwardXmin returns the next xmin state, which is never behind the previous one.
func forwardXmin(previous, next uint64) uint64 {
	return max(previous, next)
}
