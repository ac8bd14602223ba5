package sqlcapture

import (
	"context"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

// CursorIncrementalReader reads the rows of a table whose cursor column is greater
// than the cursor of the previous sync, in cursor order.
type CursorIncrementalReader struct {
	DB Database
}

// Read performs one incremental pass over the table. Rows sharing the resumed cursor
// value are read again, and the first CursorRecordCount of them in tiebreak order are
// skipped since they were delivered by the previous sync.
func (r *CursorIncrementalReader) Read(ctx context.Context, table *TableInfo, column string, typ CursorType, resume *StandardState, out StreamOutput) (Outcome, StreamState, error) {
	var logEntry = log.WithFields(log.Fields{"stream": table.Stream.String(), "cursor": column})

	var lower *string
	var count int64
	if resume != nil {
		lower, count = resume.Cursor, resume.CursorRecordCount
	}
	var query = CursorQuery{
		Column:    column,
		Type:      typ,
		Lower:     lower,
		Inclusive: lower != nil && count > 0,
		Tiebreak:  table.PrimaryKey,
	}
	if lower == nil {
		count = 0
	}
	var skip int64
	if query.Inclusive {
		skip = count
	}
	logEntry.WithFields(log.Fields{"lower": lower, "skip": skip}).Info("starting cursor incremental read")

	var latest, atLower = lower, true
	var total int
	var progress = rate.Sometimes{Interval: 30 * time.Second}
	var err = r.DB.ScanCursor(ctx, table, query, func(row *Row) error {
		if row.Cursor != nil && latest != nil {
			var cmp, err = CompareCursors(*row.Cursor, *latest, typ)
			if err != nil {
				return fmt.Errorf("error comparing cursor values: %w", err)
			}
			switch {
			case cmp < 0:
				return fmt.Errorf("cursor value %q of column %q sorts before previous value %q", *row.Cursor, column, *latest)
			case cmp == 0 && atLower && skip > 0:
				skip--
				return nil
			case cmp == 0:
				count++
			default:
				latest, count, atLower = row.Cursor, 1, false
			}
		} else if row.Cursor != nil {
			latest, count, atLower = row.Cursor, 1, false
		}

		total++
		progress.Do(func() { logEntry.WithField("rows", total).Info("cursor incremental read in progress") })
		var due, err = out.Record(ctx, row.Values)
		if err != nil {
			return err
		} else if due {
			return out.Checkpoint(ctx, NewStandardState(table.Stream, column, latest, count))
		}
		return nil
	})
	if err != nil {
		return OutcomeContinue, nil, fmt.Errorf("error reading %q by cursor %q: %w", table.Stream.String(), column, err)
	}
	logEntry.WithFields(log.Fields{"rows": total, "value": latest}).Info("cursor incremental read complete")
	return OutcomeExhausted, NewStandardState(table.Stream, column, latest, count), nil
}
