package sqlcapture

import (
	"context"
	"errors"
	"fmt"
	"time"

	log "github.com/sirupsen/logrus"
)

// DefaultInitialWait is the longest a replication pass waits without reaching its
// target position.
const DefaultInitialWait = 5 * time.Minute

// ChangeSink receives the output of a replication pass.
type ChangeSink interface {
	// Change emits one change of a captured stream.
	Change(ctx context.Context, event *ChangeEvent) error
	// Commit records that all changes up to lsn have been emitted. It reports whether
	// a state checkpoint covering lsn was emitted and durably flushed. A checkpoint is
	// always emitted when final is set.
	Commit(ctx context.Context, lsn uint64, final bool) (bool, error)
}

// ReplicationStreamReader reads committed changes from the replication slot, from the
// previously confirmed position up to a target position captured at the start of the sync.
type ReplicationStreamReader struct {
	DB Database
	// InitialWait bounds how long a pass may take to reach its target position.
	InitialWait time.Duration
	// AcknowledgeWhileReading advances the slot each time a checkpoint is flushed. When
	// unset the slot is only advanced to the resume position at the start of a pass.
	AcknowledgeWhileReading bool
}

// Read streams changes from `resume` until the commit of a transaction at or beyond
// `target`. It returns the position of the last transaction delivered, which is never
// less than the resume position.
func (r *ReplicationStreamReader) Read(ctx context.Context, resume, target uint64, sink ChangeSink) (Outcome, uint64, error) {
	var logEntry = log.WithFields(log.Fields{"resume": resume, "target": target})
	logEntry.Info("starting replication stream")

	var stream, err = r.DB.StartReplication(ctx, resume)
	if err != nil {
		return OutcomeContinue, resume, fmt.Errorf("error starting replication: %w", err)
	}
	defer func() {
		if err := stream.Close(ctx); err != nil {
			log.WithField("err", err).Warn("error closing replication stream")
		}
	}()

	// The resume position was persisted by the previous sync, so every change
	// before it has been delivered.
	if resume > 0 {
		if err := stream.Acknowledge(ctx, resume); err != nil {
			return OutcomeContinue, resume, fmt.Errorf("error acknowledging resume position: %w", err)
		}
	}

	var wait = r.InitialWait
	if wait <= 0 {
		wait = DefaultInitialWait
	}
	var started = time.Now()
	var position = resume
	var inTransaction bool
	var outcome = OutcomeContinue
	var changes int

	// commit advances the position to lsn. The final position of the pass is always
	// checkpointed.
	var commit = func(lsn uint64) error {
		position = lsn
		var flushed, err = sink.Commit(ctx, position, position >= target)
		if err != nil {
			return err
		}
		if flushed && r.AcknowledgeWhileReading {
			if err := stream.Acknowledge(ctx, position); err != nil {
				return fmt.Errorf("error acknowledging position %d: %w", position, err)
			}
		}
		return nil
	}

	err = stream.Stream(ctx, func(event *ChangeEvent) error {
		switch event.Operation {
		case InsertOp, UpdateOp, DeleteOp:
			inTransaction = true
			if event.CommitLSN != 0 && event.CommitLSN < resume {
				return nil // Delivered by a previous sync
			}
			changes++
			if err := sink.Change(ctx, event); err != nil {
				return err
			}
		case CommitOp:
			inTransaction = false
			if event.LSN <= position {
				return nil
			}
			if err := commit(event.LSN); err != nil {
				return err
			}
			if position >= target {
				outcome = OutcomeExhausted
				return ErrStopStreaming
			}
		case ProgressOp:
			// With no transaction in progress every change before the server's
			// position has been delivered, so the position is committed once it
			// reaches the target.
			if !inTransaction && event.LSN >= target {
				logEntry.WithField("server", event.LSN).Debug("server position reached target with no transaction in progress")
				if event.LSN > position {
					if err := commit(event.LSN); err != nil {
						return err
					}
				}
				outcome = OutcomeExhausted
				return ErrStopStreaming
			}
		default:
			return fmt.Errorf("unexpected change operation %q", event.Operation)
		}
		if time.Since(started) > wait {
			logEntry.WithFields(log.Fields{
				"position": position,
				"wait":     wait.String(),
			}).Warn("replication stream did not reach the target position in time, the remaining changes are read by the next sync")
			return ErrStopStreaming
		}
		return nil
	})
	if err != nil && !errors.Is(err, ErrStopStreaming) {
		return OutcomeContinue, position, fmt.Errorf("error streaming changes: %w", err)
	}
	logEntry.WithFields(log.Fields{"position": position, "changes": changes}).Info("replication stream complete")
	return outcome, position, nil
}
