package sqlcapture

import (
	"context"

	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// Outcome is how a reader's pass over a stream ended.
type Outcome int

const (
	// OutcomeContinue means the reader stopped at a per-sync boundary and has more to
	// read in a later sync with the same strategy.
	OutcomeContinue Outcome = iota
	// OutcomeExhausted means the reader ran out of rows to read.
	OutcomeExhausted
	// OutcomeInvalidate means the reader's resume state can no longer be used safely
	// and the stream must be synced from scratch.
	OutcomeInvalidate
)

func (o Outcome) String() string {
	switch o {
	case OutcomeContinue:
		return "Continue"
	case OutcomeExhausted:
		return "Exhausted"
	case OutcomeInvalidate:
		return "Invalidate"
	}
	return "Unknown"
}

// StreamOutput receives the records and checkpoints of a single stream's reader.
type StreamOutput interface {
	// Record emits one row of the stream and reports whether a checkpoint is now due.
	Record(ctx context.Context, values *orderedmap.OrderedMap[string, any]) (bool, error)
	// Checkpoint emits the state of the stream.
	Checkpoint(ctx context.Context, state StreamState) error
}
