package sqlcapture

import (
	"bytes"
	"context"
	"fmt"
	"slices"
	"sync"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
)

// DefaultCheckpointRecords is the number of records after which a reader emits a
// checkpoint when no other threshold is configured.
const DefaultCheckpointRecords = 10000

// CheckpointEmitter decides when the state of a stream is surfaced. A checkpoint is
// due once the configured number of records has been emitted since the previous one,
// and a final checkpoint is due at the end of a reader unless it would exactly repeat
// the previous checkpoint.
type CheckpointEmitter struct {
	threshold   int
	pending     int             // Records emitted since the last checkpoint
	checkpoints int             // Checkpoints emitted so far
	last        json.RawMessage // The most recent checkpoint
}

// NewCheckpointEmitter returns a CheckpointEmitter which checkpoints every `threshold` records.
func NewCheckpointEmitter(threshold int) *CheckpointEmitter {
	if threshold <= 0 {
		threshold = DefaultCheckpointRecords
	}
	return &CheckpointEmitter{threshold: threshold}
}

// Record notes the emission of one record and reports whether a checkpoint is now due.
func (e *CheckpointEmitter) Record() bool {
	e.pending++
	return e.pending >= e.threshold
}

// Checkpointed notes the emission of a checkpoint.
func (e *CheckpointEmitter) Checkpointed(state json.RawMessage) {
	e.pending = 0
	e.checkpoints++
	e.last = state
}

// FinalDue reports whether the final state of a reader still has to be emitted.
func (e *CheckpointEmitter) FinalDue(state json.RawMessage) bool {
	return e.checkpoints == 0 || e.pending > 0 || !bytes.Equal(e.last, state)
}

// Pending returns the number of records emitted since the last checkpoint.
func (e *CheckpointEmitter) Pending() int {
	return e.pending
}

// MessageOutput is the sink of protocol messages. *airbyte.MessageEncoder implements it.
type MessageOutput interface {
	Encode(msg airbyte.Message) error
	Flush() error
}

// emitterBufferSize is the number of messages which may be queued for output.
const emitterBufferSize = 4096

// flushRequest is queued to wait until every preceding message has been written out.
type flushRequest struct {
	done chan struct{}
}

// writtenStates tracks the most recent state message written out for each state
// key, and the keys which had records written out after their latest state. A key
// is a stream name outside CDC mode, and empty for the global state.
type writtenStates struct {
	mu      sync.Mutex
	states  map[string]airbyte.Message
	pending []string // Keys with records written after their latest state, in order
}

// baseline sets the state which a key resumes from until any state of it is written.
func (w *writtenStates) baseline(key string, msg airbyte.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.states == nil {
		w.states = make(map[string]airbyte.Message)
	}
	if _, ok := w.states[key]; !ok {
		w.states[key] = msg
	}
}

func (w *writtenStates) record(key string) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if !slices.Contains(w.pending, key) {
		w.pending = append(w.pending, key)
	}
}

func (w *writtenStates) state(key string, msg airbyte.Message) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.states == nil {
		w.states = make(map[string]airbyte.Message)
	}
	w.states[key] = msg
	w.pending = slices.DeleteFunc(w.pending, func(k string) bool { return k == key })
}

// unconfirmed returns the latest state of every key with records written after it.
func (w *writtenStates) unconfirmed() []airbyte.Message {
	w.mu.Lock()
	defer w.mu.Unlock()
	var msgs []airbyte.Message
	for _, key := range w.pending {
		if msg, ok := w.states[key]; ok {
			msgs = append(msgs, msg)
		}
	}
	return msgs
}

// stateKey returns the key of a record or state message.
func (c *Capture) stateKey(msg airbyte.Message) string {
	if c.Config.Method == ReplicationMethodCDC {
		return ""
	}
	switch {
	case msg.Record != nil:
		return StreamID{Namespace: msg.Record.Namespace, Name: msg.Record.Stream}.String()
	case msg.State != nil && msg.State.Stream != nil:
		var desc = msg.State.Stream.StreamDescriptor
		return StreamID{Namespace: desc.Namespace, Name: desc.Name}.String()
	}
	return ""
}

// emitWrittenStates follows the output of a cancelled sync with the latest written
// state of each stream which had records written after it, so that the output
// ends with a state. It's called after the emitter goroutine has exited.
func (c *Capture) emitWrittenStates() error {
	var msgs = c.written.unconfirmed()
	if len(msgs) == 0 {
		return nil
	}
	log.WithField("states", len(msgs)).Info("sync cancelled, re-emitting the latest written states")
	for _, msg := range msgs {
		if err := c.Output.Encode(msg); err != nil {
			return err
		}
	}
	return c.Output.Flush()
}

// Queue a message to be emitted by the worker goroutine, and at the same
// time check for an error so that message output failures will cleanly
// shut down the overall sync.
func (c *Capture) emit(ctx context.Context, msg airbyte.Message) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.emitDone:
		return fmt.Errorf("message output failed")
	case c.emitQueue <- msg:
		return nil
	}
}

// flushOutput blocks until every message queued so far has been written and flushed.
func (c *Capture) flushOutput(ctx context.Context) error {
	var req = flushRequest{done: make(chan struct{})}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.emitDone:
		return fmt.Errorf("message output failed")
	case c.emitQueue <- req:
	}
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-c.emitDone:
		return fmt.Errorf("message output failed")
	case <-req.done:
		return nil
	}
}

// emitWorker writes queued messages until the queue is closed. The output is
// flushed after every state message, so that a state is never held in a buffer
// behind the records which precede it. Messages still queued when the context is
// cancelled are discarded.
func (c *Capture) emitWorker(ctx context.Context) error {
	defer close(c.emitDone)
	for {
		select {
		case <-ctx.Done():
			return fmt.Errorf("emitter context cancelled: %w", ctx.Err())
		case item, ok := <-c.emitQueue:
			if !ok {
				return c.Output.Flush()
			}
			if err := ctx.Err(); err != nil {
				return fmt.Errorf("emitter context cancelled: %w", err)
			}
			switch item := item.(type) {
			case airbyte.Message:
				if err := c.Output.Encode(item); err != nil {
					return err
				}
				if item.Type == airbyte.MessageTypeRecord {
					c.written.record(c.stateKey(item))
				}
				if item.Type == airbyte.MessageTypeState {
					c.written.state(c.stateKey(item), item)
					if log.IsLevelEnabled(log.TraceLevel) {
						var bs, _ = json.Marshal(item.State)
						log.WithField("state", string(bs)).Trace("emitted state update")
					}
					if err := c.Output.Flush(); err != nil {
						return fmt.Errorf("error flushing state update: %w", err)
					}
				}
			case flushRequest:
				if err := c.Output.Flush(); err != nil {
					return err
				}
				close(item.done)
			default:
				return fmt.Errorf("invalid message to emit: %#v", item)
			}
		}
	}
}
