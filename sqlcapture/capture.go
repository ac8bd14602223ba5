package sqlcapture

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/estuary/pgextract/go-types/airbyte"
	cerrors "github.com/estuary/pgextract/go/connector-errors"
	"github.com/google/uuid"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
	orderedmap "github.com/wk8/go-ordered-map/v2"
	"golang.org/x/sync/errgroup"
)

// Capture encapsulates the generic process of reading the streams of a configured
// catalog from a database, resuming from the state of a previous sync and emitting
// records and state checkpoints.
type Capture struct {
	Catalog  *airbyte.ConfiguredCatalog // The catalog of streams to read
	State    *CaptureState              // State of the previous sync, if any
	Database Database                   // The database-specific interface which is operated by the generic Capture logic
	Output   MessageOutput              // The sink of records and state messages
	Config   Config

	bindings []*binding
	byStream map[StreamID]*binding
	server   *ServerInfo
	metrics  *captureMetrics
	started  time.Time

	cdc        *CDCState          // Shared replication state, in CDC mode
	cdcEmitter *CheckpointEmitter // Checkpoint policy of the replication stream
	cdcDue     bool               // A checkpoint is due at the next commit
	targetLSN  uint64             // Replication position the sync reads up to

	emitQueue chan any      // A buffered channel containing messages to be serialized and emitted
	emitDone  chan struct{} // Closed when the emitter goroutine exits
	written   writtenStates // States and records written out by the emitter goroutine
}

// binding is a stream of the catalog together with its sync progress.
type binding struct {
	capture    *Capture
	id         StreamID
	stream     *airbyte.ConfiguredStream
	table      *TableInfo
	cursor     string // Configured cursor column, if any
	cursorType CursorType
	facts      StreamFacts
	phase      Phase
	state      StreamState // The most recent durable state of the stream
	emitter    *CheckpointEmitter
}

// Run is the top level entry point of the sync process.
func (c *Capture) Run(ctx context.Context) (err error) {
	var logEntry = log.WithFields(log.Fields{
		"run":     uuid.NewString(),
		"method":  c.Config.Method,
		"streams": len(c.Catalog.Streams),
	})
	logEntry.Info("starting sync")

	if c.State == nil {
		if c.State, err = DecodeCaptureState(nil); err != nil {
			return err
		}
	}
	c.metrics = newCaptureMetrics()
	c.started = time.Now()

	// Start up the 'message emitter' goroutine and allocate associated channels.
	c.emitQueue = make(chan any, emitterBufferSize)
	c.emitDone = make(chan struct{})
	var group, groupCtx = errgroup.WithContext(ctx)
	group.Go(func() error { return c.emitWorker(groupCtx) })
	defer func() {
		close(c.emitQueue)
		if emitErr := group.Wait(); err == nil && emitErr != nil {
			err = fmt.Errorf("error emitting messages: %w", emitErr)
		}
		if ctx.Err() != nil {
			if stateErr := c.emitWrittenStates(); stateErr != nil {
				logEntry.WithField("err", stateErr).Error("error emitting states of cancelled sync")
			}
		}
		c.metrics.logSummary()
		logEntry.WithField("elapsed", time.Since(c.started).String()).Info("sync finished")
	}()

	if len(c.Catalog.Streams) == 0 {
		logEntry.Info("catalog has no streams, emitting empty state")
		return c.emitEmptyState(groupCtx)
	}
	if err := c.prepare(groupCtx); err != nil {
		return err
	}
	if c.Config.Method == ReplicationMethodCDC {
		return c.runCDC(groupCtx)
	}
	return c.runStreams(groupCtx)
}

// prepare describes every stream's table and validates the configuration of the sync
// against them. Any failure is a setup error and is reported before anything is read.
func (c *Capture) prepare(ctx context.Context) error {
	var server, err = c.Database.ServerInfo(ctx)
	if err != nil {
		return fmt.Errorf("error querying server information: %w", err)
	}
	c.server = server
	log.WithFields(log.Fields{
		"version":      server.MajorVersion,
		"tidRangeScan": server.TIDRangeScan,
	}).Debug("queried server information")

	if c.Config.Method == ReplicationMethodCDC {
		c.cdc = c.State.CDC
		if c.cdc == nil {
			c.cdc = &CDCState{Version: CDCStateVersion}
		}
		c.cdcEmitter = NewCheckpointEmitter(c.Config.CheckpointRecords)
	}

	var errs = new(cerrors.PrereqErr)
	c.byStream = make(map[StreamID]*binding)
	for idx := range c.Catalog.Streams {
		var stream = &c.Catalog.Streams[idx]
		var id = StreamID{Namespace: stream.Stream.Namespace, Name: stream.Stream.Name}
		var table, err = c.Database.DescribeTable(ctx, id)
		if err != nil {
			errs.Err(cerrors.NewUserError(err, fmt.Sprintf("unable to read metadata of table %q: %v", id.String(), err)))
			continue
		}

		var b = &binding{
			capture: c,
			id:      id,
			stream:  stream,
			table:   table,
			emitter: NewCheckpointEmitter(c.Config.CheckpointRecords),
			facts: StreamFacts{
				Incremental:   stream.SyncMode == airbyte.SyncModeIncremental,
				HasPrimaryKey: len(table.PrimaryKey) > 0,
				Snapshotted:   c.cdc.CompletedSnapshot(id),
			},
		}
		if b.facts.Incremental && c.Config.Method == ReplicationMethodStandard {
			if cursor := stream.Cursor(); cursor != "" {
				var typ, err = resolveCursor(table, cursor)
				if err != nil {
					errs.Err(err)
					continue
				}
				b.cursor, b.cursorType, b.facts.HasCursor = cursor, typ, true
			}
		}
		c.bindings = append(c.bindings, b)
		c.byStream[id] = b
	}

	if c.Config.Method == ReplicationMethodCDC {
		var tables []*TableInfo
		for _, b := range c.bindings {
			if b.facts.Incremental {
				tables = append(tables, b.table)
			}
		}
		if len(tables) > 0 {
			if err := c.Database.SetupPrerequisites(ctx, tables); err != nil {
				var prereqs *cerrors.PrereqErr
				if errors.As(err, &prereqs) {
					for _, err := range prereqs.Unwrap() {
						errs.Err(err)
					}
				} else {
					errs.Err(err)
				}
			}
		}
	}
	if errs.Len() > 0 {
		return errs
	}

	if c.Config.Method == ReplicationMethodCDC {
		if c.targetLSN, err = c.Database.CurrentLSN(ctx); err != nil {
			return fmt.Errorf("error querying current WAL position: %w", err)
		}
		log.WithFields(log.Fields{"resume": c.cdc.LSN, "target": c.targetLSN}).Info("replication positions")
	}
	for _, b := range c.bindings {
		c.selectPhase(b)
	}
	return c.baselineStates()
}

// baselineStates records the states which the streams resume from, as the states
// which a cancelled sync ends with if no newer state was written.
func (c *Capture) baselineStates() error {
	if c.Config.Method == ReplicationMethodCDC {
		var msg, err = c.globalState()
		if err != nil {
			return err
		}
		c.written.baseline("", msg)
		return nil
	}
	for _, b := range c.bindings {
		var encoded, err = EncodeStreamState(b.state)
		if err != nil {
			return err
		}
		c.written.baseline(b.id.String(), airbyte.NewStreamStateMessage(b.id.Name, b.id.Namespace, encoded))
	}
	return nil
}

// resolveCursor checks that a column can be used as the cursor of a table.
func resolveCursor(table *TableInfo, column string) (CursorType, error) {
	var info, ok = table.Column(column)
	if !ok {
		return "", cerrors.NewUserError(nil, fmt.Sprintf("cursor column %q does not exist in table %q", column, table.Stream.String()))
	}
	if info.CursorType == "" {
		return "", cerrors.NewUserError(nil, fmt.Sprintf("column %q of table %q has type %q, which cannot be used as a cursor", column, table.Stream.String(), info.DataType))
	}
	return info.CursorType, nil
}

// selectPhase decides the phase a stream starts the sync in, from its persisted
// state and the configuration.
func (c *Capture) selectPhase(b *binding) {
	var logEntry = log.WithField("stream", b.id.String())
	if err, ok := c.State.Invalid[b.id]; ok {
		logEntry.WithField("err", err).Warn("discarding incompatible stream state, the stream will be synced from scratch")
	}

	var state = c.State.Streams[b.id]
	if std, ok := state.(*StandardState); ok && b.facts.Incremental {
		if b.cursor != "" && !cursorMatches(std, b.cursor) {
			logEntry.WithFields(log.Fields{
				"previous": std.CursorField,
				"current":  b.cursor,
			}).Warn("cursor field changed, the stream will be synced from scratch")
			state = nil
		} else if _, _, err := b.standardCursor(std); err != nil {
			logEntry.WithField("err", err).Warn("cursor of persisted state is no longer usable, the stream will be synced from scratch")
			state = nil
		}
	}

	if state != nil {
		b.phase = ResumePhase(c.Config, b.facts, state)
	} else {
		b.phase = InitialPhase(c.Config, b.facts)
	}
	switch b.phase {
	case PhaseCtid, PhaseStandard, PhaseXmin:
		b.state = state
	}
	logEntry.WithFields(log.Fields{
		"phase":  b.phase,
		"target": TargetPhase(c.Config, b.facts),
		"resume": state != nil,
	}).Info("selected sync strategy")
}

func cursorMatches(state *StandardState, column string) bool {
	return len(state.CursorField) == 1 && state.CursorField[0] == column
}

// standardCursor returns the cursor column which a cursor-based pass reads by: the
// configured cursor, or the cursor of the persisted state when none is configured.
func (b *binding) standardCursor(resume *StandardState) (string, CursorType, error) {
	var column = b.cursor
	if column == "" && resume != nil && len(resume.CursorField) == 1 {
		column = resume.CursorField[0]
	}
	if column == "" {
		return "", "", cerrors.NewUserError(nil, fmt.Sprintf("stream %q has no cursor", b.id.String()))
	}
	var typ, err = resolveCursor(b.table, column)
	return column, typ, err
}

// runStreams syncs each stream in turn. A failure of one stream doesn't prevent the
// others from being synced.
func (c *Capture) runStreams(ctx context.Context) error {
	var errs []error
	for _, b := range c.bindings {
		if err := c.syncStream(ctx, b); err != nil {
			if ctx.Err() != nil {
				return err
			}
			errs = append(errs, c.streamFailed(ctx, b, err))
		}
	}
	return errors.Join(errs...)
}

// streamFailed reports the failure of a stream and re-emits its most recent durable
// state, so that records emitted since then aren't followed by a newer state.
func (c *Capture) streamFailed(ctx context.Context, b *binding, err error) error {
	log.WithFields(log.Fields{
		"stream": b.id.String(),
		"phase":  b.phase,
		"err":    err,
	}).Error("stream sync failed")
	if emitErr := c.emitStreamState(ctx, b); emitErr != nil {
		return errors.Join(err, emitErr)
	}
	return fmt.Errorf("stream %q: %w", b.id.String(), err)
}

// runCDC snapshots the streams which need it, then reads the replication stream.
func (c *Capture) runCDC(ctx context.Context) error {
	var errs []error
	var snapshotFailed bool
	var streaming int
	for _, b := range c.bindings {
		if b.phase != PhaseCDC {
			if err := c.syncStream(ctx, b); err != nil {
				if ctx.Err() != nil {
					return err
				}
				errs = append(errs, c.streamFailed(ctx, b, err))
				snapshotFailed = snapshotFailed || b.facts.Incremental
			}
		}
		if b.phase == PhaseCDC {
			streaming++
		}
	}

	if snapshotFailed {
		log.Warn("not reading the replication stream because a stream snapshot failed")
		return errors.Join(errs...)
	} else if streaming == 0 {
		if err := c.emitFinalGlobalState(ctx); err != nil {
			return err
		}
		return errors.Join(errs...)
	}

	var reader = &ReplicationStreamReader{
		DB:                      c.Database,
		InitialWait:             c.Config.InitialWait,
		AcknowledgeWhileReading: c.Config.AcknowledgeWhileReading,
	}
	var outcome, lsn, err = reader.Read(ctx, c.cdc.LSN, c.targetLSN, &changeSink{c})
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		errs = append(errs, err)
	}
	if lsn > c.cdc.LSN {
		c.cdc.LSN = lsn
	}
	log.WithFields(log.Fields{"outcome": outcome, "lsn": c.cdc.LSN}).Info("replication read complete")
	if err := c.emitFinalGlobalState(ctx); err != nil {
		return err
	}
	return errors.Join(errs...)
}

// syncStream runs the readers of a stream's table until it's complete for this sync.
func (c *Capture) syncStream(ctx context.Context, b *binding) error {
	var target = TargetPhase(c.Config, b.facts)
	for b.phase != PhaseDone && b.phase != PhaseCDC {
		switch b.phase {
		case PhaseCtid:
			var resume, _ = b.state.(*CtidState)
			var seed, err = c.scanSeed(ctx, b, target, resume)
			if err != nil {
				return err
			}
			var scanner = &ChunkedTableScanner{
				DB:           c.Database,
				ChunkSize:    c.Config.ChunkSize,
				TIDRangeScan: c.server.TIDRangeScan,
			}
			_, state, err := scanner.Scan(ctx, b.table, resume, seed, b)
			if err != nil {
				return err
			}
			if err := c.complete(ctx, b, target, state, nil); err != nil {
				return err
			}
		case PhaseStandard:
			var resume, _ = b.state.(*StandardState)
			var column, typ, err = b.standardCursor(resume)
			if err != nil {
				return err
			}
			handoff, err := c.handoffSeed(ctx, b, target)
			if err != nil {
				return err
			}
			var reader = &CursorIncrementalReader{DB: c.Database}
			_, state, err := reader.Read(ctx, b.table, column, typ, resume, b)
			if err != nil {
				return err
			}
			if err := c.complete(ctx, b, target, state, handoff); err != nil {
				return err
			}
		case PhaseXmin:
			var resume, _ = b.state.(*XminState)
			var handoff, err = c.handoffSeed(ctx, b, target)
			if err != nil {
				return err
			}
			var reader = &XminIncrementalReader{DB: c.Database}
			outcome, state, err := reader.Read(ctx, b.table, resume, b)
			if err != nil {
				return err
			}
			if outcome == OutcomeInvalidate {
				// Progress of the previous state is discarded and the table is
				// read again in full, continuing with fresh xmin state afterwards.
				log.WithField("stream", b.id.String()).Warn("discarding xmin state and resynchronizing the table")
				b.state, b.phase = nil, PhaseCtid
				continue
			}
			if err := c.complete(ctx, b, target, state, handoff); err != nil {
				return err
			}
		default:
			return fmt.Errorf("stream %q in unexpected phase %q", b.id.String(), b.phase)
		}
	}
	return nil
}

// scanSeed returns the seed of a table scan which hands off to the target phase.
func (c *Capture) scanSeed(ctx context.Context, b *binding, target Phase, resume *CtidState) (*ScanSeed, error) {
	if resume != nil && resume.IncrementalState != nil {
		switch state := resume.IncrementalState.(type) {
		case *StandardState:
			if target == PhaseStandard && cursorMatches(state, b.cursor) {
				return ResumeSeed(b.id, state, b.cursorType), nil
			}
		case *XminState:
			if target == PhaseXmin {
				return ResumeSeed(b.id, state, ""), nil
			}
		}
	}
	return c.newSeed(ctx, b, target)
}

// handoffSeed captures the seed of the target phase before an incremental pass of a
// different strategy begins, so that the target strategy picks up from where that
// pass started.
func (c *Capture) handoffSeed(ctx context.Context, b *binding, target Phase) (*ScanSeed, error) {
	if target == b.phase {
		return nil, nil
	}
	return c.newSeed(ctx, b, target)
}

func (c *Capture) newSeed(ctx context.Context, b *binding, target Phase) (*ScanSeed, error) {
	switch target {
	case PhaseStandard:
		var upper, err = c.Database.QueryCursorMax(ctx, b.table, b.cursor, b.cursorType)
		if err != nil {
			return nil, fmt.Errorf("error querying upper bound of cursor %q: %w", b.cursor, err)
		}
		return NewCursorSeed(b.id, b.cursor, b.cursorType, upper), nil
	case PhaseXmin:
		var raw, err = c.Database.SnapshotXmin(ctx)
		if errors.Is(err, ErrXminUnavailable) {
			return NewDerivedXminSeed(b.id), nil
		} else if err != nil {
			return nil, fmt.Errorf("error querying snapshot xmin: %w", err)
		}
		return NewXminSeed(b.id, raw), nil
	}
	return nil, nil
}

// complete moves a stream whose reader ran out of rows to its target phase and emits
// the state it continues from.
func (c *Capture) complete(ctx context.Context, b *binding, target Phase, state StreamState, handoff *ScanSeed) error {
	var next StreamState
	switch target {
	case PhaseDone:
		next = nil
	case PhaseCDC:
		c.cdc.Streams = append(c.cdc.Streams, StreamRef{Name: b.id.Name, Namespace: b.id.Namespace})
		next = nil
	case PhaseStandard:
		if std, ok := state.(*StandardState); ok && cursorMatches(std, b.cursor) {
			next = std
		} else {
			next = handoff.State()
		}
	case PhaseXmin:
		if _, ok := state.(*XminState); ok {
			next = state
		} else {
			next = handoff.State()
		}
	}

	var logEntry = log.WithFields(log.Fields{"stream": b.id.String(), "from": b.phase, "to": target})
	var phase = PhaseDone
	if target == PhaseCDC {
		phase = PhaseCDC
	}

	encoded, err := EncodeStreamState(next)
	if err != nil {
		return err
	}
	if target != PhaseCDC && !b.emitter.FinalDue(encoded) {
		logEntry.Debug("final state is unchanged since the last checkpoint")
		b.state, b.phase = next, phase
		return nil
	}
	logEntry.Info("stream complete for this sync")
	// The final checkpoint is accounted to the strategy which produced it.
	if err := b.Checkpoint(ctx, next); err != nil {
		return err
	}
	b.phase = phase
	return nil
}

// Record implements StreamOutput.
func (b *binding) Record(ctx context.Context, values *orderedmap.OrderedMap[string, any]) (bool, error) {
	var c = b.capture
	if c.Config.Method == ReplicationMethodCDC && b.facts.Incremental {
		values.Set(cdcLSNColumn, c.targetLSN)
		values.Set(cdcUpdatedAtColumn, c.started.UTC().Format(time.RFC3339Nano))
		values.Set(cdcDeletedAtColumn, nil)
	}
	if err := c.emitRecord(ctx, b, values); err != nil {
		return false, err
	}
	return b.emitter.Record(), nil
}

// Checkpoint implements StreamOutput.
func (b *binding) Checkpoint(ctx context.Context, state StreamState) error {
	b.state = state
	return b.capture.emitStreamState(ctx, b)
}

// Metadata columns of CDC records.
const (
	cdcLSNColumn       = "_ab_cdc_lsn"
	cdcUpdatedAtColumn = "_ab_cdc_updated_at"
	cdcDeletedAtColumn = "_ab_cdc_deleted_at"
)

// changeSink delivers the output of the replication stream.
type changeSink struct {
	c *Capture
}

func (s *changeSink) Change(ctx context.Context, event *ChangeEvent) error {
	var c = s.c
	var b, ok = c.byStream[event.Stream]
	if !ok || b.phase != PhaseCDC {
		log.WithField("stream", event.Stream.String()).Trace("ignoring change of uncaptured stream")
		return nil
	}
	var doc = event.Row()
	if doc == nil {
		return fmt.Errorf("change event %s has no row image", event.String())
	}
	var committed = event.CommitTime.UTC().Format(time.RFC3339Nano)
	doc.Set(cdcLSNColumn, event.LSN)
	doc.Set(cdcUpdatedAtColumn, committed)
	if event.Operation == DeleteOp {
		doc.Set(cdcDeletedAtColumn, committed)
	} else {
		doc.Set(cdcDeletedAtColumn, nil)
	}
	if err := c.emitRecord(ctx, b, doc); err != nil {
		return err
	}
	if c.cdcEmitter.Record() {
		c.cdcDue = true
	}
	return nil
}

func (s *changeSink) Commit(ctx context.Context, lsn uint64, final bool) (bool, error) {
	var c = s.c
	if lsn > c.cdc.LSN {
		c.cdc.LSN = lsn
		c.metrics.lsn.Set(float64(lsn))
	}
	if !final && !c.cdcDue {
		return false, nil
	}
	c.cdcDue = false
	if err := c.emitGlobalState(ctx); err != nil {
		return false, err
	}
	if err := c.flushOutput(ctx); err != nil {
		return false, err
	}
	return true, nil
}

func (c *Capture) emitRecord(ctx context.Context, b *binding, values *orderedmap.OrderedMap[string, any]) error {
	var bs, err = json.Marshal(values)
	if err != nil {
		return fmt.Errorf("error serializing record of stream %q: %w", b.id.String(), err)
	}
	c.metrics.record(b.id, b.phase)
	return c.emit(ctx, airbyte.Message{
		Type: airbyte.MessageTypeRecord,
		Record: &airbyte.Record{
			Stream:    b.id.Name,
			Namespace: b.id.Namespace,
			Data:      bs,
			EmittedAt: time.Now().UnixMilli(),
		},
	})
}

// emitStreamState emits the state of a stream. In CDC mode this is the whole
// global state.
func (c *Capture) emitStreamState(ctx context.Context, b *binding) error {
	var encoded, err = EncodeStreamState(b.state)
	if err != nil {
		return err
	}
	b.emitter.Checkpointed(encoded)
	c.metrics.checkpoint(b.id, b.phase)
	if c.Config.Method == ReplicationMethodCDC {
		return c.emitGlobalState(ctx)
	}
	return c.emit(ctx, airbyte.NewStreamStateMessage(b.id.Name, b.id.Namespace, encoded))
}

func (c *Capture) globalState() (airbyte.Message, error) {
	var shared, err = json.Marshal(c.cdc)
	if err != nil {
		return airbyte.Message{}, fmt.Errorf("error serializing cdc state: %w", err)
	}
	var streams []airbyte.StreamState
	for _, b := range c.bindings {
		var encoded, err = EncodeStreamState(b.state)
		if err != nil {
			return airbyte.Message{}, err
		}
		streams = append(streams, airbyte.StreamState{
			StreamDescriptor: airbyte.StreamDescriptor{Name: b.id.Name, Namespace: b.id.Namespace},
			StreamState:      encoded,
		})
	}
	return airbyte.NewGlobalStateMessage(shared, streams), nil
}

func (c *Capture) emitGlobalState(ctx context.Context) error {
	var msg, err = c.globalState()
	if err != nil {
		return err
	}
	bs, err := json.Marshal(msg.State)
	if err != nil {
		return err
	}
	c.cdcEmitter.Checkpointed(bs)
	return c.emit(ctx, msg)
}

// emitFinalGlobalState emits the global state unless it would repeat the most recent one.
func (c *Capture) emitFinalGlobalState(ctx context.Context) error {
	var msg, err = c.globalState()
	if err != nil {
		return err
	}
	bs, err := json.Marshal(msg.State)
	if err != nil {
		return err
	}
	if !c.cdcEmitter.FinalDue(bs) {
		return nil
	}
	c.cdcEmitter.Checkpointed(bs)
	return c.emit(ctx, msg)
}

// emitEmptyState emits the state of a sync which intentionally reads nothing.
func (c *Capture) emitEmptyState(ctx context.Context) error {
	if c.Config.Method == ReplicationMethodCDC {
		return c.emit(ctx, airbyte.NewGlobalStateMessage(nil, nil))
	}
	return c.emit(ctx, airbyte.Message{
		Type:  airbyte.MessageTypeState,
		State: &airbyte.State{Type: airbyte.StateTypeLegacy, Data: json.RawMessage(`{}`)},
	})
}
