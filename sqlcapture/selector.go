package sqlcapture

import "time"

// Phase is the position of a stream in the sync strategy state machine.
type Phase string

const (
	PhaseNotStarted Phase = "NOT_STARTED"
	PhaseCtid       Phase = "CTID_SCANNING"
	PhaseStandard   Phase = "STANDARD_INCREMENTAL"
	PhaseXmin       Phase = "XMIN_INCREMENTAL"
	PhaseCDC        Phase = "CDC_STREAMING"
	PhaseDone       Phase = "DONE"
)

// ReplicationMethod is the connection-wide sync strategy.
type ReplicationMethod string

const (
	ReplicationMethodStandard ReplicationMethod = "Standard"
	ReplicationMethodCDC      ReplicationMethod = "CDC"
	ReplicationMethodXmin     ReplicationMethod = "Xmin"
)

// Config holds the settings of the sync engine.
type Config struct {
	Method ReplicationMethod
	// CtidBootstrap enables chunked physical-order scans for the initial load of
	// streams which lack a primary key or cursor.
	CtidBootstrap bool
	// CheckpointRecords is the number of records between checkpoints.
	CheckpointRecords int
	// ChunkSize is the number of rows in each chunk of a table scan.
	ChunkSize int
	// InitialWait bounds how long the replication stream is read without reaching
	// its target position.
	InitialWait time.Duration
	// AcknowledgeWhileReading advances the replication slot as checkpoints are emitted.
	AcknowledgeWhileReading bool
}

// StreamFacts are the properties of a stream which sync strategy selection depends on.
type StreamFacts struct {
	Incremental   bool // Configured for incremental sync
	HasPrimaryKey bool
	HasCursor     bool // A cursor column is configured
	// Snapshotted is set when the stream's initial snapshot completed under CDC.
	Snapshotted bool
}

// TargetPhase returns the phase which the configuration selects for a stream once
// any initial table scan is complete.
func TargetPhase(cfg Config, facts StreamFacts) Phase {
	switch {
	case !facts.Incremental:
		return PhaseDone
	case cfg.Method == ReplicationMethodCDC:
		return PhaseCDC
	case cfg.Method == ReplicationMethodStandard && facts.HasCursor:
		return PhaseStandard
	}
	return PhaseXmin
}

// InitialPhase returns the phase a stream without resumable state starts in.
func InitialPhase(cfg Config, facts StreamFacts) Phase {
	var target = TargetPhase(cfg, facts)
	switch target {
	case PhaseDone:
		return PhaseCtid
	case PhaseCDC:
		if facts.Snapshotted {
			return PhaseCDC
		}
		return PhaseCtid
	}
	var lacksKey = !facts.HasPrimaryKey || !facts.HasCursor || target == PhaseXmin
	if cfg.CtidBootstrap && lacksKey {
		return PhaseCtid
	}
	return target
}

// ResumePhase returns the phase a stream continues in given its persisted state. A
// persisted state is honored until its reader completes, whatever the configuration
// would select for the stream from scratch.
func ResumePhase(cfg Config, facts StreamFacts, state StreamState) Phase {
	if cfg.Method == ReplicationMethodCDC && facts.Incremental && facts.Snapshotted {
		return PhaseCDC
	}
	switch state.(type) {
	case *CtidState:
		return PhaseCtid
	case *StandardState:
		if facts.Incremental {
			return PhaseStandard
		}
	case *XminState:
		if facts.Incremental {
			return PhaseXmin
		}
	}
	return InitialPhase(cfg, facts)
}
