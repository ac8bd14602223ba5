package airbyte

import (
	"encoding/json"
	"fmt"
	"slices"
)

type SyncMode string

const (
	SyncModeIncremental SyncMode = "incremental"
	SyncModeFullRefresh SyncMode = "full_refresh"
)

var AllSyncModes = []SyncMode{SyncModeIncremental, SyncModeFullRefresh}

type Stream struct {
	Name                    string          `json:"name"`
	JSONSchema              json.RawMessage `json:"json_schema"`
	SupportedSyncModes      []SyncMode      `json:"supported_sync_modes"`
	SourceDefinedCursor     bool            `json:"source_defined_cursor,omitempty"`
	DefaultCursorField      []string        `json:"default_cursor_field,omitempty"`
	SourceDefinedPrimaryKey [][]string      `json:"source_defined_primary_key,omitempty"`
	Namespace               string          `json:"namespace,omitempty"`
	IsResumable             bool            `json:"is_resumable,omitempty"`
}

func (s *Stream) Validate() error {
	if s.Name == "" {
		return fmt.Errorf("stream must have a name")
	}
	if len(s.SupportedSyncModes) == 0 {
		return fmt.Errorf("stream must have at least one supported_sync_modes")
	}
	return nil
}

type DestinationSyncMode string

const (
	DestinationSyncModeAppend      DestinationSyncMode = "append"
	DestinationSyncModeOverwrite   DestinationSyncMode = "overwrite"
	DestinationSyncModeAppendDedup DestinationSyncMode = "append_dedup"
)

var AllDestinationSyncModes = []DestinationSyncMode{
	DestinationSyncModeAppend,
	DestinationSyncModeOverwrite,
	DestinationSyncModeAppendDedup,
}

type ConfiguredStream struct {
	Stream              Stream              `json:"stream"`
	SyncMode            SyncMode            `json:"sync_mode"`
	DestinationSyncMode DestinationSyncMode `json:"destination_sync_mode"`
	CursorField         []string            `json:"cursor_field,omitempty"`
	PrimaryKey          [][]string          `json:"primary_key,omitempty"`
}

func (c *ConfiguredStream) Validate() error {
	var err = c.Stream.Validate()
	if err != nil {
		return fmt.Errorf("stream invalid: %w", err)
	}
	if !slices.Contains(c.Stream.SupportedSyncModes, c.SyncMode) {
		return fmt.Errorf("unsupported syncMode: %s", c.SyncMode)
	}
	if len(c.CursorField) > 1 {
		return fmt.Errorf("nested cursor fields are not supported: %q", c.CursorField)
	}
	return nil
}

// Cursor returns the configured cursor column, falling back to the stream's default
// cursor field. An empty string means the stream has no cursor.
func (c *ConfiguredStream) Cursor() string {
	if len(c.CursorField) == 1 {
		return c.CursorField[0]
	}
	if len(c.Stream.DefaultCursorField) == 1 {
		return c.Stream.DefaultCursorField[0]
	}
	return ""
}

type Catalog struct {
	Streams []Stream `json:"streams"`
}

// ConfiguredCatalog is the catalog a sync is invoked with. A catalog with no streams
// is valid and describes a reset: the sync reads nothing and only emits state.
type ConfiguredCatalog struct {
	Streams []ConfiguredStream `json:"streams"`
}

func (c *ConfiguredCatalog) Validate() error {
	var seen = make(map[string]bool)
	for i, s := range c.Streams {
		if err := s.Validate(); err != nil {
			return fmt.Errorf("Streams[%d]: %w", i, err)
		}
		var key = s.Stream.Namespace + "." + s.Stream.Name
		if seen[key] {
			return fmt.Errorf("Streams[%d]: duplicate stream %q", i, key)
		}
		seen[key] = true
	}
	return nil
}

type Status string

const (
	StatusSucceeded Status = "SUCCEEDED"
	StatusFailed    Status = "FAILED"
)

type ConnectionStatus struct {
	Status  Status `json:"status"`
	Message string `json:"message"`
}

type Record struct {
	Stream    string          `json:"stream"`
	Data      json.RawMessage `json:"data"`
	EmittedAt int64           `json:"emitted_at"`
	Namespace string          `json:"namespace,omitempty"`
}

type LogLevel string

const (
	LogLevelTrace LogLevel = "TRACE"
	LogLevelDebug LogLevel = "DEBUG"
	LogLevelInfo  LogLevel = "INFO"
	LogLevelWarn  LogLevel = "WARN"
	LogLevelError LogLevel = "ERROR"
	LogLevelFatal LogLevel = "FATAL"
)

type Log struct {
	Level   LogLevel `json:"level"`
	Message string   `json:"message"`
}

type Spec struct {
	DocumentationURL              string                `json:"documentationUrl,omitempty"`
	ChangelogURL                  string                `json:"changelogUrl,omitempty"`
	ConnectionSpecification       json.RawMessage       `json:"connectionSpecification"`
	SupportsIncremental           bool                  `json:"supportsIncremental,omitempty"`
	SupportedDestinationSyncModes []DestinationSyncMode `json:"supported_destination_sync_modes,omitempty"`
}

type MessageType string

const (
	MessageTypeRecord           MessageType = "RECORD"
	MessageTypeState            MessageType = "STATE"
	MessageTypeLog              MessageType = "LOG"
	MessageTypeSpec             MessageType = "SPEC"
	MessageTypeConnectionStatus MessageType = "CONNECTION_STATUS"
	MessageTypeCatalog          MessageType = "CATALOG"
)

type Message struct {
	Type             MessageType       `json:"type"`
	Log              *Log              `json:"log,omitempty"`
	State            *State            `json:"state,omitempty"`
	Record           *Record           `json:"record,omitempty"`
	ConnectionStatus *ConnectionStatus `json:"connectionStatus,omitempty"`
	Spec             *Spec             `json:"spec,omitempty"`
	Catalog          *Catalog          `json:"catalog,omitempty"`
}

func NewLogMessage(level LogLevel, msg string, args ...interface{}) Message {
	return Message{
		Type: MessageTypeLog,
		Log: &Log{
			Level:   level,
			Message: fmt.Sprintf(msg, args...),
		},
	}
}
