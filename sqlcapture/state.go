package sqlcapture

import (
	"bytes"
	"errors"
	"fmt"
	"reflect"

	"github.com/estuary/pgextract/go-types/airbyte"
	"github.com/mitchellh/mapstructure"
	"github.com/segmentio/encoding/json"
	log "github.com/sirupsen/logrus"
	"github.com/tidwall/gjson"
)

// StateType is the `state_type` discriminator of a persisted state document.
type StateType string

const (
	StateTypeStandard StateType = "cursor_based"
	StateTypeCtid     StateType = "ctid"
	StateTypeXmin     StateType = "xmin"
	StateTypeCDC      StateType = "cdc"

	// stateTypeStandardAlias is accepted when decoding as a synonym of StateTypeStandard.
	stateTypeStandardAlias StateType = "standard"
)

// Newest versions of each state document which this connector understands. These are
// also the versions written.
const (
	StandardStateVersion = 2
	CtidStateVersion     = 2
	XminStateVersion     = 1
	CDCStateVersion      = 1
)

// ErrUnsupportedStateVersion is returned when decoding a state document of an unknown
// type, or of a version newer than this connector supports.
var ErrUnsupportedStateVersion = errors.New("unsupported state version")

// StreamState is the resume point of a single stream. It's one of *StandardState,
// *CtidState, or *XminState.
type StreamState interface {
	StateType() StateType
	isStreamState()
}

// StandardState is the resume point of a cursor-based incremental stream. Rows with
// a cursor greater than Cursor have not been read, and exactly CursorRecordCount rows
// with a cursor equal to it have been.
type StandardState struct {
	Version           int      `json:"version" mapstructure:"version"`
	StreamName        string   `json:"stream_name" mapstructure:"stream_name"`
	StreamNamespace   string   `json:"stream_namespace" mapstructure:"stream_namespace"`
	CursorField       []string `json:"cursor_field" mapstructure:"cursor_field"`
	Cursor            *string  `json:"cursor" mapstructure:"cursor"`
	CursorRecordCount int64    `json:"cursor_record_count" mapstructure:"cursor_record_count"`
}

// CtidState is the resume point of a physical-order table scan.
type CtidState struct {
	Version          int    `json:"version" mapstructure:"version"`
	StreamName       string `json:"stream_name" mapstructure:"stream_name"`
	StreamNamespace  string `json:"stream_namespace" mapstructure:"stream_namespace"`
	RelationFilenode int64  `json:"relation_filenode" mapstructure:"relation_filenode"`
	Ctid             CTID   `json:"ctid" mapstructure:"ctid"`

	// IncrementalState is the state which the stream continues from once the scan
	// completes, captured when the scan began. It's nil for full-refresh streams.
	IncrementalState StreamState `json:"incremental_state,omitempty" mapstructure:"-"`
}

// XminState is the resume point of a transaction ID incremental stream. Rows whose
// inserting transaction precedes XminRawValue have already been read.
type XminState struct {
	Version         int    `json:"version" mapstructure:"version"`
	StreamName      string `json:"stream_name" mapstructure:"stream_name"`
	StreamNamespace string `json:"stream_namespace" mapstructure:"stream_namespace"`
	XminRawValue    uint64 `json:"xmin_raw_value" mapstructure:"xmin_raw_value"`
	XminXidValue    uint32 `json:"xmin_xid_value" mapstructure:"xmin_xid_value"`
	NumWraparound   uint64 `json:"num_wraparound" mapstructure:"num_wraparound"`
}

// StreamRef names a stream inside the shared CDC state.
type StreamRef struct {
	Name      string `json:"stream_name" mapstructure:"stream_name"`
	Namespace string `json:"stream_namespace" mapstructure:"stream_namespace"`
}

// CDCState is the connection-wide replication state.
type CDCState struct {
	Version int    `json:"version" mapstructure:"version"`
	LSN     uint64 `json:"lsn" mapstructure:"lsn"`
	// Streams lists the streams whose initial snapshot has completed, and which are
	// read solely from the replication stream.
	Streams []StreamRef `json:"streams" mapstructure:"streams"`
}

func (*StandardState) StateType() StateType { return StateTypeStandard }
func (*CtidState) StateType() StateType     { return StateTypeCtid }
func (*XminState) StateType() StateType     { return StateTypeXmin }

func (*StandardState) isStreamState() {}
func (*CtidState) isStreamState()     {}
func (*XminState) isStreamState()     {}

// NewStandardState builds a StandardState for a stream at the given cursor.
func NewStandardState(stream StreamID, column string, cursor *string, count int64) *StandardState {
	return &StandardState{
		Version:           StandardStateVersion,
		StreamName:        stream.Name,
		StreamNamespace:   stream.Namespace,
		CursorField:       []string{column},
		Cursor:            cursor,
		CursorRecordCount: count,
	}
}

// NewCtidState builds a CtidState for a stream positioned after the given address.
func NewCtidState(stream StreamID, filenode int64, after CTID, incremental StreamState) *CtidState {
	return &CtidState{
		Version:          CtidStateVersion,
		StreamName:       stream.Name,
		StreamNamespace:  stream.Namespace,
		RelationFilenode: filenode,
		Ctid:             after,
		IncrementalState: incremental,
	}
}

// NewXminState builds an XminState from an epoch-extended transaction ID.
func NewXminState(stream StreamID, raw uint64) *XminState {
	return &XminState{
		Version:         XminStateVersion,
		StreamName:      stream.Name,
		StreamNamespace: stream.Namespace,
		XminRawValue:    raw,
		XminXidValue:    RawToXID(raw),
		NumWraparound:   raw >> 32,
	}
}

func (s StandardState) MarshalJSON() ([]byte, error) {
	type alias StandardState
	return json.Marshal(struct {
		StateType StateType `json:"state_type"`
		alias
	}{StateTypeStandard, alias(s)})
}

func (s CtidState) MarshalJSON() ([]byte, error) {
	type alias CtidState
	return json.Marshal(struct {
		StateType StateType `json:"state_type"`
		alias
	}{StateTypeCtid, alias(s)})
}

func (s XminState) MarshalJSON() ([]byte, error) {
	type alias XminState
	return json.Marshal(struct {
		StateType StateType `json:"state_type"`
		alias
	}{StateTypeXmin, alias(s)})
}

func (s CDCState) MarshalJSON() ([]byte, error) {
	type alias CDCState
	if s.Streams == nil {
		s.Streams = []StreamRef{}
	}
	return json.Marshal(struct {
		StateType StateType `json:"state_type"`
		alias
	}{StateTypeCDC, alias(s)})
}

// EncodeStreamState serializes a stream state. A nil state encodes as nil.
func EncodeStreamState(state StreamState) (json.RawMessage, error) {
	if state == nil || reflect.ValueOf(state).IsNil() {
		return nil, nil
	}
	var bs, err = json.Marshal(state)
	if err != nil {
		return nil, fmt.Errorf("error serializing %s state: %w", state.StateType(), err)
	}
	return bs, nil
}

// DecodeStreamState parses a persisted stream state. Empty and null documents decode
// as a nil state, and documents without a `state_type` decode as a StandardState of
// version 1.
func DecodeStreamState(raw json.RawMessage) (StreamState, error) {
	if isNullJSON(raw) {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid stream state JSON")
	}
	var doc = gjson.ParseBytes(raw)
	if !doc.IsObject() {
		return nil, fmt.Errorf("stream state must be an object, got %s", doc.Type)
	}
	var stateType = doc.Get("state_type")
	var version = int(doc.Get("version").Int())

	if !stateType.Exists() {
		var state = new(StandardState)
		if err := weakDecode(raw, state); err != nil {
			return nil, fmt.Errorf("error decoding legacy cursor state: %w", err)
		}
		state.Version = 1
		return state, nil
	}

	switch t := StateType(stateType.String()); t {
	case StateTypeStandard, stateTypeStandardAlias:
		if version > StandardStateVersion {
			return nil, fmt.Errorf("%s state version %d: %w", t, version, ErrUnsupportedStateVersion)
		}
		var state = new(StandardState)
		if err := weakDecode(raw, state); err != nil {
			return nil, fmt.Errorf("error decoding cursor state: %w", err)
		}
		return state, nil
	case StateTypeCtid:
		if version > CtidStateVersion {
			return nil, fmt.Errorf("%s state version %d: %w", t, version, ErrUnsupportedStateVersion)
		}
		var state = new(CtidState)
		if err := weakDecode(raw, state); err != nil {
			return nil, fmt.Errorf("error decoding ctid state: %w", err)
		}
		if inner := doc.Get("incremental_state"); inner.Exists() && inner.Type != gjson.Null {
			var incremental, err = DecodeStreamState(json.RawMessage(inner.Raw))
			if err != nil {
				return nil, fmt.Errorf("error decoding incremental state of ctid state: %w", err)
			}
			if _, nested := incremental.(*CtidState); nested {
				return nil, fmt.Errorf("ctid state cannot be nested inside a ctid state")
			}
			state.IncrementalState = incremental
		}
		return state, nil
	case StateTypeXmin:
		if version > XminStateVersion {
			return nil, fmt.Errorf("%s state version %d: %w", t, version, ErrUnsupportedStateVersion)
		}
		var state = new(XminState)
		if err := weakDecode(raw, state); err != nil {
			return nil, fmt.Errorf("error decoding xmin state: %w", err)
		}
		return state, nil
	default:
		return nil, fmt.Errorf("state type %q: %w", t, ErrUnsupportedStateVersion)
	}
}

// DecodeCDCState parses the shared state of a GLOBAL state message.
func DecodeCDCState(raw json.RawMessage) (*CDCState, error) {
	if isNullJSON(raw) {
		return nil, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("invalid shared state JSON")
	}
	var doc = gjson.ParseBytes(raw)
	if t := doc.Get("state_type"); t.Exists() && StateType(t.String()) != StateTypeCDC {
		return nil, fmt.Errorf("shared state type %q: %w", t.String(), ErrUnsupportedStateVersion)
	}
	if version := int(doc.Get("version").Int()); version > CDCStateVersion {
		return nil, fmt.Errorf("cdc state version %d: %w", version, ErrUnsupportedStateVersion)
	}
	var state = new(CDCState)
	if err := weakDecode(raw, state); err != nil {
		return nil, fmt.Errorf("error decoding cdc state: %w", err)
	}
	return state, nil
}

func isNullJSON(raw []byte) bool {
	var trimmed = bytes.TrimSpace(raw)
	return len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null"))
}

// weakDecode decodes a JSON object into the target struct, tolerating values which
// older versions wrote with a different JSON type (such as numbers written as strings).
func weakDecode(raw []byte, target any) error {
	var doc map[string]any
	var dec = json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&doc); err != nil {
		return err
	}
	decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       ctidDecodeHook,
		WeaklyTypedInput: true,
		Result:           target,
	})
	if err != nil {
		return err
	}
	return decoder.Decode(doc)
}

var ctidType = reflect.TypeOf(CTID{})

func ctidDecodeHook(from reflect.Type, to reflect.Type, data any) (any, error) {
	if to != ctidType || from.Kind() != reflect.String {
		return data, nil
	}
	return ParseCTID(reflect.ValueOf(data).String())
}

// CaptureState is the resume state of a whole sync, assembled from the state input.
type CaptureState struct {
	// CDC is the shared replication state, if any.
	CDC *CDCState
	// Streams holds the decoded state of each stream which has one. A stream which is
	// present with a nil state was reset.
	Streams map[StreamID]StreamState
	// Invalid holds streams whose persisted state could not be decoded. They
	// restart from scratch.
	Invalid map[StreamID]error
}

// legacyState is the pre-per-stream state document.
type legacyState struct {
	CDC      bool              `json:"cdc"`
	Streams  []json.RawMessage `json:"streams"`
	CDCState json.RawMessage   `json:"cdc_state"`
}

// DecodeCaptureState parses a state input. It accepts an array of STREAM or GLOBAL
// state messages, a single state message, a legacy whole-connector document, or nothing.
func DecodeCaptureState(raw []byte) (*CaptureState, error) {
	var state = &CaptureState{
		Streams: make(map[StreamID]StreamState),
		Invalid: make(map[StreamID]error),
	}
	if isNullJSON(raw) {
		return state, nil
	}
	if !gjson.ValidBytes(raw) {
		return nil, fmt.Errorf("state input is not valid JSON")
	}

	var doc = gjson.ParseBytes(raw)
	var messages []airbyte.State
	switch {
	case doc.IsArray():
		if err := json.Unmarshal(raw, &messages); err != nil {
			return nil, fmt.Errorf("error parsing state messages: %w", err)
		}
	case doc.IsObject() && doc.Get("type").Exists():
		var msg airbyte.State
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, fmt.Errorf("error parsing state message: %w", err)
		}
		messages = append(messages, msg)
	case doc.IsObject():
		if err := state.addLegacy(raw); err != nil {
			return nil, err
		}
		return state, nil
	default:
		return nil, fmt.Errorf("state input must be an array or object, got %s", doc.Type)
	}

	for idx := range messages {
		var msg = &messages[idx]
		if err := msg.Validate(); err != nil {
			return nil, fmt.Errorf("invalid state message %d: %w", idx, err)
		}
		switch msg.Type {
		case airbyte.StateTypeStream:
			state.addStream(msg.Stream)
		case airbyte.StateTypeGlobal:
			var shared, err = DecodeCDCState(msg.Global.SharedState)
			if err != nil {
				log.WithField("err", err).Warn("discarding incompatible shared state, all streams will be snapshotted")
			} else {
				state.CDC = shared
			}
			for i := range msg.Global.StreamStates {
				state.addStream(&msg.Global.StreamStates[i])
			}
		default:
			if !isNullJSON(msg.Data) {
				if err := state.addLegacy(msg.Data); err != nil {
					return nil, err
				}
			}
		}
	}
	return state, nil
}

func (s *CaptureState) addStream(entry *airbyte.StreamState) {
	var id = StreamID{Namespace: entry.StreamDescriptor.Namespace, Name: entry.StreamDescriptor.Name}
	var decoded, err = DecodeStreamState(entry.StreamState)
	if err != nil {
		s.Invalid[id] = err
		return
	}
	s.Streams[id] = decoded
}

func (s *CaptureState) addLegacy(raw []byte) error {
	var legacy legacyState
	if err := json.Unmarshal(raw, &legacy); err != nil {
		return fmt.Errorf("error parsing legacy state: %w", err)
	}
	var completed []StreamRef
	for _, entry := range legacy.Streams {
		var result = gjson.ParseBytes(entry)
		var id = StreamID{
			Namespace: result.Get("stream_namespace").String(),
			Name:      result.Get("stream_name").String(),
		}
		if id.Name == "" {
			return fmt.Errorf("legacy state stream entry is missing stream_name")
		}
		if legacy.CDC {
			completed = append(completed, StreamRef{Name: id.Name, Namespace: id.Namespace})
			continue
		}
		var decoded, err = DecodeStreamState(entry)
		if err != nil {
			s.Invalid[id] = err
			continue
		}
		s.Streams[id] = decoded
	}
	if legacy.CDC {
		// The replication position of a legacy state isn't portable, so streaming
		// resumes from the slot's confirmed position.
		if !isNullJSON(legacy.CDCState) {
			log.Warn("ignoring replication offsets of legacy state, resuming from the slot's confirmed position")
		}
		s.CDC = &CDCState{Version: CDCStateVersion, Streams: completed}
	}
	return nil
}

// CompletedSnapshot reports whether the stream has been snapshotted and is owned by
// the replication stream.
func (s *CDCState) CompletedSnapshot(id StreamID) bool {
	if s == nil {
		return false
	}
	for _, ref := range s.Streams {
		if ref.Name == id.Name && ref.Namespace == id.Namespace {
			return true
		}
	}
	return false
}
