package airbyte

import (
	"encoding/json"
	"fmt"
)

// StateType discriminates the shape of a State message.
type StateType string

const (
	StateTypeStream StateType = "STREAM"
	StateTypeGlobal StateType = "GLOBAL"
	StateTypeLegacy StateType = "LEGACY"
)

type StreamDescriptor struct {
	Name      string `json:"name"`
	Namespace string `json:"namespace,omitempty"`
}

// StreamState is the state of a single stream. A nil StreamState is the
// "no progress to resume from" state.
type StreamState struct {
	StreamDescriptor StreamDescriptor `json:"stream_descriptor"`
	StreamState      json.RawMessage  `json:"stream_state,omitempty"`
}

type GlobalState struct {
	SharedState  json.RawMessage `json:"shared_state,omitempty"`
	StreamStates []StreamState   `json:"stream_states"`
}

type State struct {
	Type   StateType    `json:"type,omitempty"`
	Stream *StreamState `json:"stream,omitempty"`
	Global *GlobalState `json:"global,omitempty"`

	// Data is the legacy whole-connector state. This must be a JSON _Object_ in order
	// to comply with the airbyte specification.
	Data json.RawMessage `json:"data,omitempty"`
}

func (s *State) Validate() error {
	switch s.Type {
	case StateTypeStream:
		if s.Stream == nil {
			return fmt.Errorf("STREAM state is missing 'stream'")
		} else if s.Stream.StreamDescriptor.Name == "" {
			return fmt.Errorf("STREAM state has an empty stream name")
		}
	case StateTypeGlobal:
		if s.Global == nil {
			return fmt.Errorf("GLOBAL state is missing 'global'")
		}
	case StateTypeLegacy, "":
	default:
		return fmt.Errorf("unknown state type %q", s.Type)
	}
	return nil
}

// NewStreamStateMessage wraps a single stream's state in a STATE message.
func NewStreamStateMessage(name, namespace string, state json.RawMessage) Message {
	return Message{
		Type: MessageTypeState,
		State: &State{
			Type: StateTypeStream,
			Stream: &StreamState{
				StreamDescriptor: StreamDescriptor{Name: name, Namespace: namespace},
				StreamState:      state,
			},
		},
	}
}

// NewGlobalStateMessage wraps a shared state and per-stream states in a STATE message.
func NewGlobalStateMessage(shared json.RawMessage, streams []StreamState) Message {
	if streams == nil {
		streams = []StreamState{}
	}
	return Message{
		Type: MessageTypeState,
		State: &State{
			Type:   StateTypeGlobal,
			Global: &GlobalState{SharedState: shared, StreamStates: streams},
		},
	}
}
