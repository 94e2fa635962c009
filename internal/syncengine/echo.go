package syncengine

import (
	"encoding/json"
	"sync"
)

// HostValue is the host's view of the document: either absent or a string,
// where the empty string is a real value distinct from absent.
type HostValue struct {
	Value   string
	Present bool
}

func Some(value string) HostValue {
	return HostValue{Value: value, Present: true}
}

func None() HostValue {
	return HostValue{}
}

func (v HostValue) Equal(other HostValue) bool {
	if v.Present != other.Present {
		return false
	}
	return !v.Present || v.Value == other.Value
}

func (v HostValue) MarshalJSON() ([]byte, error) {
	if !v.Present {
		return []byte("null"), nil
	}
	return json.Marshal(v.Value)
}

func (v *HostValue) UnmarshalJSON(data []byte) error {
	if string(data) == "null" {
		*v = None()
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*v = Some(s)
	return nil
}

type EchoState int

const (
	StateUninitialized EchoState = iota
	StateSynced
)

func (s EchoState) String() string {
	switch s {
	case StateSynced:
		return "synced"
	default:
		return "uninitialized"
	}
}

// EchoSuppressor decides whether a host-supplied value should replace the
// editor content. Re-supplying the last applied value is a no-op.
type EchoSuppressor struct {
	mu    sync.Mutex
	state EchoState
	last  HostValue
}

func NewEchoSuppressor() *EchoSuppressor {
	return &EchoSuppressor{}
}

// Initialize consumes the host's initial value once. It returns the content to
// load and whether there is any. Later calls are ignored.
func (s *EchoSuppressor) Initialize(initial HostValue) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateUninitialized {
		return "", false
	}
	s.state = StateSynced
	s.last = initial
	return initial.Value, initial.Present
}

// Apply returns the content to load for candidate, or false when the editor
// should be left alone.
func (s *EchoSuppressor) Apply(candidate HostValue) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !candidate.Present {
		return "", false
	}
	if s.state == StateSynced && s.last.Equal(candidate) {
		return "", false
	}
	s.state = StateSynced
	s.last = candidate
	return candidate.Value, true
}

func (s *EchoSuppressor) State() EchoState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *EchoSuppressor) Last() HostValue {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.last
}
