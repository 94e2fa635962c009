package hostproto

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/agentworkforce/relaymd/internal/syncengine"
)

const (
	TypeEnvelope = "envelope"
	TypeValue    = "value"
	TypeLayout   = "layout"
	TypeAck      = "ack"
	TypeError    = "error"
)

var ErrInvalidMessage = errors.New("invalid message")

//go:embed envelope.schema.json
var envelopeSchemaJSON []byte

var (
	envelopeSchemaOnce sync.Once
	envelopeSchema     *jsonschema.Schema
	envelopeSchemaErr  error
)

// Message is one frame on the host channel. Type selects which of the other
// fields are meaningful.
type Message struct {
	Type     string                `json:"type"`
	Envelope *syncengine.Envelope  `json:"envelope,omitempty"`
	Value    *syncengine.HostValue `json:"value,omitempty"`
	Height   *int                  `json:"height,omitempty"`
	ID       string                `json:"id,omitempty"`
	Seq      uint64                `json:"seq,omitempty"`
	Revision int64                 `json:"revision,omitempty"`
	Code     string                `json:"code,omitempty"`
	Message  string                `json:"message,omitempty"`
}

// HostValue returns the value carried by a value message. A missing or null
// value is absent.
func (m Message) HostValue() syncengine.HostValue {
	if m.Value == nil {
		return syncengine.None()
	}
	return *m.Value
}

func EnvelopeMessage(env syncengine.Envelope) Message {
	if env.Attachments == nil {
		env.Attachments = []syncengine.PendingAttachment{}
	}
	return Message{Type: TypeEnvelope, Envelope: &env}
}

func ValueMessage(value syncengine.HostValue, revision int64) Message {
	return Message{Type: TypeValue, Value: &value, Revision: revision}
}

func LayoutMessage(height int) Message {
	return Message{Type: TypeLayout, Height: &height}
}

func AckMessage(id string, seq uint64, revision int64) Message {
	return Message{Type: TypeAck, ID: id, Seq: seq, Revision: revision}
}

func ErrorMessage(code, message string) Message {
	return Message{Type: TypeError, Code: code, Message: message}
}

// Decode parses a frame and checks it against its type.
func Decode(raw []byte) (Message, error) {
	var msg Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	switch msg.Type {
	case TypeEnvelope:
		var frame struct {
			Envelope json.RawMessage `json:"envelope"`
		}
		if err := json.Unmarshal(raw, &frame); err != nil {
			return Message{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
		}
		if err := ValidateEnvelope(frame.Envelope); err != nil {
			return Message{}, err
		}
	case TypeLayout:
		if msg.Height == nil || *msg.Height < 0 {
			return Message{}, fmt.Errorf("%w: layout requires a non-negative height", ErrInvalidMessage)
		}
	case TypeValue, TypeAck, TypeError:
	default:
		return Message{}, fmt.Errorf("%w: unknown type %q", ErrInvalidMessage, msg.Type)
	}
	return msg, nil
}

// DecodeEnvelope validates raw against the envelope schema and decodes it.
func DecodeEnvelope(raw []byte) (syncengine.Envelope, error) {
	if err := ValidateEnvelope(raw); err != nil {
		return syncengine.Envelope{}, err
	}
	var env syncengine.Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return syncengine.Envelope{}, fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if env.Attachments == nil {
		env.Attachments = []syncengine.PendingAttachment{}
	}
	return env, nil
}

func ValidateEnvelope(raw []byte) error {
	if len(bytes.TrimSpace(raw)) == 0 {
		return fmt.Errorf("%w: envelope is empty", ErrInvalidMessage)
	}
	schema, err := compiledEnvelopeSchema()
	if err != nil {
		return err
	}
	inst, err := jsonschema.UnmarshalJSON(bytes.NewReader(raw))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	if err := schema.Validate(inst); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidMessage, err)
	}
	return nil
}

func compiledEnvelopeSchema() (*jsonschema.Schema, error) {
	envelopeSchemaOnce.Do(func() {
		doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(envelopeSchemaJSON))
		if err != nil {
			envelopeSchemaErr = fmt.Errorf("parse envelope schema: %w", err)
			return
		}
		c := jsonschema.NewCompiler()
		if err := c.AddResource("envelope.schema.json", doc); err != nil {
			envelopeSchemaErr = fmt.Errorf("add envelope schema: %w", err)
			return
		}
		envelopeSchema, envelopeSchemaErr = c.Compile("envelope.schema.json")
	})
	return envelopeSchema, envelopeSchemaErr
}
