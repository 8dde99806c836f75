package protocol

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Frame is a parsed inbound frame. The envelope fields are decoded eagerly;
// the payload stays raw until the handler asks for its typed form.
type Frame struct {
	Type      Type
	MessageID string
	Timestamp int64
	ClientID  string

	raw json.RawMessage
}

type envelope struct {
	Type      Type   `json:"type"`
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
	ClientID  string `json:"clientId"`
}

// Parse validates the envelope of a wire frame. Frames missing any required
// envelope field are rejected.
func Parse(data []byte) (Frame, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Frame{}, fmt.Errorf("decode frame: %w", err)
	}
	if env.Type == "" {
		return Frame{}, ErrMissingType
	}
	if env.MessageID == "" {
		return Frame{}, ErrMissingID
	}
	if env.ClientID == "" {
		return Frame{}, ErrMissingClientID
	}
	raw := make(json.RawMessage, len(data))
	copy(raw, data)
	return Frame{
		Type:      env.Type,
		MessageID: env.MessageID,
		Timestamp: env.Timestamp,
		ClientID:  env.ClientID,
		raw:       raw,
	}, nil
}

// Decode unmarshals the frame payload into v.
func (f Frame) Decode(v any) error {
	if err := json.Unmarshal(f.raw, v); err != nil {
		return fmt.Errorf("decode %s payload: %w", f.Type, err)
	}
	return nil
}

// Raw returns the original wire bytes, for forwarding.
func (f Frame) Raw() []byte {
	return f.raw
}

// Build encodes an outbound frame: the payload's fields are flattened into
// the envelope object, and messageId/timestamp are stamped here.
func Build(t Type, clientID string, payload any) ([]byte, error) {
	fields := make(map[string]any)
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal %s payload: %w", t, err)
		}
		if err := json.Unmarshal(b, &fields); err != nil {
			return nil, fmt.Errorf("flatten %s payload: %w", t, err)
		}
	}
	fields["type"] = t
	fields["messageId"] = uuid.NewString()
	fields["timestamp"] = time.Now().UnixMilli()
	fields["clientId"] = clientID
	return json.Marshal(fields)
}
