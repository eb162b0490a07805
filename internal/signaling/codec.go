package signaling

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/bytedance/sonic"
)

var (
	ErrUnknownEvent  = errors.New("unknown signaling event")
	ErrMissingCallID = errors.New("signaling message without callId")
)

// envelope is the frame exchanged over the WebSocket.
type envelope struct {
	Event   Event           `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Encode serializes a message into its wire frame.
func Encode(msg Message) ([]byte, error) {
	payload, err := sonic.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", msg.Event(), err)
	}
	return sonic.Marshal(envelope{Event: msg.Event(), Payload: payload})
}

// Decode parses a wire frame into the concrete message type for its event.
func Decode(data []byte) (Message, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}

	msg := newMessage(env.Event)
	if msg == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", env.Event)
	}
	if err := sonic.Unmarshal(env.Payload, msg); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
	}
	if msg.Head().CallID == "" {
		return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingCallID)
	}
	return msg, nil
}

// Frame is a wire frame decoded only as far as routing needs. The payload is
// kept field by field so the event-specific body is forwarded as received.
type Frame struct {
	Event  Event
	Header Header

	fields map[string]json.RawMessage
}

// DecodeFrame parses the envelope and header of a wire frame without
// interpreting the rest of the payload.
func DecodeFrame(data []byte) (*Frame, error) {
	var env envelope
	if err := sonic.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decoding envelope: %w", err)
	}
	if newMessage(env.Event) == nil {
		return nil, fmt.Errorf("%w: %q", ErrUnknownEvent, env.Event)
	}
	if len(env.Payload) == 0 {
		return nil, fmt.Errorf("%s: empty payload", env.Event)
	}

	f := &Frame{Event: env.Event}
	if err := sonic.Unmarshal(env.Payload, &f.fields); err != nil {
		return nil, fmt.Errorf("decoding %s payload: %w", env.Event, err)
	}
	if err := sonic.Unmarshal(env.Payload, &f.Header); err != nil {
		return nil, fmt.Errorf("decoding %s header: %w", env.Event, err)
	}
	if f.Header.CallID == "" {
		return nil, fmt.Errorf("%s: %w", env.Event, ErrMissingCallID)
	}
	return f, nil
}

// Encode serializes the frame with its current sender. Every other payload
// field is written back verbatim.
func (f *Frame) Encode() ([]byte, error) {
	fields := make(map[string]json.RawMessage, len(f.fields)+1)
	for k, v := range f.fields {
		fields[k] = v
	}
	delete(fields, "from")
	if f.Header.From != "" {
		from, err := sonic.Marshal(f.Header.From)
		if err != nil {
			return nil, fmt.Errorf("encoding %s sender: %w", f.Event, err)
		}
		fields["from"] = from
	}

	payload, err := sonic.Marshal(fields)
	if err != nil {
		return nil, fmt.Errorf("encoding %s payload: %w", f.Event, err)
	}
	return sonic.Marshal(envelope{Event: f.Event, Payload: payload})
}
