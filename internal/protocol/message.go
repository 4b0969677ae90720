package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/bytedance/sonic"
)

// Type is the "type" discriminator of a wire message.
type Type string

const (
	TypeRequest  Type = "request"
	TypeResponse Type = "response"
	TypeError    Type = "error"
	TypeUpdate   Type = "update"
)

// ErrMalformed is returned for frames that are not protocol messages.
var ErrMalformed = errors.New("malformed message")

// api is the codec shared by encoder and decoder. ConfigStd keeps
// encoding/json semantics (sorted map keys, HTML escaping).
var api = sonic.ConfigStd

// Message is one frame on the wire in either direction.
type Message struct {
	Type      Type            `json:"type"`
	Action    string          `json:"action,omitempty"`
	Data      json.RawMessage `json:"data,omitempty"`
	RequestID string          `json:"requestId,omitempty"`
	Error     *ErrorPayload   `json:"error,omitempty"`

	// Some backends report errors at the top level instead of under "error".
	Code    string `json:"code,omitempty"`
	Message string `json:"message,omitempty"`
}

// ErrorPayload is the backend-supplied description of a failed request.
type ErrorPayload struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// IsError reports whether the message rejects a request.
func (m Message) IsError() bool {
	return m.Type == TypeError
}

// ErrorDetail returns the error code and message, preferring the nested
// "error" object over top-level fields.
func (m Message) ErrorDetail() ErrorPayload {
	if m.Error != nil && (m.Error.Code != "" || m.Error.Message != "") {
		return *m.Error
	}
	return ErrorPayload{Code: m.Code, Message: m.Message}
}

// NewRequest builds a request frame. A nil payload is sent as an empty
// object so that backends can always index into "data".
func NewRequest(action, requestID string, payload any) (Message, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s payload: %w", action, err)
	}
	return Message{
		Type:      TypeRequest,
		Action:    action,
		Data:      data,
		RequestID: requestID,
	}, nil
}

// NewResponse builds a successful response frame.
func NewResponse(action, requestID string, payload any) (Message, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode %s response: %w", action, err)
	}
	return Message{
		Type:      TypeResponse,
		Action:    action,
		Data:      data,
		RequestID: requestID,
	}, nil
}

// NewError builds an error frame for the given request.
func NewError(action, requestID, code, message string) Message {
	return Message{
		Type:      TypeError,
		Action:    action,
		RequestID: requestID,
		Error:     &ErrorPayload{Code: code, Message: message},
	}
}

// NewUpdate builds an unsolicited push frame.
func NewUpdate(action string, payload any) (Message, error) {
	data, err := encodePayload(payload)
	if err != nil {
		return Message{}, fmt.Errorf("encode update: %w", err)
	}
	return Message{Type: TypeUpdate, Action: action, Data: data}, nil
}

func encodePayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		if len(p) == 0 {
			return json.RawMessage("{}"), nil
		}
		return p, nil
	}
	return api.Marshal(payload)
}

// Encode serializes a message for the wire.
func Encode(m Message) ([]byte, error) {
	return api.Marshal(m)
}

// Decode parses a frame. Frames that are not JSON objects or that carry no
// "type" are reported as ErrMalformed.
func Decode(frame []byte) (Message, error) {
	var m Message
	if err := api.Unmarshal(frame, &m); err != nil {
		return Message{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if m.Type == "" {
		return Message{}, fmt.Errorf("%w: missing type", ErrMalformed)
	}
	return m, nil
}

// DecodeData unmarshals a message payload into v.
func DecodeData(data json.RawMessage, v any) error {
	if len(data) == 0 {
		return nil
	}
	return api.Unmarshal(data, v)
}

// EntityID is a station identifier. Backends send it either as a JSON
// number or a JSON string; both decode to the same textual form.
type EntityID string

// UnmarshalJSON implements json.Unmarshaler.
func (e *EntityID) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*e = ""
		return nil
	}
	if len(b) > 0 && b[0] == '"' {
		s, err := strconv.Unquote(string(b))
		if err != nil {
			return err
		}
		*e = EntityID(s)
		return nil
	}
	if _, err := strconv.ParseFloat(string(b), 64); err != nil {
		return fmt.Errorf("entity id %s: not a string or number", b)
	}
	*e = EntityID(b)
	return nil
}

// Int returns the id as an integer when it is numeric.
func (e EntityID) Int() (int64, bool) {
	n, err := strconv.ParseInt(string(e), 10, 64)
	return n, err == nil
}

func (e EntityID) String() string { return string(e) }

// UpdateEvent is one push notification describing mutations of an entity.
type UpdateEvent struct {
	Action     string                     `json:"action,omitempty"`
	StationID  EntityID                   `json:"stationId,omitempty"`
	Fields     map[string]json.RawMessage `json:"updates,omitempty"`
	Timestamp  time.Time                  `json:"timestamp"`
	ReceivedAt time.Time                  `json:"-"`
	Raw        json.RawMessage            `json:"-"`
}

type updateData struct {
	StationID EntityID                   `json:"stationId"`
	Updates   map[string]json.RawMessage `json:"updates"`
	Changes   map[string]json.RawMessage `json:"changes"`
	Timestamp string                     `json:"timestamp"`
}

// ParseUpdate builds an UpdateEvent from an update frame. Station payloads
// may name the changed fields "updates" or "changes". Payloads of any other
// shape are kept in Raw with no fields.
func ParseUpdate(m Message, received time.Time) UpdateEvent {
	ev := UpdateEvent{
		Action:     m.Action,
		Timestamp:  received,
		ReceivedAt: received,
		Raw:        m.Data,
	}

	var d updateData
	if err := DecodeData(m.Data, &d); err != nil {
		return ev
	}
	ev.StationID = d.StationID
	ev.Fields = d.Updates
	if ev.Fields == nil {
		ev.Fields = d.Changes
	}
	if d.Timestamp != "" {
		if ts, err := time.Parse(time.RFC3339Nano, d.Timestamp); err == nil {
			ev.Timestamp = ts
		}
	}
	return ev
}

// Field decodes one changed field into v and reports whether it was present.
func (u UpdateEvent) Field(name string, v any) (bool, error) {
	raw, ok := u.Fields[name]
	if !ok {
		return false, nil
	}
	return true, api.Unmarshal(raw, v)
}
