// Package protocol defines the JSON envelope exchanged over the relay's
// WebSocket connections and the event names it carries.
//
// Every frame is a single JSON object:
//
//	{"event": "draw", "data": {"roomId": "r1", "x": 1, "y": 2}}
//
// Drawing payloads are opaque. The relay reads their roomId and forwards the
// original bytes untouched.
package protocol

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
)

// Inbound and outbound event names.
const (
	EventJoinRoom    = "join-room"
	EventUserJoined  = "user-joined"
	EventDraw        = "draw"
	EventDrawStart   = "draw-start"
	EventDrawEnd     = "draw-end"
	EventDrawShape   = "draw-shape"
	EventClearCanvas = "clear-canvas"
)

// ErrMalformed reports a frame or payload the relay cannot route.
var ErrMalformed = errors.New("malformed payload")

// Envelope is one frame on the wire.
type Envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// DrawPayload is a draw-family payload: the room it targets plus the raw
// object as the sender wrote it.
type DrawPayload struct {
	RoomID string
	Raw    json.RawMessage
}

// IsDrawEvent reports whether event carries a DrawPayload.
func IsDrawEvent(event string) bool {
	switch event {
	case EventDraw, EventDrawStart, EventDrawEnd, EventDrawShape:
		return true
	}
	return false
}

// Decode parses a raw frame into an Envelope. Keys are matched exactly, so
// "Event" or "DATA" do not count as the envelope fields.
func Decode(frame []byte) (Envelope, error) {
	fields, err := object(frame)
	if err != nil {
		return Envelope{}, err
	}

	rawEvent, ok := fields["event"]
	if !ok {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	var event string
	if err := json.Unmarshal(rawEvent, &event); err != nil {
		return Envelope{}, fmt.Errorf("%w: event name must be a string", ErrMalformed)
	}
	if event == "" {
		return Envelope{}, fmt.Errorf("%w: missing event name", ErrMalformed)
	}
	return Envelope{Event: event, Data: fields["data"]}, nil
}

// object decodes data as a JSON object keyed by its exact member names.
func object(data []byte) (map[string]json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrMalformed)
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	return fields, nil
}

// RoomID decodes data as a bare JSON string room identifier, the payload of
// join-room and clear-canvas.
func RoomID(data json.RawMessage) (string, error) {
	if len(data) == 0 {
		return "", fmt.Errorf("%w: missing room id", ErrMalformed)
	}
	var roomID string
	if err := json.Unmarshal(data, &roomID); err != nil {
		return "", fmt.Errorf("%w: room id must be a string", ErrMalformed)
	}
	if roomID == "" {
		return "", fmt.Errorf("%w: empty room id", ErrMalformed)
	}
	return roomID, nil
}

// ParseDraw extracts the roomId of a draw-family payload. Raw keeps the
// payload bytes exactly as received.
func ParseDraw(data json.RawMessage) (DrawPayload, error) {
	fields, err := object(data)
	if err != nil {
		return DrawPayload{}, fmt.Errorf("%w: draw payload must be an object", ErrMalformed)
	}

	rawRoom, ok := fields["roomId"]
	if !ok {
		return DrawPayload{}, fmt.Errorf("%w: missing roomId", ErrMalformed)
	}
	roomID, err := RoomID(rawRoom)
	if err != nil {
		return DrawPayload{}, err
	}
	return DrawPayload{RoomID: roomID, Raw: data}, nil
}

// Encode builds an outbound frame. A nil data produces a frame without a data
// key. data is copied byte for byte, so it must already be valid JSON.
func Encode(event string, data json.RawMessage) ([]byte, error) {
	name, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}

	var buf bytes.Buffer
	buf.Grow(len(name) + len(data) + 20)
	buf.WriteString(`{"event":`)
	buf.Write(name)
	if len(data) > 0 {
		buf.WriteString(`,"data":`)
		buf.Write(data)
	}
	buf.WriteByte('}')
	return buf.Bytes(), nil
}

// EncodeString builds an outbound frame whose data is a JSON string.
func EncodeString(event, value string) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, err
	}
	return Encode(event, data)
}
