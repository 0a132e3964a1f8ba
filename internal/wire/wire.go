// Package wire defines the JSON envelopes exchanged between the boat server,
// the relay and clients.
package wire

import (
	"errors"
	"fmt"
	"time"
	"unicode/utf8"

	json "github.com/goccy/go-json"
	"github.com/gorilla/websocket"

	"github.com/compendiumnav/navsync/internal/patch"
	"github.com/compendiumnav/navsync/internal/state"
)

// Message types sharing the socket.
const (
	TypeFullUpdate       = "state:full-update"
	TypePatch            = "state:patch"
	TypeIdentity         = "identity"
	TypeRegister         = "register"
	TypeRegisterKey      = "register-key"
	TypePing             = "ping"
	TypePong             = "pong"
	TypeRequestFullState = "request-full-state"
	TypeGetFullState     = "get-full-state"
	TypeTideUpdate       = "tide:update"
	TypeWeatherUpdate    = "weather:update"
	TypeNavigation       = "navigation"
	TypeAnchor           = "anchor"
	TypeVessel           = "vessel"
	TypeAlert            = "alert"
	TypeEnvironment      = "environment"
	TypeEnvWind          = "env-wind"
	TypeEnvDepth         = "env-depth"
	TypeEnvTemperature   = "env-temperature"
	TypeAnchorPosition   = "anchor-position"
	TypeAnchorStatus     = "anchor-status"
	TypeNavPosition      = "nav-position"
	TypeError            = "error"
	TypeAck              = "ack"
)

// ErrMalformed marks a frame that is not a JSON object after at most one
// extra level of string decoding.
var ErrMalformed = errors.New("malformed message")

// Message is a decoded envelope.
type Message map[string]any

func (m Message) str(key string) string {
	s, _ := m[key].(string)
	return s
}

func (m Message) Type() string   { return m.str("type") }
func (m Message) BoatID() string { return m.str("boatId") }
func (m Message) MsgID() string  { return m.str("msgId") }
func (m Message) Data() any      { return m["data"] }

// String returns a string field, or "" when absent or not a string.
func (m Message) String(key string) string { return m.str(key) }

// Timestamp returns the millisecond timestamp, or 0.
func (m Message) Timestamp() int64 {
	switch v := m["timestamp"].(type) {
	case float64:
		return int64(v)
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

// Clone returns a shallow copy; nested values are shared.
func (m Message) Clone() Message {
	out := make(Message, len(m)+2)
	for k, v := range m {
		out[k] = v
	}
	return out
}

// NowMillis is the envelope timestamp clock.
func NowMillis() int64 { return time.Now().UnixMilli() }

// Decode parses a frame. Binary frames are treated as UTF-8 text. A JSON
// string holding a JSON object is unwrapped once; anything deeper, or any
// non-object, is ErrMalformed.
func Decode(frameType int, payload []byte) (Message, error) {
	if frameType == websocket.BinaryMessage && !utf8.Valid(payload) {
		return nil, fmt.Errorf("%w: binary frame is not utf-8", ErrMalformed)
	}

	var v any
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if s, ok := v.(string); ok {
		if err := json.Unmarshal([]byte(s), &v); err != nil {
			return nil, fmt.Errorf("%w: inner string: %v", ErrMalformed, err)
		}
	}
	m, ok := v.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: got %T", ErrMalformed, v)
	}
	return Message(m), nil
}

// Encode serialises msg, filling boatId and timestamp when absent. msg is
// not modified.
func Encode(msg Message, boatID string) ([]byte, error) {
	out := msg
	if (msg.BoatID() == "" && boatID != "") || msg["timestamp"] == nil {
		out = msg.Clone()
		if out.BoatID() == "" && boatID != "" {
			out["boatId"] = boatID
		}
		if out["timestamp"] == nil {
			out["timestamp"] = NowMillis()
		}
	}
	raw, err := json.Marshal(map[string]any(out))
	if err != nil {
		return nil, fmt.Errorf("encode %s: %w", msg.Type(), err)
	}
	return raw, nil
}

// New builds a typed message with a timestamp.
func New(msgType string, data any) Message {
	m := Message{"type": msgType, "timestamp": NowMillis()}
	if data != nil {
		m["data"] = data
	}
	return m
}

// NewFullUpdate wraps a snapshot.
func NewFullUpdate(doc state.Document, boatID string) Message {
	return Message{
		"type":      TypeFullUpdate,
		"data":      map[string]any(doc),
		"timestamp": NowMillis(),
		"boatId":    boatID,
	}
}

// NewPatch wraps a diff.
func NewPatch(ops []patch.Operation, boatID string) Message {
	return Message{
		"type":      TypePatch,
		"data":      patch.ToJSON(ops),
		"timestamp": NowMillis(),
		"boatId":    boatID,
	}
}

// NewCommand flattens a client command: {type: action, service, ...data, timestamp}.
func NewCommand(service, action string, data map[string]any) Message {
	m := make(Message, len(data)+3)
	for k, v := range data {
		m[k] = v
	}
	m["type"] = action
	m["service"] = service
	m["timestamp"] = NowMillis()
	return m
}

// Wrap is the relay's store-and-forward envelope around a boat message.
func Wrap(msg Message, boatID string) Message {
	return Message{
		"type":      msg.Type(),
		"boatId":    boatID,
		"timestamp": NowMillis(),
		"data":      map[string]any(msg),
	}
}

// Unwrap returns the payload of msg with store-and-forward nesting peeled:
// {data: {type, data: X}} and {data: {data: X}} both yield X.
func Unwrap(msg Message) any {
	d := msg.Data()
	for i := 0; i < 2; i++ {
		inner, ok := d.(map[string]any)
		if !ok {
			return d
		}
		next, has := inner["data"]
		if !has {
			return d
		}
		_, typed := inner["type"]
		if !typed && len(inner) != 1 {
			return d
		}
		d = next
	}
	return d
}
