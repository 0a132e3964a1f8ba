package client

import (
	"strings"

	"github.com/compendiumnav/navsync/internal/wire"
)

// EventType is the transport-independent event vocabulary.
type EventType string

const (
	EventFullUpdate       EventType = "state:full-update"
	EventPatch            EventType = "state:patch"
	EventNavPosition      EventType = "nav-position"
	EventEnvWind          EventType = "env-wind"
	EventEnvDepth         EventType = "env-depth"
	EventEnvTemperature   EventType = "env-temperature"
	EventAnchorStatus     EventType = "anchor-status"
	EventAnchorPosition   EventType = "anchor-position"
	EventNavigation       EventType = "navigation"
	EventEnvironment      EventType = "environment"
	EventVessel           EventType = "vessel"
	EventAnchor           EventType = "anchor"
	EventAlert            EventType = "alert"
	EventTide             EventType = "tide:update"
	EventWeather          EventType = "weather:update"
	EventStatus           EventType = "status"
	EventRequestFullState EventType = "request-full-state"
	EventCommand          EventType = "command"
	EventError            EventType = "error"
)

// Event is one normalised message. Data is already de-nested.
type Event struct {
	Type    EventType
	BoatID  string
	Data    any
	Status  Status
	Message wire.Message
}

var domainEvents = map[string]EventType{
	wire.TypeNavPosition:    EventNavPosition,
	wire.TypeEnvWind:        EventEnvWind,
	wire.TypeEnvDepth:       EventEnvDepth,
	wire.TypeEnvTemperature: EventEnvTemperature,
	wire.TypeAnchorStatus:   EventAnchorStatus,
	wire.TypeAnchorPosition: EventAnchorPosition,
	wire.TypeNavigation:     EventNavigation,
	wire.TypeEnvironment:    EventEnvironment,
	wire.TypeVessel:         EventVessel,
	wire.TypeAnchor:         EventAnchor,
	wire.TypeAlert:          EventAlert,
	wire.TypeTideUpdate:     EventTide,
	wire.TypeWeatherUpdate:  EventWeather,
}

// normalize maps a decoded frame to an event. ok is false for frames that
// are handled internally or ignored.
func (a *Adapter) normalize(msg wire.Message) (Event, bool) {
	ev := Event{BoatID: msg.BoatID(), Message: msg}

	switch t := msg.Type(); t {
	case wire.TypeFullUpdate:
		ev.Type = EventFullUpdate
		ev.Data = a.payload(msg)
	case wire.TypePatch:
		ev.Type = EventPatch
		ev.Data = a.payload(msg)
	case wire.TypeRequestFullState, wire.TypeGetFullState:
		ev.Type = EventRequestFullState
	case wire.TypeError:
		ev.Type = EventError
		ev.Data = msg.Data()
	default:
		if et, ok := domainEvents[t]; ok {
			ev.Type = et
			ev.Data = wire.Unwrap(msg)
			return ev, true
		}
		if strings.HasPrefix(t, "anchor:") || strings.HasPrefix(t, "alert:") {
			ev.Type = EventCommand
			return ev, true
		}
		return ev, false
	}
	return ev, true
}

// payload returns the state payload. Relay frames may carry the boat's
// envelope one level down.
func (a *Adapter) payload(msg wire.Message) any {
	if a.opts.Variant != VariantRelay {
		return msg.Data()
	}
	if inner, ok := msg.Data().(map[string]any); ok {
		if t, _ := inner["type"].(string); t == msg.Type() {
			return inner["data"]
		}
	}
	return msg.Data()
}
