package client

import (
	"context"
	"errors"

	"github.com/looplab/fsm"
)

// Status is the connection state surfaced to the UI layer.
type Status string

const (
	StatusDisconnected Status = "disconnected"
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusReconnecting Status = "reconnecting"
	StatusError        Status = "error"
)

// FSM events.
const (
	evConnect  = "connect"
	evOpen     = "open"
	evDrop     = "drop"
	evSchedule = "schedule"
	evExhaust  = "exhaust"
	evClose    = "close"
)

func newMachine(onEnter func(Status)) *fsm.FSM {
	return fsm.NewFSM(
		string(StatusDisconnected),
		fsm.Events{
			{Name: evConnect, Src: []string{string(StatusDisconnected), string(StatusReconnecting), string(StatusError)}, Dst: string(StatusConnecting)},
			{Name: evOpen, Src: []string{string(StatusConnecting)}, Dst: string(StatusConnected)},
			{Name: evDrop, Src: []string{string(StatusConnecting), string(StatusConnected)}, Dst: string(StatusDisconnected)},
			{Name: evSchedule, Src: []string{string(StatusDisconnected)}, Dst: string(StatusReconnecting)},
			{Name: evExhaust, Src: []string{string(StatusDisconnected)}, Dst: string(StatusError)},
			{Name: evClose, Src: []string{string(StatusConnecting), string(StatusConnected), string(StatusReconnecting), string(StatusError)}, Dst: string(StatusDisconnected)},
		},
		fsm.Callbacks{
			"enter_state": func(_ context.Context, e *fsm.Event) {
				onEnter(Status(e.Dst))
			},
		},
	)
}

// fire runs an FSM event. A transition that is not allowed from the current
// state is reported as false; same-state transitions are not errors.
func (a *Adapter) fire(event string) bool {
	err := a.machine.Event(context.Background(), event)
	if err == nil {
		return true
	}
	var noTransition fsm.NoTransitionError
	if errors.As(err, &noTransition) {
		return true
	}
	a.log.Debugf("Ignoring %s in state %s: %v", event, a.machine.Current(), err)
	return false
}
