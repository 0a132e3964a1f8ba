package statemanager

import (
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/compendiumnav/navsync/internal/state"
	"github.com/compendiumnav/navsync/internal/wire"
)

// Client commands. Their effect is only observable through later patches.
const (
	CmdAnchorUpdate     = "anchor:update"
	CmdAnchorReset      = "anchor:reset"
	CmdAlertCreate      = "alert:create"
	CmdAlertUpdate      = "alert:update"
	CmdAlertDelete      = "alert:delete"
	CmdAlertAcknowledge = "alert:acknowledge"
	CmdAlertMute        = "alert:mute"
	CmdAlertUnmute      = "alert:unmute"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadCommand     = errors.New("bad command payload")
)

// envelope fields stripped from flattened command payloads
var reservedCommandKeys = map[string]struct{}{
	"type": {}, "service": {}, "timestamp": {}, "boatId": {}, "msgId": {}, "clientId": {},
}

// IsCommand reports whether msgType is handled by HandleCommand.
func IsCommand(msgType string) bool {
	switch msgType {
	case CmdAnchorUpdate, CmdAnchorReset,
		CmdAlertCreate, CmdAlertUpdate, CmdAlertDelete, CmdAlertAcknowledge,
		CmdAlertMute, CmdAlertUnmute:
		return true
	}
	return false
}

// CommandPayload extracts the command body: an explicit data object when
// present, otherwise the flattened fields minus envelope keys.
func CommandPayload(msg wire.Message) map[string]any {
	if d, ok := msg.Data().(map[string]any); ok {
		return d
	}
	out := make(map[string]any, len(msg))
	for k, v := range msg {
		if _, skip := reservedCommandKeys[k]; !skip {
			out[k] = v
		}
	}
	return out
}

// HandleCommand turns a client command into queued changes.
func (m *Manager) HandleCommand(msg wire.Message) error {
	payload := CommandPayload(msg)
	m.log.Debugf("Command %s from %s", msg.Type(), msg.String("clientId"))

	switch msg.Type() {
	case CmdAnchorUpdate:
		if len(payload) == 0 {
			return fmt.Errorf("%w: empty anchor update", ErrBadCommand)
		}
		m.ApplyUpdate(state.UpdateRecord{Path: state.DomainAnchor, Value: payload, Source: "command"})
	case CmdAnchorReset:
		m.ApplyUpdate(state.UpdateRecord{Path: state.DomainAnchor, Value: state.BaseAnchor(), Source: "command", Replace: true})
	case CmdAlertCreate:
		alert := alertBody(payload)
		if _, ok := alert["id"].(string); !ok {
			alert["id"] = uuid.NewString()
		}
		if _, ok := alert["timestamp"]; !ok {
			alert["timestamp"] = wire.NowMillis()
		}
		alert["status"] = "active"
		m.enqueueMutation(func(doc state.Document) error {
			return appendTo(doc, []string{"alerts", "active"}, alert)
		})
	case CmdAlertUpdate:
		alert := alertBody(payload)
		id, ok := alert["id"].(string)
		if !ok {
			return fmt.Errorf("%w: alert id required", ErrBadCommand)
		}
		m.enqueueMutation(func(doc state.Document) error {
			return updateAlert(doc, id, func(a map[string]any) {
				for k, v := range alert {
					a[k] = v
				}
			})
		})
	case CmdAlertDelete:
		id, ok := alertBody(payload)["id"].(string)
		if !ok {
			return fmt.Errorf("%w: alert id required", ErrBadCommand)
		}
		m.enqueueMutation(func(doc state.Document) error {
			_, err := removeAlert(doc, "active", id)
			return err
		})
	case CmdAlertAcknowledge:
		id, ok := alertBody(payload)["id"].(string)
		if !ok {
			return fmt.Errorf("%w: alert id required", ErrBadCommand)
		}
		m.enqueueMutation(func(doc state.Document) error {
			alert, err := removeAlert(doc, "active", id)
			if err != nil {
				return err
			}
			alert["status"] = "acknowledged"
			alert["acknowledged"] = true
			alert["acknowledgedAt"] = wire.NowMillis()
			return appendTo(doc, []string{"alerts", "history"}, alert)
		})
	case CmdAlertMute, CmdAlertUnmute:
		key := muteKey(payload)
		if key == "" {
			return fmt.Errorf("%w: alertType or id required", ErrBadCommand)
		}
		mute := msg.Type() == CmdAlertMute
		m.enqueueMutation(func(doc state.Document) error {
			return setMuted(doc, key, mute)
		})
	default:
		return fmt.Errorf("%w: %s", ErrUnknownCommand, msg.Type())
	}
	return nil
}

func alertBody(payload map[string]any) map[string]any {
	src := payload
	if inner, ok := payload["alert"].(map[string]any); ok {
		src = inner
	}
	out := make(map[string]any, len(src))
	for k, v := range src {
		out[k] = v
	}
	return out
}

func muteKey(payload map[string]any) string {
	for _, k := range []string{"alertType", "type", "id"} {
		if s, ok := payload[k].(string); ok && s != "" {
			return s
		}
	}
	return ""
}

func listAt(doc state.Document, segs []string) []any {
	v, _ := state.Get(doc, segs)
	list, _ := v.([]any)
	return list
}

func appendTo(doc state.Document, segs []string, item any) error {
	list := append(append([]any(nil), listAt(doc, segs)...), item)
	return state.Set(doc, segs, list)
}

func updateAlert(doc state.Document, id string, fn func(map[string]any)) error {
	for _, raw := range listAt(doc, []string{"alerts", "active"}) {
		if a, ok := raw.(map[string]any); ok && a["id"] == id {
			fn(a)
			return nil
		}
	}
	return fmt.Errorf("%w: alert %s", state.ErrPathNotFound, id)
}

func removeAlert(doc state.Document, bucket, id string) (map[string]any, error) {
	segs := []string{"alerts", bucket}
	list := listAt(doc, segs)
	for i, raw := range list {
		if a, ok := raw.(map[string]any); ok && a["id"] == id {
			rest := append(append([]any(nil), list[:i]...), list[i+1:]...)
			return a, state.Set(doc, segs, rest)
		}
	}
	return nil, fmt.Errorf("%w: alert %s", state.ErrPathNotFound, id)
}

func setMuted(doc state.Document, key string, mute bool) error {
	segs := []string{"alerts", "muted"}
	list := listAt(doc, segs)
	out := make([]any, 0, len(list)+1)
	found := false
	for _, v := range list {
		if v == key {
			found = true
			if !mute {
				continue
			}
		}
		out = append(out, v)
	}
	if mute && !found {
		out = append(out, key)
	}
	return state.Set(doc, segs, out)
}
