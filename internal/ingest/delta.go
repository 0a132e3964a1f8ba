// Package ingest feeds the state manager from a SignalK server's delta
// stream.
package ingest

import (
	"fmt"

	json "github.com/goccy/go-json"

	"github.com/compendiumnav/navsync/internal/state"
)

// Delta is a SignalK delta or hello frame.
type Delta struct {
	Context string   `json:"context"`
	Updates []Update `json:"updates"`

	// hello frame fields
	Self    string `json:"self"`
	Version string `json:"version"`
}

type Update struct {
	Source    *Source     `json:"source"`
	SourceRef string      `json:"$source"`
	Timestamp string      `json:"timestamp"`
	Values    []PathValue `json:"values"`
}

type Source struct {
	Label string `json:"label"`
	Type  string `json:"type"`
}

type PathValue struct {
	Path  string `json:"path"`
	Value any    `json:"value"`
}

// ParseDelta decodes one frame.
func ParseDelta(payload []byte) (*Delta, error) {
	var d Delta
	if err := json.Unmarshal(payload, &d); err != nil {
		return nil, fmt.Errorf("parse delta: %w", err)
	}
	return &d, nil
}

// IsHello reports whether d is the server greeting.
func (d *Delta) IsHello() bool { return d.Self != "" && len(d.Updates) == 0 }

// Records maps every value of d. Unmapped paths are counted, not returned.
func (d *Delta) Records() (records []state.UpdateRecord, unmapped int) {
	for _, u := range d.Updates {
		source := u.SourceRef
		if source == "" && u.Source != nil {
			source = u.Source.Label
		}
		if source == "" {
			source = "signalk"
		}
		for _, v := range u.Values {
			// An empty path carries top-level vessel fields (name, mmsi).
			if v.Path == "" {
				if obj, ok := v.Value.(map[string]any); ok {
					for k, val := range obj {
						if rec, ok := Record(k, val, source); ok {
							records = append(records, rec)
						} else {
							unmapped++
						}
					}
				}
				continue
			}
			rec, ok := Record(v.Path, v.Value, source)
			if !ok {
				unmapped++
				continue
			}
			records = append(records, rec)
		}
	}
	return records, unmapped
}
