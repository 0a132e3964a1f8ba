package state

// Top-level domains of the vessel document. Anything else is dropped on
// ingest so the schema stays closed.
const (
	DomainNavigation  = "navigation"
	DomainEnvironment = "environment"
	DomainVessel      = "vessel"
	DomainAnchor      = "anchor"
	DomainAlerts      = "alerts"
	DomainBluetooth   = "bluetooth"
	DomainTides       = "tides"
	DomainForecast    = "forecast"
	DomainPosition    = "position"
)

// Domains lists every top-level key the document may hold.
var Domains = []string{
	DomainNavigation,
	DomainEnvironment,
	DomainVessel,
	DomainAnchor,
	DomainAlerts,
	DomainBluetooth,
	DomainTides,
	DomainForecast,
	DomainPosition,
}

// BaseSchema returns a fresh copy of the fixed base document. Nulls mean
// "not yet received".
func BaseSchema() Document {
	return Document{
		DomainNavigation: map[string]any{
			"position": map[string]any{
				"latitude":  nil,
				"longitude": nil,
				"timestamp": nil,
				"source":    nil,
			},
			"course": map[string]any{
				"cog":       nil,
				"heading":   nil,
				"variation": nil,
			},
			"speed": map[string]any{
				"sog": nil,
				"stw": nil,
			},
			"trip": map[string]any{
				"log":       nil,
				"lastReset": nil,
			},
			"depth": map[string]any{
				"belowTransducer": nil,
				"belowKeel":       nil,
				"belowSurface":    nil,
			},
			"wind": map[string]any{
				"speed":     nil,
				"angle":     nil,
				"direction": nil,
			},
		},
		DomainEnvironment: map[string]any{
			"weather": map[string]any{
				"temperature": map[string]any{
					"air":   nil,
					"water": nil,
				},
				"pressure": map[string]any{
					"value": nil,
				},
				"humidity": nil,
			},
		},
		DomainVessel: map[string]any{
			"info": map[string]any{
				"name":     nil,
				"mmsi":     nil,
				"callsign": nil,
				"type":     nil,
				"length":   nil,
				"beam":     nil,
				"draft":    nil,
			},
			"systems": map[string]any{
				"electrical": map[string]any{
					"batteries": nil,
					"sources":   nil,
				},
				"propulsion": map[string]any{
					"engines": nil,
					"fuel":    nil,
				},
				"tanks": map[string]any{
					"freshWater": nil,
					"wasteWater": nil,
					"blackWater": nil,
				},
			},
		},
		DomainAnchor: BaseAnchor(),
		DomainAlerts: map[string]any{
			"active":              []any{},
			"history":             []any{},
			"definitions":         []any{},
			"processingQueue":     []any{},
			"muted":               []any{},
			"deviceSubscriptions": map[string]any{},
		},
	}
}

// BaseAnchor is the anchor subtree of BaseSchema. anchor:reset restores it.
func BaseAnchor() map[string]any {
	return map[string]any{
		"anchorDropLocation": map[string]any{
			"latitude":                    nil,
			"longitude":                   nil,
			"time":                        nil,
			"depth":                       nil,
			"distanceFromCurrentLocation": 0.0,
			"distanceFromDropLocation":    0.0,
			"originalBearing":             0.0,
		},
		"anchorLocation": map[string]any{
			"latitude":                    nil,
			"longitude":                   nil,
			"time":                        nil,
			"depth":                       nil,
			"distanceFromCurrentLocation": 0.0,
			"distanceFromDropLocation":    0.0,
			"originalBearing":             0.0,
			"bearing":                     0.0,
		},
		"aisTargets": []any{},
		"rode": map[string]any{
			"amount": 0.0,
			"units":  "m",
		},
		"dragging":       false,
		"anchorDeployed": false,
		"criticalRange": map[string]any{
			"r":     0.0,
			"units": "m",
		},
		"warningRange": map[string]any{
			"r":     0.0,
			"units": "m",
		},
		"history":      []any{},
		"fences":       []any{},
		"useDeviceGPS": true,
	}
}
