package ingest

import (
	"strconv"
	"strings"
	"time"

	"github.com/compendiumnav/navsync/internal/state"
)

// Mapping places one SignalK path in the document. Numeric values of a
// mapping with a Kind become measurement records; Transform, when set,
// shapes the value instead.
type Mapping struct {
	Target    string
	Kind      state.Kind
	Transform func(v any) (any, bool)
}

var defaultMappings = map[string]Mapping{
	"navigation.position": {Target: "navigation.position", Transform: position},

	"navigation.courseOverGroundTrue":             {Target: "navigation.course.cog", Kind: state.KindAngle},
	"navigation.courseRhumbline.bearingTrackTrue": {Target: "navigation.course.cog", Kind: state.KindAngle},
	"navigation.headingMagnetic":                  {Target: "navigation.course.heading.magnetic", Kind: state.KindAngle},
	"navigation.headingTrue":                      {Target: "navigation.course.heading.true", Kind: state.KindAngle},
	"navigation.magneticVariation":                {Target: "navigation.course.variation", Kind: state.KindAngle},
	"navigation.rateOfTurn":                       {Target: "navigation.course.rateOfTurn", Kind: state.KindAngle},

	"navigation.speedOverGround":   {Target: "navigation.speed.sog", Kind: state.KindSpeed},
	"navigation.speedThroughWater": {Target: "navigation.speed.stw", Kind: state.KindSpeed},
	"navigation.trip.log":          {Target: "navigation.trip.log", Kind: state.KindLength},

	"environment.depth.belowTransducer": {Target: "navigation.depth.belowTransducer", Kind: state.KindDepth},
	"environment.depth.belowKeel":       {Target: "navigation.depth.belowKeel", Kind: state.KindDepth},
	"environment.depth.belowSurface":    {Target: "navigation.depth.belowSurface", Kind: state.KindDepth},

	"environment.wind.speedApparent":     {Target: "navigation.wind.apparent.speed", Kind: state.KindSpeed},
	"environment.wind.angleApparent":     {Target: "navigation.wind.apparent.angle", Kind: state.KindAngle},
	"environment.wind.directionApparent": {Target: "navigation.wind.apparent.direction", Kind: state.KindAngle},
	"environment.wind.speedTrue":         {Target: "navigation.wind.true.speed", Kind: state.KindSpeed},
	"environment.wind.angleTrueWater":    {Target: "navigation.wind.true.angle", Kind: state.KindAngle},
	"environment.wind.directionTrue":     {Target: "navigation.wind.true.direction", Kind: state.KindAngle},

	"environment.outside.pressure":    {Target: "environment.weather.pressure", Kind: state.KindPressure},
	"environment.outside.temperature": {Target: "environment.weather.temperature.air", Kind: state.KindTemperature},
	"environment.water.temperature":   {Target: "environment.weather.temperature.water", Kind: state.KindTemperature},
	"environment.outside.humidity":    {Target: "environment.weather.humidity"},

	"mmsi":                      {Target: "vessel.info.mmsi"},
	"name":                      {Target: "vessel.info.name"},
	"communication.callsignVhf": {Target: "vessel.info.callsign"},
	"design.aisShipType":        {Target: "vessel.info.type"},
	"design.length":             {Target: "vessel.info.length", Transform: overall},
	"design.beam":               {Target: "vessel.info.beam", Kind: state.KindLength},
	"design.draft":              {Target: "vessel.info.draft", Transform: maximum},

	"electrical.batteries.voltage": {Target: "vessel.systems.electrical.batteries.voltage"},
	"electrical.batteries.current": {Target: "vessel.systems.electrical.batteries.current"},

	"tanks.fuel.currentLevel":       {Target: "vessel.systems.propulsion.fuel.level"},
	"tanks.fuel.rate":               {Target: "vessel.systems.propulsion.fuel.rate", Kind: state.KindVolume},
	"tanks.freshWater.currentLevel": {Target: "vessel.systems.tanks.freshWater"},
	"tanks.wasteWater.currentLevel": {Target: "vessel.systems.tanks.wasteWater"},
	"tanks.blackWater.currentLevel": {Target: "vessel.systems.tanks.blackWater"},

	"navigation.anchor.position":  {Target: "anchor.anchorLocation.position", Transform: position},
	"navigation.anchor.maxRadius": {Target: "anchor.watchCircle.radius", Kind: state.KindLength},
}

// Resolve finds where a SignalK path lives in the document. Indexed
// propulsion paths (propulsion.<n>.<field>) map under the engine list.
func Resolve(path string) (Mapping, bool) {
	if m, ok := defaultMappings[path]; ok {
		return m, true
	}
	parts := strings.Split(path, ".")
	if len(parts) >= 3 && parts[0] == "propulsion" {
		if _, err := strconv.Atoi(parts[1]); err == nil {
			return Mapping{Target: "vessel.systems.propulsion.engines." + strings.Join(parts[1:], ".")}, true
		}
	}
	return Mapping{}, false
}

// Record converts one SignalK value. ok is false for unmapped paths and
// values the mapping cannot use.
func Record(path string, value any, source string) (state.UpdateRecord, bool) {
	m, ok := Resolve(path)
	if !ok {
		return state.UpdateRecord{}, false
	}
	switch {
	case m.Transform != nil:
		value, ok = m.Transform(value)
		if !ok {
			return state.UpdateRecord{}, false
		}
	case m.Kind != "":
		if f, isNum := value.(float64); isNum {
			value = state.NewMeasurement(m.Kind, f)
		}
	}
	return state.UpdateRecord{Path: m.Target, Value: value, Source: source}, true
}

func position(v any) (any, bool) {
	p, ok := v.(map[string]any)
	if !ok {
		return nil, false
	}
	return map[string]any{
		"latitude":  map[string]any{"value": p["latitude"], "units": "deg"},
		"longitude": map[string]any{"value": p["longitude"], "units": "deg"},
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	}, true
}

// overall and maximum pick the useful member of SignalK's compound
// dimension objects.
func overall(v any) (any, bool) { return member(v, "overall") }
func maximum(v any) (any, bool) { return member(v, "maximum") }

func member(v any, key string) (any, bool) {
	switch t := v.(type) {
	case float64:
		return state.NewMeasurement(state.KindLength, t), true
	case map[string]any:
		if f, ok := t[key].(float64); ok {
			return state.NewMeasurement(state.KindLength, f), true
		}
	}
	return nil, false
}
