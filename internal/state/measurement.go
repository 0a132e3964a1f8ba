package state

import "math"

// Kind names a unit system a numeric leaf belongs to.
type Kind string

const (
	KindDepth       Kind = "depth"
	KindLength      Kind = "length"
	KindSpeed       Kind = "speed"
	KindAngle       Kind = "angle"
	KindTemperature Kind = "temperature"
	KindPressure    Kind = "pressure"
	KindVolume      Kind = "volume"
)

const (
	metersToFeet   = 3.28084
	msToKnots      = 1.943844
	kelvinOffset   = 273.15
	paToInHg       = 0.000295299830714
	cubicMToLiters = 1000.0
	litersToGallon = 0.264172
)

// NewMeasurement builds a measurement record from an SI value: the value
// and its SI unit plus precomputed derived units, rounded to two decimals.
// Unknown kinds yield a bare {value, units:""} record.
func NewMeasurement(kind Kind, si float64) map[string]any {
	m := map[string]any{"value": si}
	switch kind {
	case KindDepth, KindLength:
		m["units"] = "m"
		m["feet"] = round2(si * metersToFeet)
	case KindSpeed:
		m["units"] = "m/s"
		m["knots"] = round2(si * msToKnots)
	case KindAngle:
		m["units"] = "rad"
		m["degrees"] = round2(si * 180 / math.Pi)
	case KindTemperature:
		m["units"] = "K"
		c := si - kelvinOffset
		m["celsius"] = round2(c)
		m["fahrenheit"] = round2(c*9/5 + 32)
	case KindPressure:
		m["units"] = "Pa"
		m["hPa"] = round2(si / 100)
		m["inHg"] = round2(si * paToInHg)
	case KindVolume:
		m["units"] = "m3"
		l := si * cubicMToLiters
		m["liters"] = round2(l)
		m["gallons"] = round2(l * litersToGallon)
	default:
		m["units"] = ""
	}
	return m
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
