package state

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPathMapper(t *testing.T) {
	m := NewPathMapper()

	segs, ok := m.Map("navigation.speed.sog.value")
	assert.True(t, ok)
	assert.Equal(t, []string{"navigation", "speed", "sog", "value"}, segs)

	_, ok = m.Map("totally.unknown.path")
	assert.False(t, ok)

	segs, ok = m.Map("")
	assert.True(t, ok)
	assert.Empty(t, segs)

	custom := NewPathMapper("navigation")
	assert.False(t, custom.Known("anchor"))
}

func TestNewMeasurement(t *testing.T) {
	depth := NewMeasurement(KindDepth, 10)
	assert.Equal(t, 10.0, depth["value"])
	assert.Equal(t, "m", depth["units"])
	assert.Equal(t, 32.81, depth["feet"])

	temp := NewMeasurement(KindTemperature, 293.15)
	assert.Equal(t, 20.0, temp["celsius"])
	assert.Equal(t, 68.0, temp["fahrenheit"])

	speed := NewMeasurement(KindSpeed, 1)
	assert.Equal(t, 1.94, speed["knots"])

	p := NewMeasurement(KindPressure, 101325)
	assert.Equal(t, 1013.25, p["hPa"])

	unknown := NewMeasurement(Kind("weight"), 1)
	assert.Equal(t, "", unknown["units"])
}
