package utils

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestDeduplicator(t *testing.T) {
	d := NewDeduplicator(50 * time.Millisecond)

	assert.False(t, d.IsDuplicate("m1"))
	assert.True(t, d.IsDuplicate("m1"))
	assert.False(t, d.IsDuplicate("m2"))
	assert.False(t, d.IsDuplicate(""))
	assert.False(t, d.IsDuplicate(""))

	time.Sleep(80 * time.Millisecond)
	assert.False(t, d.IsDuplicate("m1"), "ids expire after the window")
}

func TestDeduplicatorForget(t *testing.T) {
	d := NewDeduplicator(time.Minute)

	assert.False(t, d.IsDuplicate("m1"))
	d.Forget("m1")
	assert.False(t, d.IsDuplicate("m1"))
	assert.True(t, d.IsDuplicate("m1"))
	d.Forget("")
}
