package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, zapcore.DebugLevel, parseLevel("debug"))
	assert.Equal(t, zapcore.WarnLevel, parseLevel("WARN"))
	assert.Equal(t, zapcore.ErrorLevel, parseLevel("error"))
	assert.Equal(t, zapcore.InfoLevel, parseLevel(""))
	assert.Equal(t, zapcore.InfoLevel, parseLevel("verbose"))
}

func TestComponentNamesNest(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	log := zap.New(core).Sugar()

	log.Named(ComponentBridge).Named(ComponentHub).Info("up")
	log.Named(ComponentRelay).Named(ComponentHub).Info("up")

	entries := logs.All()
	if assert.Len(t, entries, 2) {
		assert.Equal(t, "bridge.ws-hub", entries[0].LoggerName)
		assert.Equal(t, "relay.ws-hub", entries[1].LoggerName)
	}
}
