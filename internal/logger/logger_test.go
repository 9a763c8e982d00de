package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestNewLogger(t *testing.T) {
	l, err := NewLogger("debug", "json")
	require.NoError(t, err)
	assert.True(t, l.Core().Enabled(zapcore.DebugLevel))

	l, err = NewLogger("warn", "console")
	require.NoError(t, err)
	assert.False(t, l.Core().Enabled(zapcore.InfoLevel))

	_, err = NewLogger("loud", "json")
	assert.Error(t, err)

	_, err = NewLogger("info", "xml")
	assert.Error(t, err)
}

func TestForInstrument(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	ForInstrument(zap.New(core), "AAPL").Info("processing restarted")

	require.Equal(t, 1, logs.Len())
	entry := logs.All()[0]
	assert.Equal(t, "AAPL", entry.ContextMap()["instrument"])
}
