package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestWithCarriesFields(t *testing.T) {
	core, logs := observer.New(zap.DebugLevel)
	l := &Logger{SugaredLogger: zap.New(core).Sugar()}

	l.With("task_id", "t-1").Infow("settled", "recovered", true)

	entries := logs.All()
	require.Len(t, entries, 1)
	assert.Equal(t, "settled", entries[0].Message)
	fields := entries[0].ContextMap()
	assert.Equal(t, "t-1", fields["task_id"])
	assert.Equal(t, true, fields["recovered"])
}

func TestNilLoggerIsSafe(t *testing.T) {
	var l *Logger
	assert.NotPanics(t, func() {
		l.Warnw("ignored")
		l.With("k", "v").Debug("ignored")
	})
}

func TestNewRejectsUnknownLevel(t *testing.T) {
	_, err := New(false, "chatty")
	assert.Error(t, err)
	l, err := New(true, "debug")
	require.NoError(t, err)
	assert.NotNil(t, l.SugaredLogger)
}
