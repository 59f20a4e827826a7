package logging

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"
)

func TestNew(t *testing.T) {
	tests := []struct {
		level, format string
		want          zapcore.Level
	}{
		{"debug", "console", zapcore.DebugLevel},
		{"warn", "json", zapcore.WarnLevel},
		{"", "", zapcore.InfoLevel},
	}
	for _, tt := range tests {
		t.Run(tt.level+"/"+tt.format, func(t *testing.T) {
			logger, atom, err := New(tt.level, tt.format)
			require.NoError(t, err)
			require.NotNil(t, logger)
			assert.Equal(t, tt.want, atom.Level())
		})
	}
}

func TestNew_Invalid(t *testing.T) {
	_, _, err := New("loud", "console")
	assert.Error(t, err)

	_, _, err = New("info", "xml")
	assert.Error(t, err)
}

func TestSetLevel_ChangesRunningLogger(t *testing.T) {
	logger, atom, err := New("info", "json")
	require.NoError(t, err)
	assert.False(t, logger.Core().Enabled(zapcore.DebugLevel))

	require.NoError(t, SetLevel(atom, "debug"))
	assert.True(t, logger.Core().Enabled(zapcore.DebugLevel))
}
