package logger

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/srilakshmi/nvmedirect/config"
)

func TestNew(t *testing.T) {
	t.Run("json", func(t *testing.T) {
		l, err := New(config.LoggingConfig{Level: "warn"})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.WarnLevel))
		assert.False(t, l.Core().Enabled(zapcore.InfoLevel))
	})

	t.Run("development", func(t *testing.T) {
		l, err := New(config.LoggingConfig{Level: "debug", Development: true})
		require.NoError(t, err)
		assert.True(t, l.Core().Enabled(zapcore.DebugLevel))
	})

	t.Run("invalid level", func(t *testing.T) {
		_, err := New(config.LoggingConfig{Level: "loud"})
		assert.Error(t, err)
	})
}
