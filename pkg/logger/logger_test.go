package logger

import (
	"testing"

	"github.com/cozy-creator/plate-gateway/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewLogger(t *testing.T) {
	for _, env := range []string{EnvProd, EnvTest, "dev"} {
		t.Run(env, func(t *testing.T) {
			l, err := NewLogger(&config.Config{Environment: env})
			require.NoError(t, err)
			assert.NotNil(t, l)
		})
	}
}

func TestGetLoggerBeforeInit(t *testing.T) {
	logger = nil
	assert.NotNil(t, GetLogger())

	l, err := InitLogger(&config.Config{Environment: EnvTest})
	require.NoError(t, err)
	assert.Same(t, l, GetLogger())
}
