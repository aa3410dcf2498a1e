package config_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sportsight/reportcredits/pkg/config"
)

type testConfig struct {
	Name    string `env:"TEST_CONFIG_NAME" envDefault:"fallback"`
	Port    int    `env:"TEST_CONFIG_PORT" envDefault:"8080"`
	Secret  string `env:"TEST_CONFIG_SECRET,required"`
	Enabled bool   `env:"TEST_CONFIG_ENABLED" envDefault:"true"`
}

func TestLoad(t *testing.T) {
	t.Run("reads environment with defaults", func(t *testing.T) {
		t.Setenv("TEST_CONFIG_NAME", "billing")
		t.Setenv("TEST_CONFIG_SECRET", "s3cret")

		var cfg testConfig
		require.NoError(t, config.Load(&cfg))

		assert.Equal(t, "billing", cfg.Name)
		assert.Equal(t, 8080, cfg.Port)
		assert.Equal(t, "s3cret", cfg.Secret)
		assert.True(t, cfg.Enabled)
	})

	t.Run("missing required variable", func(t *testing.T) {
		var cfg testConfig
		err := config.Load(&cfg)
		assert.ErrorIs(t, err, config.ErrParsingConfig)
	})

	t.Run("nil pointer", func(t *testing.T) {
		err := config.Load[testConfig](nil)
		assert.ErrorIs(t, err, config.ErrNilPointer)
	})
}

func TestMustLoad(t *testing.T) {
	t.Run("panics on missing required variable", func(t *testing.T) {
		var cfg testConfig
		assert.Panics(t, func() { config.MustLoad(&cfg) })
	})

	t.Run("nested structs", func(t *testing.T) {
		t.Setenv("TEST_CONFIG_SECRET", "s3cret")
		t.Setenv("TEST_CONFIG_PORT", "9000")

		var cfg struct {
			Inner testConfig
		}
		require.NoError(t, config.Load(&cfg))
		assert.Equal(t, 9000, cfg.Inner.Port)
	})
}
