package config_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dmitrymomot/dbqueue/core/config"
)

type workerConfig struct {
	Name     string        `env:"WORKER_NAME" envDefault:"default"`
	Interval time.Duration `env:"WORKER_INTERVAL" envDefault:"3s"`
	Size     int           `env:"WORKER_SIZE" envDefault:"10"`
}

type requiredConfig struct {
	URL string `env:"CONFIG_TEST_REQUIRED_URL,required"`
}

func TestLoad(t *testing.T) {
	t.Run("defaults", func(t *testing.T) {
		var cfg workerConfig
		require.NoError(t, config.Load(&cfg, config.WithPrefix("DEFAULTS_")))
		assert.Equal(t, "default", cfg.Name)
		assert.Equal(t, 3*time.Second, cfg.Interval)
		assert.Equal(t, 10, cfg.Size)
	})

	t.Run("prefix selects variables", func(t *testing.T) {
		t.Setenv("BUS_WORKER_NAME", "bus")
		t.Setenv("NOTIFY_WORKER_NAME", "notify")
		t.Setenv("NOTIFY_WORKER_SIZE", "2")

		var bus, notify workerConfig
		require.NoError(t, config.Load(&bus, config.WithPrefix("BUS_")))
		require.NoError(t, config.Load(&notify, config.WithPrefix("NOTIFY_")))

		assert.Equal(t, "bus", bus.Name)
		assert.Equal(t, 10, bus.Size)
		assert.Equal(t, "notify", notify.Name)
		assert.Equal(t, 2, notify.Size)
	})

	t.Run("cached per prefix", func(t *testing.T) {
		t.Setenv("CACHED_WORKER_NAME", "first")
		var first workerConfig
		require.NoError(t, config.Load(&first, config.WithPrefix("CACHED_")))

		t.Setenv("CACHED_WORKER_NAME", "second")
		var second workerConfig
		require.NoError(t, config.Load(&second, config.WithPrefix("CACHED_")))
		assert.Equal(t, "first", second.Name)

		var fresh workerConfig
		require.NoError(t, config.Load(&fresh, config.WithPrefix("CACHED_"), config.WithoutCache()))
		assert.Equal(t, "second", fresh.Name)
	})

	t.Run("required missing", func(t *testing.T) {
		var cfg requiredConfig
		err := config.Load(&cfg, config.WithoutCache())
		require.Error(t, err)
	})

	t.Run("nil target", func(t *testing.T) {
		require.Error(t, config.Load[workerConfig](nil))
	})
}

func TestMustLoad(t *testing.T) {
	assert.Panics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg, config.WithPrefix("MUST_"), config.WithoutCache())
	})

	t.Setenv("MUSTOK_CONFIG_TEST_REQUIRED_URL", "postgres://localhost")
	assert.NotPanics(t, func() {
		var cfg requiredConfig
		config.MustLoad(&cfg, config.WithPrefix("MUSTOK_"))
		assert.Equal(t, "postgres://localhost", cfg.URL)
	})
}
