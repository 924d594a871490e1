package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, "postgres", cfg.Store.Driver)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 8, cfg.Server.DispatchWorkers)
	assert.Equal(t, 300, cfg.Calendly.ToleranceSecs)
	assert.Equal(t, "https://api.docuseal.com", cfg.Esign.BaseURL)
	assert.Equal(t, 3, cfg.Reminder.MaxCount)
	assert.Equal(t, 48, cfg.Reminder.StaleHours)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "json", cfg.Log.Format)
}

func TestLoadEnvOverride(t *testing.T) {
	t.Chdir(t.TempDir())
	t.Setenv("ONBOARD_SERVER_PORT", "9999")
	t.Setenv("ONBOARD_STORE_DRIVER", "sqlite")

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, 9999, cfg.Server.Port)
	assert.Equal(t, "sqlite", cfg.Store.Driver)
}

func TestValidate(t *testing.T) {
	cfg := &Config{
		Store:    StoreConfig{Driver: "postgres", DatabaseURL: "postgres://x"},
		Calendly: CalendlyConfig{WebhookSecret: "s"},
	}
	assert.NoError(t, cfg.Validate("serve"))

	cfg.Calendly.WebhookSecret = ""
	assert.Error(t, cfg.Validate("serve"))
	assert.NoError(t, cfg.Validate("cli"), "webhook secret only required for serve")

	cfg.Calendly.WebhookSecret = "s"
	cfg.Store.Driver = "oracle"
	assert.Error(t, cfg.Validate("serve"))

	cfg.Store.Driver = "sqlite"
	cfg.Store.DatabaseURL = ""
	assert.Error(t, cfg.Validate("cli"))
}

func TestInitLogger(t *testing.T) {
	require.NoError(t, InitLogger(LogConfig{Level: "debug", Format: "console"}))
	assert.Error(t, InitLogger(LogConfig{Level: "loud", Format: "json"}))
}
