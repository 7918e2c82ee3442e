package config

import (
	"testing"
	"time"

	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func loadFresh(t *testing.T) *Config {
	t.Helper()
	viper.Reset()
	t.Cleanup(viper.Reset)

	cfg, err := Load()
	require.NoError(t, err)
	return cfg
}

func TestLoad_Defaults(t *testing.T) {
	cfg := loadFresh(t)

	require.NoError(t, cfg.Validate())
	assert.Equal(t, "InstAnalytics", cfg.AppName)
	assert.Equal(t, time.Second, cfg.PollInterval)
	assert.Equal(t, "x64", cfg.PrerequisiteDefaultArch)
	assert.Contains(t, cfg.PrerequisiteURLs, "x86")
	assert.Equal(t, []string{"/install", "/quiet", "/norestart"}, cfg.PrerequisiteArgs)
	assert.True(t, cfg.PrerequisiteExitCodes.Accepts(3010))
	assert.False(t, cfg.PrerequisiteExitCodes.Accepts(1603))
}

func TestLoad_EnvOverrides(t *testing.T) {
	t.Setenv("INSTALLER_INSTALL_PATH", "/opt/custom")
	t.Setenv("INSTALLER_POLL_INTERVAL", "250ms")
	t.Setenv("INSTALLER_LOCALE", "en")

	cfg := loadFresh(t)

	assert.Equal(t, "/opt/custom", cfg.InstallPath)
	assert.Equal(t, 250*time.Millisecond, cfg.PollInterval)
	assert.Equal(t, "en", cfg.Locale)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(c *Config)
	}{
		{"empty archive url", func(c *Config) { c.AppArchiveURL = "" }},
		{"poll interval too long", func(c *Config) { c.PollInterval = 5 * time.Second }},
		{"poll interval zero", func(c *Config) { c.PollInterval = 0 }},
		{"bad min version", func(c *Config) { c.PrerequisiteMinVersion = "ten" }},
		{"default arch without url", func(c *Config) { c.PrerequisiteDefaultArch = "arm64" }},
		{"no attempts", func(c *Config) { c.TransferAttempts = 0 }},
		{"negative ratio", func(c *Config) { c.MaxCompressionRatio = -1 }},
		{"exit code table without zero", func(c *Config) { c.PrerequisiteExitCodes = c.PrerequisiteExitCodes[1:] }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := loadFresh(t)
			tt.mutate(cfg)
			assert.Error(t, cfg.Validate())
		})
	}
}

func TestPrerequisiteConstraint(t *testing.T) {
	cfg := &Config{PrerequisiteMinVersion: "10.0.100"}
	c, err := cfg.PrerequisiteConstraint()
	require.NoError(t, err)
	assert.Equal(t, ">= 10.0.100, < 11.0.0", c)
}
