package config

import (
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
	"github.com/instanalytics/installer/pkg/fsm"
	"github.com/spf13/viper"
)

// Config holds all application configuration
type Config struct {
	// Install target
	InstallPath string `mapstructure:"install-path"`
	WorkDir     string `mapstructure:"work-dir"`

	// Receipts database
	ReceiptsDBPath string `mapstructure:"receipts-db-path"`

	// Presentation and logging
	Locale   string `mapstructure:"locale"`
	LogLevel string `mapstructure:"log-level"`
	LogFile  string `mapstructure:"log-file"`

	// Application
	AppName       string `mapstructure:"app-name"`
	AppExecutable string `mapstructure:"app-executable"`
	AppArchiveURL string `mapstructure:"app-archive-url"`

	// Prerequisite
	PrerequisiteName        string            `mapstructure:"prerequisite-name"`
	PrerequisiteMinVersion  string            `mapstructure:"prerequisite-min-version"`
	PrerequisiteURLs        map[string]string `mapstructure:"prerequisite-urls"`
	PrerequisiteDefaultArch string            `mapstructure:"prerequisite-default-arch"`
	PrerequisiteArgs        []string          `mapstructure:"prerequisite-args"`
	PrerequisiteExitCodes   fsm.ExitCodeTable `mapstructure:"prerequisite-exit-codes"`
	PrerequisiteCommand     string            `mapstructure:"prerequisite-command"`
	PrerequisiteListArgs    []string          `mapstructure:"prerequisite-list-args"`
	PrerequisiteSearchDirs  []string          `mapstructure:"prerequisite-search-dirs"`

	// Child process
	ElevationCommand string        `mapstructure:"elevation-command"`
	PollInterval     time.Duration `mapstructure:"poll-interval"`

	// Transfer
	TransferAttempts int           `mapstructure:"transfer-attempts"`
	TransferTimeout  time.Duration `mapstructure:"transfer-timeout"`
	S3Region         string        `mapstructure:"s3-region"`

	// Security limits
	MaxFileSize         int64   `mapstructure:"max-file-size"`
	MaxTotalSize        int64   `mapstructure:"max-total-size"`
	MaxCompressionRatio float64 `mapstructure:"max-compression-ratio"`

	// Desktop integration
	DesktopShortcut   bool `mapstructure:"desktop-shortcut"`
	StartMenuShortcut bool `mapstructure:"start-menu-shortcut"`
}

// Load reads configuration from environment, config file, and defaults
func Load() (*Config, error) {
	// Set defaults
	viper.SetDefault("install-path", defaultInstallPath())
	viper.SetDefault("work-dir", filepath.Join(os.TempDir(), "instanalytics-setup"))
	viper.SetDefault("receipts-db-path", defaultReceiptsPath())
	viper.SetDefault("locale", "it")
	viper.SetDefault("log-level", "info")
	viper.SetDefault("log-file", "")
	viper.SetDefault("app-name", "InstAnalytics")
	viper.SetDefault("app-executable", executable("InstAnalytics"))
	viper.SetDefault("app-archive-url", "https://github.com/FabiodAgostino/InstAnalytics/releases/download/release/InstAnalytics.1.0.0.zip")
	viper.SetDefault("prerequisite-name", ".NET SDK 10")
	viper.SetDefault("prerequisite-min-version", "10.0.0")
	viper.SetDefault("prerequisite-urls", map[string]string{
		"x64": "https://builds.dotnet.microsoft.com/dotnet/Sdk/10.0.100/dotnet-sdk-10.0.100-win-x64.exe",
		"x86": "https://builds.dotnet.microsoft.com/dotnet/Sdk/10.0.100/dotnet-sdk-10.0.100-win-x86.exe",
	})
	viper.SetDefault("prerequisite-default-arch", "x64")
	viper.SetDefault("prerequisite-args", []string{"/install", "/quiet", "/norestart"})
	viper.SetDefault("prerequisite-exit-codes", exitCodeDefaults())
	viper.SetDefault("prerequisite-command", "dotnet")
	viper.SetDefault("prerequisite-list-args", []string{"--list-sdks"})
	viper.SetDefault("prerequisite-search-dirs", defaultSearchDirs())
	viper.SetDefault("elevation-command", defaultElevation())
	viper.SetDefault("poll-interval", time.Second)
	viper.SetDefault("transfer-attempts", 3)
	viper.SetDefault("transfer-timeout", 30*time.Minute)
	viper.SetDefault("s3-region", "us-east-1")
	viper.SetDefault("max-file-size", int64(1)<<30)
	viper.SetDefault("max-total-size", int64(4)<<30)
	viper.SetDefault("max-compression-ratio", 100.0)
	viper.SetDefault("desktop-shortcut", true)
	viper.SetDefault("start-menu-shortcut", true)

	// Environment variables (will be INSTALLER_INSTALL_PATH, etc.)
	viper.SetEnvPrefix("INSTALLER")
	viper.AutomaticEnv()
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))

	// Config file (optional)
	viper.SetConfigName("config")
	viper.SetConfigType("yaml")
	viper.AddConfigPath(".")
	viper.AddConfigPath("$HOME/.instanalytics")

	// Read config file (ignore if not found)
	_ = viper.ReadInConfig()

	// Unmarshal into config struct
	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	return &cfg, nil
}

// Validate checks configuration for errors
func (c *Config) Validate() error {
	if c.InstallPath == "" {
		return fmt.Errorf("install-path cannot be empty")
	}
	if c.WorkDir == "" {
		return fmt.Errorf("work-dir cannot be empty")
	}
	if c.ReceiptsDBPath == "" {
		return fmt.Errorf("receipts-db-path cannot be empty")
	}
	if c.AppArchiveURL == "" {
		return fmt.Errorf("app-archive-url cannot be empty")
	}
	if c.AppExecutable == "" {
		return fmt.Errorf("app-executable cannot be empty")
	}
	if c.PrerequisiteCommand == "" {
		return fmt.Errorf("prerequisite-command cannot be empty")
	}
	if _, err := c.PrerequisiteConstraint(); err != nil {
		return err
	}
	if len(c.PrerequisiteURLs) == 0 {
		return fmt.Errorf("prerequisite-urls cannot be empty")
	}
	for arch, u := range c.PrerequisiteURLs {
		if u == "" {
			return fmt.Errorf("prerequisite-urls.%s cannot be empty", arch)
		}
	}
	if _, ok := c.PrerequisiteURLs[c.PrerequisiteDefaultArch]; !ok {
		return fmt.Errorf("prerequisite-default-arch %q has no url", c.PrerequisiteDefaultArch)
	}
	if err := c.PrerequisiteExitCodes.Validate(); err != nil {
		return fmt.Errorf("prerequisite-exit-codes: %w", err)
	}
	if c.PollInterval <= 0 || c.PollInterval > time.Second {
		return fmt.Errorf("poll-interval must be in (0, 1s]")
	}
	if c.TransferAttempts < 1 {
		return fmt.Errorf("transfer-attempts must be at least 1")
	}
	if c.TransferTimeout <= 0 {
		return fmt.Errorf("transfer-timeout must be positive")
	}
	if c.MaxFileSize <= 0 {
		return fmt.Errorf("max-file-size must be positive")
	}
	if c.MaxTotalSize <= 0 {
		return fmt.Errorf("max-total-size must be positive")
	}
	if c.MaxCompressionRatio <= 0 {
		return fmt.Errorf("max-compression-ratio must be positive")
	}
	return nil
}

// PrerequisiteConstraint accepts the configured minimum and anything else
// within the same major version.
func (c *Config) PrerequisiteConstraint() (string, error) {
	v, err := version.NewVersion(c.PrerequisiteMinVersion)
	if err != nil {
		return "", fmt.Errorf("prerequisite-min-version %q is not a version: %w", c.PrerequisiteMinVersion, err)
	}
	major := v.Segments()[0]
	return fmt.Sprintf(">= %s, < %d.0.0", v.String(), major+1), nil
}

func exitCodeDefaults() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(fsm.DefaultExitCodes))
	for _, e := range fsm.DefaultExitCodes {
		out = append(out, map[string]interface{}{
			"code":    e.Code,
			"success": e.Success,
			"message": e.Message,
		})
	}
	return out
}

func executable(name string) string {
	if runtime.GOOS == "windows" {
		return name + ".exe"
	}
	return name
}

func defaultInstallPath() string {
	if runtime.GOOS == "windows" {
		if pf := os.Getenv("ProgramFiles"); pf != "" {
			return filepath.Join(pf, "InstAnalytics")
		}
		return `C:\Program Files\InstAnalytics`
	}
	if home, err := os.UserHomeDir(); err == nil {
		return filepath.Join(home, ".local", "share", "InstAnalytics")
	}
	return "/opt/InstAnalytics"
}

func defaultReceiptsPath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		dir = os.TempDir()
	}
	return filepath.Join(dir, "InstAnalytics", "receipts.db")
}

func defaultSearchDirs() []string {
	if runtime.GOOS == "windows" {
		return []string{`${ProgramFiles}\dotnet`, `${ProgramFiles(x86)}\dotnet`}
	}
	return []string{"/usr/share/dotnet", "/usr/lib/dotnet", "$HOME/.dotnet"}
}

func defaultElevation() string {
	if runtime.GOOS == "windows" {
		return ""
	}
	return "sudo"
}
