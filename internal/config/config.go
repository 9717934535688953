package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds application configuration
type Config struct {
	// Global settings
	WatchDir string `mapstructure:"watch_dir"`
	DataDir  string `mapstructure:"data_dir"`
	Quiet    bool   `mapstructure:"quiet"`
	Verbose  bool   `mapstructure:"verbose"`

	Watch   WatchConfig   `mapstructure:"watch"`
	Process ProcessConfig `mapstructure:"process"`
	Resume  ResumeConfig  `mapstructure:"resume"`
	Backup  BackupConfig  `mapstructure:"backup"`
	Audit   AuditConfig   `mapstructure:"audit"`
	Tmux    TmuxConfig    `mapstructure:"tmux"`
}

// WatchConfig controls the file watcher and event bus.
type WatchConfig struct {
	Debounce       time.Duration `mapstructure:"debounce"`
	BufferSize     int           `mapstructure:"buffer_size"`
	HealthInterval time.Duration `mapstructure:"health_interval"`
}

// ProcessConfig controls the agent process observer.
type ProcessConfig struct {
	PollInterval time.Duration `mapstructure:"poll_interval"`
	Match        string        `mapstructure:"match"`
}

// ResumeConfig controls strategies, backoff and crash-loop protection.
type ResumeConfig struct {
	BaseDelay      time.Duration `mapstructure:"base_delay"`
	MaxDelay       time.Duration `mapstructure:"max_delay"`
	MaxRetries     int           `mapstructure:"max_retries"`
	JitterPct      float64       `mapstructure:"jitter_pct"`
	CrashWindow    time.Duration `mapstructure:"crash_window"`
	CrashThreshold int           `mapstructure:"crash_threshold"`
	NextStepFile   string        `mapstructure:"next_step_file"`
}

// BackupConfig controls pre-resume session backups.
type BackupConfig struct {
	MaxPerSession int `mapstructure:"max_per_session"`
}

// AuditConfig controls the JSONL audit log.
type AuditConfig struct {
	MaxSizeBytes int64         `mapstructure:"max_size_bytes"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

// TmuxConfig identifies the pane the resume trigger drives.
type TmuxConfig struct {
	Session string `mapstructure:"session"`
	Window  int    `mapstructure:"window"`
}

// Default returns a Config with default values
func Default() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		WatchDir: filepath.Join(home, ".agent"),
		DataDir:  filepath.Join(home, ".agw"),
		Watch: WatchConfig{
			Debounce:       100 * time.Millisecond,
			BufferSize:     100,
			HealthInterval: 60 * time.Second,
		},
		Process: ProcessConfig{
			PollInterval: 2 * time.Second,
			Match:        "claude",
		},
		Resume: ResumeConfig{
			BaseDelay:      30 * time.Second,
			MaxDelay:       5 * time.Minute,
			MaxRetries:     10,
			JitterPct:      0.10,
			CrashWindow:    60 * time.Second,
			CrashThreshold: 3,
			NextStepFile:   "Next-step.md",
		},
		Backup: BackupConfig{
			MaxPerSession: 10,
		},
		Audit: AuditConfig{
			MaxSizeBytes: 10 * 1024 * 1024,
			LockTimeout:  5 * time.Second,
		},
		Tmux: TmuxConfig{
			Session: "agent",
		},
	}
}

// Load loads configuration from files and environment
func Load() (*Config, error) {
	v := viper.New()

	// Set config name and type
	v.SetConfigName("agw")
	v.SetConfigType("yaml")

	// Add config paths (in order of precedence, lowest first)
	// 1. System-wide config
	v.AddConfigPath("/etc/agw/")
	// 2. User config directory
	if configDir, err := os.UserConfigDir(); err == nil {
		v.AddConfigPath(filepath.Join(configDir, "agw"))
	}
	// 3. Home directory (as .agw.yaml)
	if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(home)
		v.SetConfigName(".agw")
	}
	// 4. Current directory
	v.AddConfigPath(".")

	// Environment variables
	v.SetEnvPrefix("AGW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	v.AutomaticEnv()

	v.BindEnv("watch_dir", "AGW_WATCH_DIR")
	v.BindEnv("data_dir", "AGW_DATA_DIR")
	v.BindEnv("quiet", "AGW_QUIET")
	v.BindEnv("verbose", "AGW_VERBOSE")
	v.BindEnv("process.match", "AGW_PROCESS_MATCH")

	// Set defaults
	cfg := Default()
	v.SetDefault("watch_dir", cfg.WatchDir)
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("watch.debounce", cfg.Watch.Debounce)
	v.SetDefault("watch.buffer_size", cfg.Watch.BufferSize)
	v.SetDefault("watch.health_interval", cfg.Watch.HealthInterval)
	v.SetDefault("process.poll_interval", cfg.Process.PollInterval)
	v.SetDefault("process.match", cfg.Process.Match)
	v.SetDefault("resume.base_delay", cfg.Resume.BaseDelay)
	v.SetDefault("resume.max_delay", cfg.Resume.MaxDelay)
	v.SetDefault("resume.max_retries", cfg.Resume.MaxRetries)
	v.SetDefault("resume.jitter_pct", cfg.Resume.JitterPct)
	v.SetDefault("resume.crash_window", cfg.Resume.CrashWindow)
	v.SetDefault("resume.crash_threshold", cfg.Resume.CrashThreshold)
	v.SetDefault("resume.next_step_file", cfg.Resume.NextStepFile)
	v.SetDefault("backup.max_per_session", cfg.Backup.MaxPerSession)
	v.SetDefault("audit.max_size_bytes", cfg.Audit.MaxSizeBytes)
	v.SetDefault("audit.lock_timeout", cfg.Audit.LockTimeout)
	v.SetDefault("tmux.session", cfg.Tmux.Session)
	v.SetDefault("tmux.window", cfg.Tmux.Window)

	// Try to read config file (ignore if not found)
	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			// Config file was found but another error occurred
			return nil, err
		}
		// Config file not found; use defaults
	}

	// Unmarshal into struct
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromFile loads configuration from a specific file
func LoadFromFile(path string) (*Config, error) {
	v := viper.New()

	v.SetConfigFile(path)

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	cfg := Default()
	if err := v.Unmarshal(cfg); err != nil {
		return nil, err
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate rejects configurations the pipeline cannot run with.
func (c *Config) Validate() error {
	if c.WatchDir == "" {
		return errors.New("watch_dir is required")
	}
	if c.Watch.Debounce < 0 {
		return fmt.Errorf("watch.debounce must be >= 0, got %s", c.Watch.Debounce)
	}
	if c.Watch.BufferSize <= 0 {
		return fmt.Errorf("watch.buffer_size must be > 0, got %d", c.Watch.BufferSize)
	}
	if c.Process.PollInterval <= 0 {
		return fmt.Errorf("process.poll_interval must be > 0, got %s", c.Process.PollInterval)
	}
	if c.Resume.BaseDelay <= 0 {
		return fmt.Errorf("resume.base_delay must be > 0, got %s", c.Resume.BaseDelay)
	}
	if c.Resume.MaxDelay < c.Resume.BaseDelay {
		return fmt.Errorf("resume.max_delay %s is below resume.base_delay %s", c.Resume.MaxDelay, c.Resume.BaseDelay)
	}
	if c.Resume.JitterPct < 0 || c.Resume.JitterPct > 1 {
		return fmt.Errorf("resume.jitter_pct must be within [0,1], got %g", c.Resume.JitterPct)
	}
	if c.Resume.CrashThreshold <= 0 {
		return fmt.Errorf("resume.crash_threshold must be > 0, got %d", c.Resume.CrashThreshold)
	}
	if c.Backup.MaxPerSession <= 0 {
		return fmt.Errorf("backup.max_per_session must be > 0, got %d", c.Backup.MaxPerSession)
	}
	if c.Audit.MaxSizeBytes <= 0 {
		return fmt.Errorf("audit.max_size_bytes must be > 0, got %d", c.Audit.MaxSizeBytes)
	}
	return nil
}

// StatePath returns the daemon state file location.
func (c *Config) StatePath() string {
	return filepath.Join(c.DataDir, "state.json")
}

// AuditPath returns the audit log location.
func (c *Config) AuditPath() string {
	return filepath.Join(c.DataDir, "audit.jsonl")
}
