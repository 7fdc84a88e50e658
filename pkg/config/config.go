package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config captures runtime settings for the module build scheduler.
type Config struct {
	ListenAddr  string `mapstructure:"listen_addr"`
	DatabaseURL string `mapstructure:"database_url"`
	RedisURL    string `mapstructure:"redis_url"`
	GatewayURL  string `mapstructure:"gateway_url"`
	APIKey      string `mapstructure:"api_key"`

	WorkerCount int `mapstructure:"worker_count"`

	// Module normalization defaults.
	DefaultArches       []string `mapstructure:"default_arches"`
	DefaultComponentRef string   `mapstructure:"default_component_ref"`
	BaseBuildrootTag    string   `mapstructure:"base_buildroot_tag"`

	// Content-generator tag selection: the first base module name found
	// among the resolved dependencies wins, otherwise the default.
	BaseModuleNames []string `mapstructure:"base_module_names"`
	CGDefaultModule string   `mapstructure:"cg_default_module"`

	// Ceiling on in-flight component builds per module.
	NumConcurrentComponents int `mapstructure:"num_concurrent_components"`

	// Resolver retry policy: bounded attempts with fixed backoff.
	ResolverAttempts int           `mapstructure:"resolver_attempts"`
	ResolverBackoff  time.Duration `mapstructure:"resolver_backoff"`

	GatingEnabled bool `mapstructure:"gating_enabled"`

	Reconciler ReconcilerConfig `mapstructure:"reconciler"`
}

// ReconcilerConfig holds the per-sweep intervals and thresholds.
type ReconcilerConfig struct {
	NudgeInterval  time.Duration `mapstructure:"nudge_interval"`
	NudgeThreshold time.Duration `mapstructure:"nudge_threshold"`

	ComponentSweepInterval time.Duration `mapstructure:"component_sweep_interval"`

	ResumeInterval  time.Duration `mapstructure:"resume_interval"`
	ResumeThreshold time.Duration `mapstructure:"resume_threshold"`

	RepoRegenInterval time.Duration `mapstructure:"repo_regen_interval"`

	TargetSweepInterval   time.Duration `mapstructure:"target_sweep_interval"`
	TargetRetention       time.Duration `mapstructure:"target_retention"`
	AllowedTargetPrefixes []string      `mapstructure:"allowed_target_prefixes"`

	FailureCleanupInterval time.Duration `mapstructure:"failure_cleanup_interval"`
	FailureRetention       time.Duration `mapstructure:"failure_retention"`

	StuckInterval time.Duration `mapstructure:"stuck_interval"`
	StuckStates   []string      `mapstructure:"stuck_states"`
	StuckLimit    time.Duration `mapstructure:"stuck_limit"`

	TagSyncInterval  time.Duration `mapstructure:"tag_sync_interval"`
	TagSyncThreshold time.Duration `mapstructure:"tag_sync_threshold"`

	GatingInterval time.Duration `mapstructure:"gating_interval"`
}

// Load reads scheduler configuration from defaults, files, and env vars.
func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigName("config")
	v.AddConfigPath("./configs")
	v.SetEnvPrefix("MBS")
	v.AutomaticEnv()

	v.SetDefault("listen_addr", ":8090")
	v.SetDefault("database_url", "postgres://localhost:5432/modulebuild?sslmode=disable")
	v.SetDefault("redis_url", "redis://localhost:6379/0")
	v.SetDefault("gateway_url", "http://localhost:8091")
	v.SetDefault("worker_count", 4)
	v.SetDefault("default_arches", []string{"aarch64", "x86_64"})
	v.SetDefault("default_component_ref", "main")
	v.SetDefault("base_buildroot_tag", "platform-buildroot")
	v.SetDefault("base_module_names", []string{"platform"})
	v.SetDefault("cg_default_module", "platform")
	v.SetDefault("num_concurrent_components", 5)
	v.SetDefault("resolver_attempts", 3)
	v.SetDefault("resolver_backoff", 10*time.Second)
	v.SetDefault("gating_enabled", false)

	v.SetDefault("reconciler.nudge_interval", 3*time.Minute)
	v.SetDefault("reconciler.nudge_threshold", 10*time.Minute)
	v.SetDefault("reconciler.component_sweep_interval", 5*time.Minute)
	v.SetDefault("reconciler.resume_interval", 5*time.Minute)
	v.SetDefault("reconciler.resume_threshold", 10*time.Minute)
	v.SetDefault("reconciler.repo_regen_interval", 5*time.Minute)
	v.SetDefault("reconciler.target_sweep_interval", 1*time.Hour)
	v.SetDefault("reconciler.target_retention", 24*time.Hour)
	// Both regular and scratch build tags must pass the delete allow-list.
	v.SetDefault("reconciler.allowed_target_prefixes", []string{"module-", "scrmod-"})
	v.SetDefault("reconciler.failure_cleanup_interval", 1*time.Hour)
	v.SetDefault("reconciler.failure_retention", 24*time.Hour)
	v.SetDefault("reconciler.stuck_interval", 10*time.Minute)
	v.SetDefault("reconciler.stuck_states", []string{"init", "wait", "build"})
	v.SetDefault("reconciler.stuck_limit", 24*time.Hour)
	v.SetDefault("reconciler.tag_sync_interval", 10*time.Minute)
	v.SetDefault("reconciler.tag_sync_threshold", 10*time.Minute)
	v.SetDefault("reconciler.gating_interval", 5*time.Minute)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the workers and sweeps cannot run with.
func (c *Config) Validate() error {
	if c.WorkerCount < 1 {
		return fmt.Errorf("worker_count must be positive, got %d", c.WorkerCount)
	}
	if c.NumConcurrentComponents < 1 {
		return fmt.Errorf("num_concurrent_components must be positive, got %d", c.NumConcurrentComponents)
	}
	if c.ResolverAttempts < 1 {
		return fmt.Errorf("resolver_attempts must be positive, got %d", c.ResolverAttempts)
	}
	r := c.Reconciler
	for name, d := range map[string]time.Duration{
		"nudge_interval":           r.NudgeInterval,
		"nudge_threshold":          r.NudgeThreshold,
		"component_sweep_interval": r.ComponentSweepInterval,
		"resume_interval":          r.ResumeInterval,
		"resume_threshold":         r.ResumeThreshold,
		"repo_regen_interval":      r.RepoRegenInterval,
		"target_sweep_interval":    r.TargetSweepInterval,
		"target_retention":         r.TargetRetention,
		"failure_cleanup_interval": r.FailureCleanupInterval,
		"failure_retention":        r.FailureRetention,
		"stuck_interval":           r.StuckInterval,
		"stuck_limit":              r.StuckLimit,
		"tag_sync_interval":        r.TagSyncInterval,
		"tag_sync_threshold":       r.TagSyncThreshold,
		"gating_interval":          r.GatingInterval,
	} {
		if d <= 0 {
			return fmt.Errorf("reconciler.%s must be positive, got %v", name, d)
		}
	}
	return nil
}
