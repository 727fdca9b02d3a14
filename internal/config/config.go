// Package config handles configuration loading and management for crewctl.
// It supports XDG config paths, project-level overrides, and environment
// variables.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/shayc/crewctl/internal/merge"
)

// Config holds all configuration for a crewctl team run.
type Config struct {
	Provider ProviderConfig `mapstructure:"provider"`
	Team     TeamConfig     `mapstructure:"team"`
	Store    StoreConfig    `mapstructure:"store"`
	TUI      TUIConfig      `mapstructure:"tui"`
}

// ProviderConfig holds the AI provider settings shared by the lead and its
// agents.
type ProviderConfig struct {
	Command    string            `mapstructure:"command"`
	Args       []string          `mapstructure:"args"`
	Delivery   string            `mapstructure:"delivery"`
	StreamJSON bool              `mapstructure:"stream_json"`
	Env        map[string]string `mapstructure:"env"`

	InProcess bool   `mapstructure:"in_process"`
	Model     string `mapstructure:"model"`
	APIKey    string `mapstructure:"api_key"`

	HeartbeatInterval time.Duration `mapstructure:"heartbeat_interval"`
}

// TeamConfig holds per-run team settings.
type TeamConfig struct {
	TargetBranch        string        `mapstructure:"target_branch"`
	MaxAgents           int           `mapstructure:"max_agents"`
	RequirePlanApproval bool          `mapstructure:"require_plan_approval"`
	DelegateMode        bool          `mapstructure:"delegate_mode"`
	MergeStrategy       string        `mapstructure:"merge_strategy"`
	StaleClaimTimeout   time.Duration `mapstructure:"stale_claim_timeout"`
}

// StoreConfig locates the task store and agent mailboxes for a run.
type StoreConfig struct {
	RootDir     string `mapstructure:"root_dir"`
	WorktreeDir string `mapstructure:"worktree_dir"`
}

// TUIConfig holds TUI display settings.
type TUIConfig struct {
	RefreshRate time.Duration `mapstructure:"refresh_rate"`
}

// MergeStrategy resolves Team.MergeStrategy to a merge.Strategy, defaulting
// to rebase-then-merge for an unset or unrecognized value.
func (c *Config) MergeStrategy() merge.Strategy {
	switch merge.Strategy(c.Team.MergeStrategy) {
	case merge.StrategyMergeDirect:
		return merge.StrategyMergeDirect
	case merge.StrategySequential:
		return merge.StrategySequential
	default:
		return merge.StrategyRebaseThenMerge
	}
}

// Load loads configuration from XDG paths, project overrides, and
// environment variables. Precedence (highest to lowest):
//  1. Environment variables (CREWCTL_PROVIDER_API_KEY, etc.)
//  2. Project config (.crewctl.yaml in the current directory or a parent)
//  3. User config (~/.config/crewctl/config.yaml)
//  4. Built-in defaults
func Load() (*Config, error) {
	v := viper.New()
	setDefaults(v)

	userConfigDir := getUserConfigDir()
	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(userConfigDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("reading user config: %w", err)
		}
	}

	if projectConfig := findProjectConfig(); projectConfig != "" {
		projectViper := viper.New()
		projectViper.SetConfigFile(projectConfig)
		if err := projectViper.ReadInConfig(); err == nil {
			if err := v.MergeConfigMap(projectViper.AllSettings()); err != nil {
				return nil, fmt.Errorf("merging project config: %w", err)
			}
		}
	}

	v.SetEnvPrefix("crewctl")
	v.AutomaticEnv()
	v.BindEnv("provider.api_key", "CREWCTL_PROVIDER_API_KEY")
	v.BindEnv("provider.command", "CREWCTL_PROVIDER_COMMAND")

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	return cfg, nil
}

// LoadFromPath loads configuration from a specific path (for testing).
func LoadFromPath(path string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetConfigFile(path)
	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("reading config from %s: %w", path, err)
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling %s: %w", path, err)
	}

	cfg.Provider.APIKey = os.ExpandEnv(cfg.Provider.APIKey)
	return cfg, nil
}

// Save writes cfg to the user config file.
func Save(cfg *Config) error {
	userConfigDir := getUserConfigDir()
	if err := os.MkdirAll(userConfigDir, 0o700); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	v := viper.New()
	v.SetConfigFile(filepath.Join(userConfigDir, "config.yaml"))

	v.Set("provider.command", cfg.Provider.Command)
	v.Set("provider.args", cfg.Provider.Args)
	v.Set("provider.delivery", cfg.Provider.Delivery)
	v.Set("provider.stream_json", cfg.Provider.StreamJSON)
	v.Set("provider.in_process", cfg.Provider.InProcess)
	v.Set("provider.model", cfg.Provider.Model)
	v.Set("provider.api_key", cfg.Provider.APIKey)
	v.Set("provider.heartbeat_interval", cfg.Provider.HeartbeatInterval.String())
	v.Set("team.target_branch", cfg.Team.TargetBranch)
	v.Set("team.max_agents", cfg.Team.MaxAgents)
	v.Set("team.require_plan_approval", cfg.Team.RequirePlanApproval)
	v.Set("team.delegate_mode", cfg.Team.DelegateMode)
	v.Set("team.merge_strategy", cfg.Team.MergeStrategy)
	v.Set("team.stale_claim_timeout", cfg.Team.StaleClaimTimeout.String())
	v.Set("store.root_dir", cfg.Store.RootDir)
	v.Set("store.worktree_dir", cfg.Store.WorktreeDir)
	v.Set("tui.refresh_rate", cfg.TUI.RefreshRate.String())

	return v.WriteConfig()
}

// GetUserConfigPath returns the path to the user config file.
func GetUserConfigPath() string {
	return filepath.Join(getUserConfigDir(), "config.yaml")
}

// GetProjectConfigPath returns the path to the project config file, if any.
func GetProjectConfigPath() string {
	return findProjectConfig()
}

// Default returns a Config populated with built-in defaults.
func Default() *Config {
	return &Config{
		Provider: ProviderConfig{
			Delivery:          "stdin",
			HeartbeatInterval: 30 * time.Second,
		},
		Team: TeamConfig{
			TargetBranch:      "main",
			MaxAgents:         3,
			MergeStrategy:     string(merge.StrategyRebaseThenMerge),
			StaleClaimTimeout: 5 * time.Minute,
		},
		Store: StoreConfig{
			RootDir:     ".crewctl",
			WorktreeDir: filepath.Join(".crewctl", "worktrees"),
		},
		TUI: TUIConfig{
			RefreshRate: 250 * time.Millisecond,
		},
	}
}

func setDefaults(v *viper.Viper) {
	d := Default()

	v.SetDefault("provider.delivery", d.Provider.Delivery)
	v.SetDefault("provider.heartbeat_interval", d.Provider.HeartbeatInterval.String())

	v.SetDefault("team.target_branch", d.Team.TargetBranch)
	v.SetDefault("team.max_agents", d.Team.MaxAgents)
	v.SetDefault("team.merge_strategy", d.Team.MergeStrategy)
	v.SetDefault("team.stale_claim_timeout", d.Team.StaleClaimTimeout.String())

	v.SetDefault("store.root_dir", d.Store.RootDir)
	v.SetDefault("store.worktree_dir", d.Store.WorktreeDir)

	v.SetDefault("tui.refresh_rate", d.TUI.RefreshRate.String())
}

// getUserConfigDir returns the XDG config directory for crewctl.
func getUserConfigDir() string {
	if xdgConfig := os.Getenv("XDG_CONFIG_HOME"); xdgConfig != "" {
		return filepath.Join(xdgConfig, "crewctl")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return filepath.Join(".", ".config", "crewctl")
	}
	return filepath.Join(home, ".config", "crewctl")
}

// findProjectConfig searches for .crewctl.yaml in the current directory and
// its parents.
func findProjectConfig() string {
	cwd, err := os.Getwd()
	if err != nil {
		return ""
	}

	for {
		configPath := filepath.Join(cwd, ".crewctl.yaml")
		if _, err := os.Stat(configPath); err == nil {
			return configPath
		}

		parent := filepath.Dir(cwd)
		if parent == cwd {
			break
		}
		cwd = parent
	}

	return ""
}
