package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/dvelop42/cocode/log"
)

const (
	ConfigFileName = "config.json"
	StateFileName  = "state.json"
	configDirName  = ".cocode"
)

// Limits enforced by Validate.
const (
	MinConcurrentAgents = 1
	MaxConcurrentAgents = 20
	MinAgentTimeout     = 1
	MaxAgentTimeout     = 3600
)

// GetConfigDir returns the path to the application's configuration directory.
// COCODE_CONFIG_DIR overrides the default of ~/.cocode.
func GetConfigDir() (string, error) {
	if dir := os.Getenv("COCODE_CONFIG_DIR"); dir != "" {
		return dir, nil
	}
	homeDir, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config home directory: %w", err)
	}
	return filepath.Join(homeDir, configDirName), nil
}

// RepoConfigDir returns the per-repository configuration directory.
func RepoConfigDir(repoPath string) string {
	return filepath.Join(repoPath, configDirName)
}

// WatcherConfig tunes ready-marker polling.
type WatcherConfig struct {
	InitialDelayMs int     `json:"initial_delay_ms" yaml:"initial_delay_ms"`
	MaxDelayMs     int     `json:"max_delay_ms" yaml:"max_delay_ms"`
	BackoffFactor  float64 `json:"backoff_factor" yaml:"backoff_factor"`
}

// AgentConfig declares a custom agent backed by an arbitrary command.
type AgentConfig struct {
	// Name identifies the agent on the command line
	Name string `json:"name" yaml:"name"`
	// Command is the executable, resolved through PATH
	Command string `json:"command" yaml:"command"`
	// Args are passed to Command unchanged
	Args []string `json:"args,omitempty" yaml:"args,omitempty"`
	// Env is added to the agent environment
	Env map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// Config represents the application configuration
type Config struct {
	// MaxConcurrentAgents caps how many agents run at once
	MaxConcurrentAgents int `json:"max_concurrent_agents" yaml:"max_concurrent_agents"`
	// AgentTimeoutSeconds bounds a single agent run
	AgentTimeoutSeconds int `json:"agent_timeout_seconds" yaml:"agent_timeout_seconds"`
	// ReadyMarker is the commit message fragment that signals completion
	ReadyMarker string `json:"ready_marker" yaml:"ready_marker"`
	// BaseBranch is what agent branches start from. Empty means the remote default.
	BaseBranch string `json:"base_branch" yaml:"base_branch"`
	// OutputBufferLines is how many recent output lines are kept per agent
	OutputBufferLines int `json:"output_buffer_lines" yaml:"output_buffer_lines"`
	// KeepWorktrees leaves agent worktrees in place after a run
	KeepWorktrees bool `json:"keep_worktrees" yaml:"keep_worktrees"`
	// DefaultAgents are used when `cocode run` is given no --agent flags
	DefaultAgents []string `json:"default_agents" yaml:"default_agents"`
	// Watcher configures completion polling
	Watcher WatcherConfig `json:"watcher" yaml:"watcher"`
	// Agents declares additional command-based agents
	Agents []AgentConfig `json:"agents,omitempty" yaml:"agents,omitempty"`
}

// DefaultConfig returns the default configuration
func DefaultConfig() *Config {
	return &Config{
		MaxConcurrentAgents: 5,
		AgentTimeoutSeconds: 900,
		ReadyMarker:         "cocode ready for check",
		OutputBufferLines:   1000,
		DefaultAgents:       []string{"claude-code"},
		Watcher: WatcherConfig{
			InitialDelayMs: 500,
			MaxDelayMs:     5000,
			BackoffFactor:  1.5,
		},
	}
}

// Validate reports the first out-of-range setting.
func (c *Config) Validate() error {
	if c.MaxConcurrentAgents < MinConcurrentAgents || c.MaxConcurrentAgents > MaxConcurrentAgents {
		return fmt.Errorf("max_concurrent_agents must be between %d and %d, got %d",
			MinConcurrentAgents, MaxConcurrentAgents, c.MaxConcurrentAgents)
	}
	if c.AgentTimeoutSeconds < MinAgentTimeout || c.AgentTimeoutSeconds > MaxAgentTimeout {
		return fmt.Errorf("agent_timeout_seconds must be between %d and %d, got %d",
			MinAgentTimeout, MaxAgentTimeout, c.AgentTimeoutSeconds)
	}
	if c.ReadyMarker == "" {
		return fmt.Errorf("ready_marker cannot be empty")
	}
	if c.OutputBufferLines < 1 {
		return fmt.Errorf("output_buffer_lines must be positive, got %d", c.OutputBufferLines)
	}
	if c.Watcher.InitialDelayMs <= 0 || c.Watcher.MaxDelayMs < c.Watcher.InitialDelayMs {
		return fmt.Errorf("watcher delays must satisfy 0 < initial_delay_ms <= max_delay_ms")
	}
	if c.Watcher.BackoffFactor < 1 {
		return fmt.Errorf("watcher backoff_factor must be at least 1, got %v", c.Watcher.BackoffFactor)
	}
	seen := make(map[string]bool)
	for _, a := range c.Agents {
		if a.Name == "" || a.Command == "" {
			return fmt.Errorf("custom agents need both name and command")
		}
		if seen[a.Name] {
			return fmt.Errorf("custom agent %q declared twice", a.Name)
		}
		seen[a.Name] = true
	}
	return nil
}

// AgentTimeout returns the per-agent timeout as a duration.
func (c *Config) AgentTimeout() time.Duration {
	return time.Duration(c.AgentTimeoutSeconds) * time.Second
}

// LoadConfig loads the global configuration. If it cannot be done, we return the default configuration.
func LoadConfig() *Config {
	configDir, err := GetConfigDir()
	if err != nil {
		log.ErrorLog.Printf("failed to get config directory: %v", err)
		return DefaultConfig()
	}

	configPath := filepath.Join(configDir, ConfigFileName)
	cfg := DefaultConfig()
	if err := overlayFile(cfg, configPath); err != nil {
		if os.IsNotExist(err) {
			if saveErr := saveConfig(cfg, configPath); saveErr != nil {
				log.WarningLog.Printf("failed to save default config: %v", saveErr)
			}
			return cfg
		}
		log.ErrorLog.Printf("failed to load config file %s: %v", configPath, err)
		return DefaultConfig()
	}
	return checked(cfg, configPath)
}

// LoadRepoConfig returns the global configuration with the repository's
// .cocode/config.json applied on top. Only fields present in the repository
// file override.
func LoadRepoConfig(repoPath string) *Config {
	cfg := LoadConfig()
	repoFile := filepath.Join(RepoConfigDir(repoPath), ConfigFileName)
	if err := overlayFile(cfg, repoFile); err != nil {
		if !os.IsNotExist(err) {
			log.ErrorLog.Printf("failed to load repository config %s: %v", repoFile, err)
		}
		return cfg
	}
	return checked(cfg, repoFile)
}

func overlayFile(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return fmt.Errorf("failed to parse config file: %w", err)
	}
	return nil
}

func checked(cfg *Config, source string) *Config {
	if err := cfg.Validate(); err != nil {
		log.ErrorLog.Printf("invalid config in %s, using defaults: %v", source, err)
		return DefaultConfig()
	}
	return cfg
}

// saveConfig saves the configuration to disk
func saveConfig(config *Config, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := json.MarshalIndent(config, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	return atomicWriteFile(path, data, 0644)
}

// SaveConfig writes config as the global configuration.
func SaveConfig(config *Config) error {
	configDir, err := GetConfigDir()
	if err != nil {
		return fmt.Errorf("failed to get config directory: %w", err)
	}
	return saveConfig(config, filepath.Join(configDir, ConfigFileName))
}

// SaveRepoConfig writes config as the repository configuration.
func SaveRepoConfig(repoPath string, config *Config) error {
	return saveConfig(config, filepath.Join(RepoConfigDir(repoPath), ConfigFileName))
}
