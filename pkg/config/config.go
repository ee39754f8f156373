// Package config loads the treeline YAML configuration file.
package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/goccy/go-yaml"
)

// File is the YAML structure of the config file.
type File struct {
	// SessionsDir overrides where session logs are stored.
	// Defaults to $XDG_CONFIG_HOME/treeline/sessions.
	SessionsDir string `yaml:"sessions_dir"`

	// Model ID used for summarization calls (e.g. "claude-sonnet-4-5",
	// or "bedrock:..." to route through AWS credentials).
	Model string `yaml:"model"`

	// APIKey can be a literal key or "${ENV_VAR}" to read from environment.
	APIKey string `yaml:"api_key"`

	// Region is used for Bedrock-addressed models (e.g. "us-east-1").
	// Defaults to AWS_DEFAULT_REGION / ~/.aws/config.
	Region string `yaml:"region"`

	// Profile is the AWS profile name for Bedrock authentication.
	Profile string `yaml:"profile"`

	// Compaction controls automatic context compaction.
	Compaction CompactionConfig `yaml:"compaction"`

	// Hooks lists external hook executables to run at startup.
	Hooks []HookConfig `yaml:"hooks"`
}

// CompactionConfig mirrors compact.Config with YAML tags.
type CompactionConfig struct {
	Enabled          bool `yaml:"enabled"`
	ContextWindow    int  `yaml:"context_window"`
	ReserveTokens    int  `yaml:"reserve_tokens"`
	KeepRecentTokens int  `yaml:"keep_recent_tokens"`
}

// HookConfig describes a single external hook subprocess.
type HookConfig struct {
	// Name identifies the hook in logs.
	Name string `yaml:"name"`
	// Command is the path to the executable.
	Command string `yaml:"command"`
	// Args are extra CLI arguments passed to the hook process.
	Args []string `yaml:"args"`
}

// Load reads and parses a YAML config file, expanding ${ENV_VAR}
// references in string values.
func Load(path string) (*File, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	// Expand environment variables in the raw YAML before parsing.
	expanded := os.ExpandEnv(string(data))

	var cfg File
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	if err := validate(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

func validate(cfg *File) error {
	cfg.Model = strings.TrimSpace(cfg.Model)
	if cfg.Compaction.Enabled && cfg.Model == "" {
		return fmt.Errorf("config: model is required when compaction is enabled")
	}
	for i, h := range cfg.Hooks {
		if h.Command == "" {
			return fmt.Errorf("config: hooks[%d]: command is required", i)
		}
	}
	return nil
}
