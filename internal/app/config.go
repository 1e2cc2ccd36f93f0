package app

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// Backend selectors accepted in the config.
const (
	BackendCLI  = "cli"
	BackendHTTP = "http"
	BackendMock = "mock"
)

// Config is the persisted application settings. The file on disk is JSON;
// it is parsed with the YAML reader since YAML is a superset, which keeps
// hand-edited files with comments or trailing commas loadable.
type Config struct {
	Backend      string `yaml:"backend" json:"backend"`
	CLIBinary    string `yaml:"cli_binary" json:"cli_binary"`
	Model        string `yaml:"model" json:"model"`
	ApprovalMode string `yaml:"approval_mode" json:"approval_mode"`
	APIKey       string `yaml:"api_key" json:"api_key"`
	BaseURL      string `yaml:"base_url" json:"base_url"`
	ResponseMode string `yaml:"response_mode" json:"response_mode"`

	// MaxMessagesBeforeCompact triggers the compaction hint in the UI once a
	// session grows past it.
	MaxMessagesBeforeCompact int `yaml:"max_messages_before_compact" json:"max_messages_before_compact"`

	DataDir string `yaml:"data_dir" json:"data_dir"`
}

func DefaultConfig() Config {
	return Config{
		Backend:                  BackendCLI,
		CLIBinary:                "gemini",
		Model:                    "gemini-2.5-pro",
		ApprovalMode:             "default",
		ResponseMode:             "stream",
		MaxMessagesBeforeCompact: 40,
	}
}

func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()
	if path == "" {
		path = DefaultConfigPath()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			applyEnv(&cfg)
			return cfg, nil
		}
		return cfg, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("parse %s: %w", path, err)
	}
	applyEnv(&cfg)

	if cfg.Backend == "" {
		cfg.Backend = BackendCLI
	}
	if cfg.CLIBinary == "" {
		cfg.CLIBinary = "gemini"
	}
	if cfg.Model == "" {
		cfg.Model = "gemini-2.5-pro"
	}
	if cfg.ResponseMode != "sync" {
		cfg.ResponseMode = "stream"
	}
	if cfg.MaxMessagesBeforeCompact <= 0 {
		cfg.MaxMessagesBeforeCompact = 40
	}
	return cfg, nil
}

// applyEnv lets the environment supply secrets so they stay out of the
// config file.
func applyEnv(cfg *Config) {
	if v := os.Getenv("GEMINIGUI_API_KEY"); v != "" {
		cfg.APIKey = v
	}
	if v := os.Getenv("GEMINIGUI_BASE_URL"); v != "" {
		cfg.BaseURL = v
	}
	if v := os.Getenv("GEMINIGUI_MODEL"); v != "" {
		cfg.Model = v
	}
}

func SaveConfig(cfg Config, path string) error {
	if path == "" {
		path = DefaultConfigPath()
	}
	if path == "" {
		return errors.New("no config path available")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(cfg, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func DefaultConfigPath() string {
	base, err := os.UserConfigDir()
	if err != nil {
		return ""
	}
	return filepath.Join(base, "geminigui", "config.json")
}
