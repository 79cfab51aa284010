package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"go.uber.org/multierr"
	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr           = ":5000"
	DefaultDatabasePath   = "chat_history.db"
	DefaultTimeout        = 60 * time.Second
	DefaultAttachmentSize = 10 << 20
)

type Config struct {
	Server          ServerConfig     `yaml:"server"`
	Database        DatabaseConfig   `yaml:"database"`
	History         HistoryConfig    `yaml:"history"`
	Attachments     AttachmentConfig `yaml:"attachments"`
	DefaultProvider string           `yaml:"default_provider"`
	Providers       []ProviderConfig `yaml:"providers"`
}

type ServerConfig struct {
	Addr      string `yaml:"addr"`
	StaticDir string `yaml:"static_dir"`
}

type DatabaseConfig struct {
	Path string `yaml:"path"`
}

type HistoryConfig struct {
	MaxChars         int      `yaml:"max_chars"`
	ScratchpadTags   []string `yaml:"scratchpad_tags"`
	SkipErrorReplies bool     `yaml:"skip_error_replies"`
	TokenEncoding    string   `yaml:"token_encoding"`
}

type AttachmentConfig struct {
	MaxBytes int64 `yaml:"max_bytes"`
}

// ProviderConfig describes one selectable upstream. Which fields matter
// depends on Kind.
type ProviderConfig struct {
	Name         string `yaml:"name"`
	Kind         string `yaml:"kind"`
	Timeout      string `yaml:"timeout"`
	SystemPrompt string `yaml:"system_prompt"`

	// openai, ollama
	BaseURL string `yaml:"base_url"`
	APIKey  string `yaml:"api_key"`
	Model   string `yaml:"model"`

	// jsonlines
	URL             string            `yaml:"url"`
	Headers         map[string]string `yaml:"headers"`
	PayloadTemplate map[string]any    `yaml:"payload_template"`
	PromptField     string            `yaml:"prompt_field"` // comma separated when the prompt goes in several places
	HistoryField    string            `yaml:"history_field"`
	ContentField    string            `yaml:"content_field"`
	Handshake       *HandshakeConfig  `yaml:"handshake"`
}

type HandshakeConfig struct {
	URL          string `yaml:"url"`
	Method       string `yaml:"method"`
	TokenField   string `yaml:"token_field"`
	TokenHeader  string `yaml:"token_header"`
	PayloadField string `yaml:"payload_field"`
}

// TimeoutDuration parses Timeout, falling back to DefaultTimeout.
func (p ProviderConfig) TimeoutDuration() time.Duration {
	timeout, _ := time.ParseDuration(p.Timeout)
	if timeout <= 0 {
		return DefaultTimeout
	}
	return timeout
}

// Default mirrors the stock local setup: one OpenAI-compatible endpoint
// served by Ollama.
func Default() *Config {
	return &Config{
		Server:      ServerConfig{Addr: DefaultAddr},
		Database:    DatabaseConfig{Path: DefaultDatabasePath},
		Attachments: AttachmentConfig{MaxBytes: DefaultAttachmentSize},
		Providers: []ProviderConfig{{
			Name:    "llama3.1:8b",
			Kind:    "openai",
			BaseURL: "http://localhost:11434/v1/",
			APIKey:  os.Getenv("OPENAI_API_KEY"),
			Model:   "llama3.1:8b",
		}},
		DefaultProvider: "llama3.1:8b",
	}
}

// Load reads a YAML config file. An empty path or a missing file yields Default().
func Load(path string) (*Config, error) {
	if path == "" {
		return finish(Default())
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return finish(Default())
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config %s: %w", path, err)
	}
	expandEnvVars(cfg)
	return finish(cfg)
}

func finish(cfg *Config) (*Config, error) {
	applyDefaults(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Addr == "" {
		cfg.Server.Addr = DefaultAddr
	}
	// PORT is what most PaaS hosts hand us.
	if port := os.Getenv("PORT"); port != "" {
		if _, err := strconv.Atoi(port); err == nil {
			host := cfg.Server.Addr
			if i := strings.LastIndex(host, ":"); i >= 0 {
				host = host[:i]
			}
			cfg.Server.Addr = host + ":" + port
		}
	}
	if cfg.Database.Path == "" {
		cfg.Database.Path = DefaultDatabasePath
	}
	if cfg.Attachments.MaxBytes <= 0 {
		cfg.Attachments.MaxBytes = DefaultAttachmentSize
	}
	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		if p.Kind == "jsonlines" {
			if p.ContentField == "" {
				p.ContentField = "content"
			}
			if p.Handshake != nil && p.Handshake.Method == "" {
				p.Handshake.Method = "POST"
			}
		}
	}
}

// Validate reports every problem at once.
func (c *Config) Validate() error {
	var err error
	if len(c.Providers) == 0 {
		err = multierr.Append(err, errors.New("at least one provider is required"))
	}
	if c.History.MaxChars < 0 {
		err = multierr.Append(err, errors.New("history.max_chars must not be negative"))
	}

	seen := make(map[string]bool, len(c.Providers))
	for i, p := range c.Providers {
		if p.Name == "" {
			err = multierr.Append(err, fmt.Errorf("providers[%d]: name is required", i))
			continue
		}
		if seen[p.Name] {
			err = multierr.Append(err, fmt.Errorf("providers[%d]: duplicate name %q", i, p.Name))
		}
		seen[p.Name] = true

		if p.Timeout != "" {
			if _, perr := time.ParseDuration(p.Timeout); perr != nil {
				err = multierr.Append(err, fmt.Errorf("provider %q: invalid timeout: %w", p.Name, perr))
			}
		}

		switch p.Kind {
		case "openai", "ollama":
			if p.BaseURL == "" {
				err = multierr.Append(err, fmt.Errorf("provider %q: base_url is required", p.Name))
			}
			if p.Model == "" {
				err = multierr.Append(err, fmt.Errorf("provider %q: model is required", p.Name))
			}
		case "jsonlines":
			if p.URL == "" {
				err = multierr.Append(err, fmt.Errorf("provider %q: url is required", p.Name))
			}
			if p.PromptField == "" {
				err = multierr.Append(err, fmt.Errorf("provider %q: prompt_field is required", p.Name))
			}
			if p.Handshake != nil && p.Handshake.URL == "" {
				err = multierr.Append(err, fmt.Errorf("provider %q: handshake.url is required", p.Name))
			}
		default:
			err = multierr.Append(err, fmt.Errorf("provider %q: unknown kind %q", p.Name, p.Kind))
		}
	}

	if c.DefaultProvider != "" && !seen[c.DefaultProvider] {
		err = multierr.Append(err, fmt.Errorf("default_provider %q is not a configured provider", c.DefaultProvider))
	}
	return err
}

func expandEnvVars(cfg *Config) {
	cfg.Server.Addr = expandEnv(cfg.Server.Addr)
	cfg.Server.StaticDir = expandEnv(cfg.Server.StaticDir)
	cfg.Database.Path = expandEnv(cfg.Database.Path)
	cfg.DefaultProvider = expandEnv(cfg.DefaultProvider)

	for i := range cfg.Providers {
		p := &cfg.Providers[i]
		p.BaseURL = expandEnv(p.BaseURL)
		p.APIKey = expandEnv(p.APIKey)
		p.Model = expandEnv(p.Model)
		p.URL = expandEnv(p.URL)
		for k, v := range p.Headers {
			p.Headers[k] = expandEnv(v)
		}
		if p.Handshake != nil {
			p.Handshake.URL = expandEnv(p.Handshake.URL)
		}
	}
}

// expandEnv expands ${VAR} and ${VAR:-default}.
func expandEnv(s string) string {
	if !strings.Contains(s, "${") {
		return s
	}
	return os.Expand(s, func(key string) string {
		parts := strings.SplitN(key, ":-", 2)
		value := os.Getenv(parts[0])
		if value == "" && len(parts) > 1 {
			return parts[1]
		}
		return value
	})
}
