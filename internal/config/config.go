// Package config loads clichat's YAML configuration and holds the runtime
// snapshot shared by the server's components.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/ehrlich-b/clichat/internal/agent"
	"github.com/ehrlich-b/clichat/internal/logger"
	"github.com/ehrlich-b/clichat/internal/session"
)

// Config represents the application configuration
type Config struct {
	Server  ServerConfig  `yaml:"server"`
	Agent   AgentConfig   `yaml:"agent"`
	Chat    ChatConfig    `yaml:"chat"`
	Storage StorageConfig `yaml:"storage"`
	Auth    AuthConfig    `yaml:"auth"`
	Logging LoggingConfig `yaml:"logging"`
}

type ServerConfig struct {
	Addr    string `yaml:"addr"`
	BaseURL string `yaml:"base_url"`
	// Heartbeat is the SSE keepalive interval.
	Heartbeat   time.Duration `yaml:"heartbeat"`
	MaxUploadMB int64         `yaml:"max_upload_mb"`
}

type AgentConfig struct {
	Command     string   `yaml:"command"`
	Backend     string   `yaml:"backend"` // auto, native, threaded
	WorkDir     string   `yaml:"work_dir"`
	IncludeDirs []string `yaml:"include_dirs,omitempty"`
	Env         []string `yaml:"env,omitempty"`
	Yolo        bool     `yaml:"yolo"`
	// TranscriptsDir is where the agent CLI keeps its checkpoint files.
	TranscriptsDir string `yaml:"transcripts_dir"`
}

type ChatConfig struct {
	DefaultModel  string            `yaml:"default_model"`
	Fallbacks     map[string]string `yaml:"fallbacks"`
	DefaultTools  []string          `yaml:"default_tools"`
	TruncateLimit int               `yaml:"truncate_limit"`
	MaxAttempts   int               `yaml:"max_attempts"`
	// TreeModel drives the prompt builder's meta questions.
	TreeModel string `yaml:"tree_model"`
}

type StorageConfig struct {
	Backend      string `yaml:"backend"` // sqlite or file
	DataDir      string `yaml:"data_dir"`
	UploadsDir   string `yaml:"uploads_dir"`
	PromptsDir   string `yaml:"prompts_dir"`
	PatternsFile string `yaml:"patterns_file"`
}

type AuthConfig struct {
	UsersFile     string        `yaml:"users_file"`
	SecretFile    string        `yaml:"secret_file"`
	Secret        string        `yaml:"secret,omitempty"` // base64, usually via CLICHAT_JWT_SECRET
	TokenTTL      time.Duration `yaml:"token_ttl"`
	RPID          string        `yaml:"rp_id"`
	RPDisplayName string        `yaml:"rp_display_name"`
	Origins       []string      `yaml:"origins,omitempty"`
	LoginRate     float64       `yaml:"login_rate"`
	LoginBurst    int           `yaml:"login_burst"`
	ChatRate      float64       `yaml:"chat_rate"`
	ChatBurst     int           `yaml:"chat_burst"`
}

type LoggingConfig struct {
	Level string `yaml:"level"`
	File  string `yaml:"file"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Addr:        ":8080",
			BaseURL:     "http://localhost:8080",
			Heartbeat:   15 * time.Second,
			MaxUploadMB: 50,
		},
		Agent: AgentConfig{
			Command:        "gemini",
			Backend:        string(agent.BackendAuto),
			TranscriptsDir: "~/.gemini/tmp",
		},
		Chat: ChatConfig{
			DefaultModel: "gemini-2.5-pro",
			Fallbacks:    map[string]string{"gemini-2.5-pro": "gemini-2.5-flash"},
			DefaultTools: []string{
				"read_file", "list_directory", "glob", "search_file_content",
				"google_web_search", "web_fetch",
			},
			TruncateLimit: 20 * 1024,
			MaxAttempts:   2,
			TreeModel:     "gemini-2.5-flash",
		},
		Storage: StorageConfig{
			Backend: session.BackendSQLite,
			DataDir: DefaultDir(),
		},
		Auth: AuthConfig{
			TokenTTL:      30 * 24 * time.Hour,
			RPID:          "localhost",
			RPDisplayName: "clichat",
			LoginRate:     0.2,
			LoginBurst:    5,
			ChatRate:      1,
			ChatBurst:     10,
		},
		Logging: LoggingConfig{Level: "info"},
	}
}

// Load reads path over the defaults, applies CLICHAT_* environment
// overrides, resolves derived paths and validates. A missing file yields the
// defaults.
func Load(path string) (*Config, error) {
	cfg := Default()
	data, err := os.ReadFile(path)
	switch {
	case errors.Is(err, os.ErrNotExist):
	case err != nil:
		return nil, fmt.Errorf("failed to read config file: %w", err)
	default:
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(os.Getenv); err != nil {
		return nil, err
	}
	cfg.resolve()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func (c *Config) applyEnv(getenv func(string) string) error {
	str := map[string]*string{
		"CLICHAT_ADDR":          &c.Server.Addr,
		"CLICHAT_BASE_URL":      &c.Server.BaseURL,
		"CLICHAT_AGENT_COMMAND": &c.Agent.Command,
		"CLICHAT_BACKEND":       &c.Agent.Backend,
		"CLICHAT_WORK_DIR":      &c.Agent.WorkDir,
		"CLICHAT_MODEL":         &c.Chat.DefaultModel,
		"CLICHAT_STORAGE":       &c.Storage.Backend,
		"CLICHAT_DATA_DIR":      &c.Storage.DataDir,
		"CLICHAT_JWT_SECRET":    &c.Auth.Secret,
		"CLICHAT_LOG_LEVEL":     &c.Logging.Level,
	}
	for key, dst := range str {
		if v := getenv(key); v != "" {
			*dst = v
		}
	}
	if v := getenv("CLICHAT_YOLO"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("CLICHAT_YOLO: %w", err)
		}
		c.Agent.Yolo = b
	}
	return nil
}

// resolve expands ~ and fills file locations derived from the data dir.
func (c *Config) resolve() {
	c.Storage.DataDir = ExpandHome(c.Storage.DataDir)
	derive := func(p *string, name string) {
		if *p == "" {
			*p = filepath.Join(c.Storage.DataDir, name)
		}
		*p = ExpandHome(*p)
	}
	derive(&c.Storage.UploadsDir, "uploads")
	derive(&c.Storage.PromptsDir, "prompts")
	derive(&c.Storage.PatternsFile, "patterns.json")
	derive(&c.Auth.UsersFile, "users.json")
	derive(&c.Auth.SecretFile, "jwt.key")
	c.Agent.TranscriptsDir = ExpandHome(c.Agent.TranscriptsDir)
	c.Agent.WorkDir = ExpandHome(c.Agent.WorkDir)
	c.Logging.File = ExpandHome(c.Logging.File)
	if len(c.Auth.Origins) == 0 && c.Server.BaseURL != "" {
		c.Auth.Origins = []string{strings.TrimSuffix(c.Server.BaseURL, "/")}
	}
}

// Validate checks if the configuration is valid
func (c *Config) Validate() error {
	if c.Server.Addr == "" {
		return fmt.Errorf("server.addr is required")
	}
	if c.Server.Heartbeat <= 0 {
		return fmt.Errorf("server.heartbeat must be positive")
	}
	if c.Agent.Command == "" {
		return fmt.Errorf("agent.command is required")
	}
	if _, err := agent.ParseBackend(c.Agent.Backend); err != nil {
		return fmt.Errorf("agent.backend: %w", err)
	}
	if c.Chat.DefaultModel == "" {
		return fmt.Errorf("chat.default_model is required")
	}
	if c.Chat.MaxAttempts < 1 {
		return fmt.Errorf("chat.max_attempts must be at least 1")
	}
	if c.Chat.TruncateLimit < 1 {
		return fmt.Errorf("chat.truncate_limit must be positive")
	}
	switch c.Storage.Backend {
	case session.BackendSQLite, session.BackendFile:
	default:
		return fmt.Errorf("storage.backend must be %q or %q", session.BackendSQLite, session.BackendFile)
	}
	if c.Storage.DataDir == "" {
		return fmt.Errorf("storage.data_dir is required")
	}
	if c.Auth.TokenTTL <= 0 {
		return fmt.Errorf("auth.token_ttl must be positive")
	}
	if c.Auth.RPID == "" {
		return fmt.Errorf("auth.rp_id is required")
	}
	if _, ok := logger.ParseLevel(c.Logging.Level); !ok {
		return fmt.Errorf("logging.level must be debug, info, warn or error")
	}
	return nil
}
