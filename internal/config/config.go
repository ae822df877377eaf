// Package config loads daemon settings from a YAML file with
// ROVOT_-prefixed environment overrides.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// SecurityMode selects the isolation tier for the exec tool.
type SecurityMode string

const (
	// SecurityWorkspace confines tools to the workspace on the host.
	SecurityWorkspace SecurityMode = "workspace"
	// SecurityContainer runs exec commands in a network-less container.
	SecurityContainer SecurityMode = "container"
)

// EmailSettings configures the IMAP/SMTP connector. The tools refuse to
// run until ConsentGranted is set.
type EmailSettings struct {
	ConsentGranted bool   `yaml:"consent_granted"`
	Username       string `yaml:"username"`
	IMAPHost       string `yaml:"imap_host"`
	IMAPPort       int    `yaml:"imap_port"`
	SMTPHost       string `yaml:"smtp_host"`
	SMTPPort       int    `yaml:"smtp_port"`
	SMTPFrom       string `yaml:"smtp_from"`
}

// Settings holds the full daemon configuration.
type Settings struct {
	// WorkspaceDir is the only directory filesystem tools may touch.
	WorkspaceDir string `yaml:"workspace_dir"`
	// DataDir holds sessions, approvals, audit log, and the auth token.
	DataDir string `yaml:"data_dir"`

	Host string `yaml:"host"`
	Port int    `yaml:"port"`

	SecurityMode SecurityMode `yaml:"security_mode"`

	// ModelEndpoint is an OpenAI-compatible base URL.
	ModelEndpoint string `yaml:"model_endpoint"`
	ModelAPIKey   string `yaml:"model_api_key"`
	ModelName     string `yaml:"model_name"`
	// ModelTimeout bounds a single chat-completion call.
	ModelTimeout time.Duration `yaml:"model_timeout"`

	SystemPrompt  string `yaml:"system_prompt"`
	MaxIterations int    `yaml:"max_iterations"`

	// AllowedDomains restricts web.fetch targets when non-empty.
	AllowedDomains []string `yaml:"allowed_domains"`

	Email EmailSettings `yaml:"email"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`
}

// Default returns settings with all defaults applied.
func Default() *Settings {
	home, _ := os.UserHomeDir()
	return &Settings{
		WorkspaceDir:  filepath.Join(home, "rovot-workspace"),
		DataDir:       filepath.Join(home, ".rovot"),
		Host:          "127.0.0.1",
		Port:          18789,
		SecurityMode:  SecurityWorkspace,
		ModelEndpoint: "http://localhost:1234/v1",
		ModelTimeout:  120 * time.Second,
		SystemPrompt:  "You are Rovot, a helpful local-first AI assistant.",
		MaxIterations: 25,
		Email:         EmailSettings{IMAPPort: 993, SMTPPort: 587},
		LogLevel:      "info",
		LogFormat:     "text",
	}
}

// Load reads settings from path (missing file is fine), layers
// environment overrides on top, and validates the result. A .env file in
// the working directory is honored before the environment is read.
func Load(path string) (*Settings, error) {
	_ = godotenv.Load()

	s := Default()
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case os.IsNotExist(err):
			// defaults + env only
		case err != nil:
			return nil, fmt.Errorf("read config: %w", err)
		default:
			if err := yaml.Unmarshal(data, s); err != nil {
				return nil, fmt.Errorf("parse config: %w", err)
			}
		}
	}

	applyEnv(s)

	if err := s.Validate(); err != nil {
		return nil, err
	}
	return s, nil
}

// Validate checks invariants that would otherwise surface as confusing
// runtime failures.
func (s *Settings) Validate() error {
	if s.WorkspaceDir == "" {
		return fmt.Errorf("workspace_dir is required")
	}
	if s.DataDir == "" {
		return fmt.Errorf("data_dir is required")
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("port %d out of range", s.Port)
	}
	switch s.SecurityMode {
	case SecurityWorkspace, SecurityContainer:
	default:
		return fmt.Errorf("unknown security_mode %q", s.SecurityMode)
	}
	if s.MaxIterations <= 0 {
		return fmt.Errorf("max_iterations must be positive")
	}
	return nil
}

func applyEnv(s *Settings) {
	setStr := func(key string, dst *string) {
		if v := os.Getenv("ROVOT_" + key); v != "" {
			*dst = v
		}
	}
	setInt := func(key string, dst *int) {
		if v := os.Getenv("ROVOT_" + key); v != "" {
			if n, err := strconv.Atoi(v); err == nil {
				*dst = n
			}
		}
	}

	setStr("WORKSPACE_DIR", &s.WorkspaceDir)
	setStr("DATA_DIR", &s.DataDir)
	setStr("HOST", &s.Host)
	setStr("MODEL_ENDPOINT", &s.ModelEndpoint)
	setStr("MODEL_API_KEY", &s.ModelAPIKey)
	setStr("MODEL_NAME", &s.ModelName)
	setStr("SYSTEM_PROMPT", &s.SystemPrompt)
	setStr("LOG_LEVEL", &s.LogLevel)
	setStr("LOG_FORMAT", &s.LogFormat)

	setInt("PORT", &s.Port)
	setInt("MAX_ITERATIONS", &s.MaxIterations)

	if v := os.Getenv("ROVOT_SECURITY_MODE"); v != "" {
		s.SecurityMode = SecurityMode(v)
	}
	if v := os.Getenv("ROVOT_MODEL_TIMEOUT"); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			s.ModelTimeout = d
		}
	}
	if v := os.Getenv("ROVOT_ALLOWED_DOMAINS"); v != "" {
		var domains []string
		for _, d := range strings.Split(v, ",") {
			if d = strings.TrimSpace(d); d != "" {
				domains = append(domains, d)
			}
		}
		s.AllowedDomains = domains
	}

	if v := os.Getenv("ROVOT_EMAIL_CONSENT_GRANTED"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			s.Email.ConsentGranted = b
		}
	}
	setStr("EMAIL_USERNAME", &s.Email.Username)
	setStr("EMAIL_IMAP_HOST", &s.Email.IMAPHost)
	setStr("EMAIL_SMTP_HOST", &s.Email.SMTPHost)
	setStr("EMAIL_SMTP_FROM", &s.Email.SMTPFrom)
	setInt("EMAIL_IMAP_PORT", &s.Email.IMAPPort)
	setInt("EMAIL_SMTP_PORT", &s.Email.SMTPPort)
}
