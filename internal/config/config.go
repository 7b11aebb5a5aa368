// Package config loads and validates the daemon configuration file and the
// secrets files referenced by it. Workflow files are handled separately by
// internal/workflow; this package covers the daemon side: data layout,
// queue sizing, listeners, notification broker, and the project roster.
package config

import (
	"fmt"
	"io"
	"os"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

// DefaultPath is where the daemon command looks for its configuration.
const DefaultPath = "conveyor.daemon.yml"

// Config is the daemon configuration document.
type Config struct {
	// DataDir is the root for everything the daemon persists: run
	// workspaces, the artifact store, the run event database, summaries.
	DataDir string `yaml:"data_dir"`

	Queue     QueueConfig     `yaml:"queue"`
	Server    ServerConfig    `yaml:"server"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	NATS      NATSConfig      `yaml:"nats"`
	Retention RetentionConfig `yaml:"retention"`
	Defaults  DefaultsConfig  `yaml:"defaults"`
	Projects  []ProjectConfig `yaml:"projects"`
}

// QueueConfig sizes the run queue.
type QueueConfig struct {
	Size    int `yaml:"size"`    // queued runs per priority lane
	Workers int `yaml:"workers"` // concurrent runs
}

// ServerConfig configures the combined API and webhook listener.
type ServerConfig struct {
	Listen      string `yaml:"listen"`
	MaxConns    int    `yaml:"max_conns"`
	WebhookPath string `yaml:"webhook_path"`
}

// MetricsConfig configures the Prometheus listener.
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled"`
	Listen  string `yaml:"listen"`
}

// NATSConfig configures run notifications. Disabled by default.
type NATSConfig struct {
	Enabled bool   `yaml:"enabled"`
	URL     string `yaml:"url"`
	Stream  string `yaml:"stream"`
}

// RetentionConfig bounds what the daemon keeps on disk.
type RetentionConfig struct {
	// Runs is how many finished runs keep their artifacts and workspace.
	Runs int `yaml:"runs"`
}

// DefaultsConfig applies to projects that do not set their own values.
type DefaultsConfig struct {
	WorkflowPath string `yaml:"workflow_path"`
	CloneDepth   int    `yaml:"clone_depth"`
}

// ProjectConfig describes one watched repository.
type ProjectConfig struct {
	Name          string      `yaml:"name"`
	URL           string      `yaml:"url"`
	Ref           string      `yaml:"ref"`      // default branch ref; empty uses the remote default
	Workflow      string      `yaml:"workflow"` // workflow path inside the repository
	WebhookSecret Secret      `yaml:"webhook_secret"`
	Auth          *AuthConfig `yaml:"auth"`
	SecretsFile   string      `yaml:"secrets_file"`
	CloneDepth    int         `yaml:"clone_depth"`
}

// AuthConfig carries repository credentials.
type AuthConfig struct {
	Type       string `yaml:"type"` // none, token, basic, ssh
	Token      Secret `yaml:"token"`
	Username   string `yaml:"username"`
	Password   Secret `yaml:"password"`
	KeyPath    string `yaml:"key_path"`
	Passphrase Secret `yaml:"passphrase"`
}

// WorkflowPath returns the project's workflow path with defaults applied.
func (p *ProjectConfig) WorkflowPath(defaults DefaultsConfig) string {
	if p.Workflow != "" {
		return p.Workflow
	}
	return defaults.WorkflowPath
}

// Depth returns the project's clone depth with defaults applied.
func (p *ProjectConfig) Depth(defaults DefaultsConfig) int {
	if p.CloneDepth != 0 {
		return p.CloneDepth
	}
	return defaults.CloneDepth
}

// Load reads, expands, decodes, and validates the daemon configuration.
// `${VAR}` references in the raw document are expanded from the process
// environment before decoding, so credentials can stay out of the file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.ConfigError("failed to read daemon config").
			WithContext("file", path).
			WithCause(err).
			Build()
	}
	return Parse(data)
}

// Parse decodes a daemon configuration document. Unknown keys are rejected.
func Parse(data []byte) (*Config, error) {
	expanded := os.ExpandEnv(string(data))

	var cfg Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil {
		if err == io.EOF {
			return nil, errors.ConfigError("daemon config is empty").Build()
		}
		return nil, errors.ConfigError("invalid daemon config YAML").WithCause(err).Build()
	}

	applyDefaults(&cfg)
	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.DataDir == "" {
		cfg.DataDir = "./conveyor-data"
	}
	if cfg.Queue.Size <= 0 {
		cfg.Queue.Size = 100
	}
	if cfg.Queue.Workers <= 0 {
		cfg.Queue.Workers = 2
	}
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.MaxConns <= 0 {
		cfg.Server.MaxConns = 64
	}
	if cfg.Server.WebhookPath == "" {
		cfg.Server.WebhookPath = "/hooks"
	}
	if cfg.Metrics.Enabled && cfg.Metrics.Listen == "" {
		cfg.Metrics.Listen = ":9090"
	}
	if cfg.Retention.Runs <= 0 {
		cfg.Retention.Runs = 50
	}
	if cfg.Defaults.WorkflowPath == "" {
		cfg.Defaults.WorkflowPath = "conveyor.yml"
	}
}

var projectNamePattern = regexp.MustCompile(`^[a-zA-Z0-9][a-zA-Z0-9_-]*$`)

// Validate checks the whole document and reports every problem at once.
func Validate(cfg *Config) error {
	var issues []string

	if !strings.HasPrefix(cfg.Server.WebhookPath, "/") {
		issues = append(issues, "server.webhook_path must start with /")
	}
	if cfg.NATS.Enabled && cfg.NATS.URL == "" {
		issues = append(issues, "nats.url is required when nats is enabled")
	}
	if len(cfg.Projects) == 0 {
		issues = append(issues, "at least one project is required")
	}

	seen := make(map[string]bool, len(cfg.Projects))
	for i := range cfg.Projects {
		p := &cfg.Projects[i]
		at := fmt.Sprintf("projects[%d]", i)
		if p.Name != "" {
			at = fmt.Sprintf("project %q", p.Name)
		}

		switch {
		case p.Name == "":
			issues = append(issues, at+": name is required")
		case !projectNamePattern.MatchString(p.Name):
			issues = append(issues, at+": name may contain only letters, digits, - and _")
		case seen[p.Name]:
			issues = append(issues, at+": duplicate project name")
		}
		seen[p.Name] = true

		if p.URL == "" {
			issues = append(issues, at+": url is required")
		}
		if err := validateAuth(p.Auth); err != "" {
			issues = append(issues, at+": "+err)
		}
	}

	if len(issues) > 0 {
		return errors.ConfigError("invalid daemon config").
			WithContext("issues", strings.Join(issues, "; ")).
			Build()
	}
	return nil
}

func validateAuth(a *AuthConfig) string {
	if a == nil {
		return ""
	}
	switch a.Type {
	case "", "none":
		return ""
	case "token":
		if !a.Token.IsSet() {
			return "auth type token requires a token"
		}
	case "basic":
		if a.Username == "" || !a.Password.IsSet() {
			return "auth type basic requires username and password"
		}
	case "ssh":
		if a.KeyPath == "" {
			return "auth type ssh requires key_path"
		}
	default:
		return fmt.Sprintf("unknown auth type %q", a.Type)
	}
	return ""
}

// exampleConfig is written by Init. Secret marshals redacted, so the
// example is a literal template rather than an encoded Config.
const exampleConfig = `data_dir: /var/lib/conveyor

queue:
  size: 100
  workers: 2

server:
  listen: ":8080"
  max_conns: 64
  webhook_path: /hooks

metrics:
  enabled: true
  listen: ":9090"

nats:
  enabled: false
  url: nats://localhost:4222
  stream: CONVEYOR_RUNS

retention:
  runs: 50

defaults:
  workflow_path: conveyor.yml
  clone_depth: 0

projects:
  - name: demo
    url: https://git.example.com/team/demo.git
    ref: refs/heads/main
    webhook_secret: ${DEMO_WEBHOOK_SECRET}
    auth:
      type: token
      token: ${DEMO_FORGE_TOKEN}
    secrets_file: /etc/conveyor/demo.secrets
`

// Init writes an example configuration to path.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return errors.ConfigError("config file already exists").
			WithContext("file", path).
			WithContext("hint", "use --force to overwrite").
			Build()
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		return errors.ConfigError("failed to write config file").
			WithContext("file", path).
			WithCause(err).
			Build()
	}
	return nil
}
