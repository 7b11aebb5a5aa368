package config

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"git.home.luguber.info/inful/conveyor/internal/errors"
)

const minimalConfig = `
projects:
  - name: demo
    url: https://git.example.com/team/demo.git
`

func TestParseAppliesDefaults(t *testing.T) {
	cfg, err := Parse([]byte(minimalConfig))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}

	if cfg.DataDir != "./conveyor-data" {
		t.Errorf("expected default data_dir, got %q", cfg.DataDir)
	}
	if cfg.Queue.Size != 100 || cfg.Queue.Workers != 2 {
		t.Errorf("expected queue defaults 100/2, got %d/%d", cfg.Queue.Size, cfg.Queue.Workers)
	}
	if cfg.Server.Listen != ":8080" {
		t.Errorf("expected default listen :8080, got %q", cfg.Server.Listen)
	}
	if cfg.Server.WebhookPath != "/hooks" {
		t.Errorf("expected default webhook path /hooks, got %q", cfg.Server.WebhookPath)
	}
	if cfg.Retention.Runs != 50 {
		t.Errorf("expected retention 50 runs, got %d", cfg.Retention.Runs)
	}
	if got := cfg.Projects[0].WorkflowPath(cfg.Defaults); got != "conveyor.yml" {
		t.Errorf("expected default workflow path, got %q", got)
	}
}

func TestParseExpandsEnv(t *testing.T) {
	t.Setenv("CONVEYOR_TEST_TOKEN", "tok-123")

	cfg, err := Parse([]byte(`
projects:
  - name: demo
    url: https://git.example.com/team/demo.git
    auth:
      type: token
      token: ${CONVEYOR_TEST_TOKEN}
`))
	if err != nil {
		t.Fatalf("failed to parse config: %v", err)
	}
	if got := cfg.Projects[0].Auth.Token.Value(); got != "tok-123" {
		t.Errorf("expected expanded token, got %q", got)
	}
}

func TestParseRejectsUnknownKeys(t *testing.T) {
	_, err := Parse([]byte(`
projects:
  - name: demo
    url: https://git.example.com/demo.git
    webook_secret: oops
`))
	if err == nil {
		t.Fatal("expected unknown key to fail")
	}
	if !errors.HasCategory(err, errors.CategoryConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestValidateCollectsIssues(t *testing.T) {
	tests := []struct {
		name string
		yaml string
		want string
	}{
		{"no projects", `data_dir: /tmp/x`, "at least one project"},
		{"missing url", "projects:\n  - name: demo\n", "url is required"},
		{"bad name", "projects:\n  - name: 'a b'\n    url: u\n", "letters, digits"},
		{"duplicate name", "projects:\n  - name: demo\n    url: u\n  - name: demo\n    url: u\n", "duplicate project name"},
		{"nats without url", "nats:\n  enabled: true\nprojects:\n  - name: demo\n    url: u\n", "nats.url is required"},
		{"token auth without token", "projects:\n  - name: demo\n    url: u\n    auth:\n      type: token\n", "requires a token"},
		{"unknown auth type", "projects:\n  - name: demo\n    url: u\n    auth:\n      type: oauth\n", "unknown auth type"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Parse([]byte(tt.yaml))
			if err == nil {
				t.Fatal("expected validation to fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("expected issue %q in error, got: %v", tt.want, err)
			}
		})
	}
}

func TestSecretNeverRendersValue(t *testing.T) {
	s := Secret("hunter2")

	if got := s.String(); got != "***" {
		t.Errorf("String() = %q, want ***", got)
	}
	if s.Value() != "hunter2" {
		t.Errorf("Value() lost the secret")
	}

	data, err := json.Marshal(struct {
		Token Secret `json:"token"`
	}{Token: s})
	if err != nil {
		t.Fatalf("failed to marshal: %v", err)
	}
	if strings.Contains(string(data), "hunter2") {
		t.Errorf("JSON leaked the secret: %s", data)
	}
	if !strings.Contains(string(data), "***") {
		t.Errorf("expected redaction marker, got %s", data)
	}

	var empty Secret
	if empty.IsSet() {
		t.Error("empty secret reports set")
	}
	if empty.String() != "" {
		t.Errorf("empty secret should render empty, got %q", empty.String())
	}
}

func TestLoadSecretsFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "demo.secrets")
	content := "INDEX_TOKEN=pypi-AgEIcHlwaS5vcmc\nINDEX_USERNAME=bob\n# comment\n"
	if err := os.WriteFile(path, []byte(content), 0o600); err != nil {
		t.Fatalf("failed to write secrets file: %v", err)
	}

	secrets, err := LoadSecretsFile(path)
	if err != nil {
		t.Fatalf("failed to load secrets: %v", err)
	}
	if secrets["INDEX_TOKEN"] != "pypi-AgEIcHlwaS5vcmc" || secrets["INDEX_USERNAME"] != "bob" {
		t.Errorf("unexpected secrets: %v", secrets)
	}
	if os.Getenv("INDEX_TOKEN") != "" {
		t.Error("secrets leaked into the process environment")
	}
}

func TestLoadSecretsFileMissing(t *testing.T) {
	_, err := LoadSecretsFile(filepath.Join(t.TempDir(), "absent.secrets"))
	if err == nil {
		t.Fatal("expected missing file to fail")
	}
	if !errors.HasCategory(err, errors.CategoryConfig) {
		t.Errorf("expected config error, got %v", err)
	}
}

func TestLoadSecretsFileEmptyPath(t *testing.T) {
	secrets, err := LoadSecretsFile("")
	if err != nil || secrets != nil {
		t.Errorf("expected nil, nil for empty path, got %v, %v", secrets, err)
	}
}

func TestInitWritesExample(t *testing.T) {
	path := filepath.Join(t.TempDir(), "conveyor.daemon.yml")

	if err := Init(path, false); err != nil {
		t.Fatalf("failed to init config: %v", err)
	}
	if err := Init(path, false); err == nil {
		t.Fatal("expected second init without force to fail")
	}
	if err := Init(path, true); err != nil {
		t.Fatalf("failed to force init: %v", err)
	}

	// The example must load once its env references resolve.
	t.Setenv("DEMO_WEBHOOK_SECRET", "whsec")
	t.Setenv("DEMO_FORGE_TOKEN", "tok")
	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("example config does not load: %v", err)
	}
	if len(cfg.Projects) != 1 || cfg.Projects[0].Name != "demo" {
		t.Errorf("unexpected example projects: %+v", cfg.Projects)
	}
	if cfg.Projects[0].WebhookSecret.Value() != "whsec" {
		t.Errorf("expected expanded webhook secret")
	}
}
