package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.Server.Port != 8080 {
		t.Errorf("expected port 8080, got %d", cfg.Server.Port)
	}
	if cfg.Search.Backend != "local" {
		t.Errorf("expected backend 'local', got %s", cfg.Search.Backend)
	}
	if cfg.Transport.LocalSleep != 0 {
		t.Errorf("expected local sleep 0, got %v", cfg.Transport.LocalSleep)
	}
	if cfg.Transport.RemoteSleep != 2*time.Second {
		t.Errorf("expected remote sleep 2s, got %v", cfg.Transport.RemoteSleep)
	}
	if cfg.Transport.Retry.MaxAttempts != 3 {
		t.Errorf("expected max attempts 3, got %d", cfg.Transport.Retry.MaxAttempts)
	}
	if cfg.Match.Operator != "and" {
		t.Errorf("expected operator 'and', got %s", cfg.Match.Operator)
	}
	if !cfg.Match.Fuzzy {
		t.Error("expected fuzzy matching enabled by default")
	}
	if cfg.Match.SearchResultMatchLimit != 15 {
		t.Errorf("expected match limit 15, got %d", cfg.Match.SearchResultMatchLimit)
	}
	if cfg.Match.FuzzyEmptyResultLimit != 1 {
		t.Errorf("expected fuzzy empty result limit 1, got %d", cfg.Match.FuzzyEmptyResultLimit)
	}
	if cfg.Match.DefaultTemplate != "[title]" {
		t.Errorf("expected default template [title], got %s", cfg.Match.DefaultTemplate)
	}
	if cfg.Validation.FuzzyMatchLimit != 0.65 {
		t.Errorf("expected fuzzy match limit 0.65, got %f", cfg.Validation.FuzzyMatchLimit)
	}
	if len(cfg.Validation.Rulesets) != 1 || len(cfg.Validation.Rulesets[0].Rules) != 4 {
		t.Errorf("unexpected default rulesets: %+v", cfg.Validation.Rulesets)
	}
	if cfg.Kafka.TopicSubmitted != "records.submitted" {
		t.Errorf("expected submitted topic 'records.submitted', got %s", cfg.Kafka.TopicSubmitted)
	}
	if cfg.Observability.ServiceName != "bibmatch" {
		t.Errorf("expected service name 'bibmatch', got %s", cfg.Observability.ServiceName)
	}
}

func TestValidate_ValidConfig(t *testing.T) {
	cfg := DefaultConfig()
	if err := cfg.Validate(); err != nil {
		t.Errorf("expected no error for default config, got %v", err)
	}
}

func TestValidate_InvalidPort(t *testing.T) {
	tests := []struct {
		name string
		port int
	}{
		{"zero port", 0},
		{"negative port", -1},
		{"port too high", 65536},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			cfg.Server.Port = tt.port
			if err := cfg.Validate(); err == nil {
				t.Errorf("expected error for port %d, got nil", tt.port)
			}
		})
	}
}

func TestValidate_Backend(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(c *Config)
		wantErr bool
	}{
		{"local without ES", func(c *Config) { c.Elasticsearch.Addresses = nil }, true},
		{"remote without url", func(c *Config) { c.Search.Backend = "remote" }, true},
		{"remote with url", func(c *Config) {
			c.Search.Backend = "remote"
			c.Invenio.URL = "https://inspirehep.net"
		}, false},
		{"unknown backend", func(c *Config) { c.Search.Backend = "solr" }, true},
		{"cache without redis", func(c *Config) {
			c.Search.CacheEnabled = true
			c.Redis.Addresses = nil
		}, true},
		{"zero retry attempts", func(c *Config) { c.Transport.Retry.MaxAttempts = 0 }, true},
		{"negative sleep", func(c *Config) { c.Transport.RemoteSleep = -time.Second }, true},
		{"validation enabled", func(c *Config) { c.Match.Validate = true }, false},
		{"bad match operator", func(c *Config) { c.Match.Operator = "xor" }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatchConfig_Check(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(m *MatchConfig)
		wantErr bool
	}{
		{"defaults", func(m *MatchConfig) {}, false},
		{"or operator", func(m *MatchConfig) { m.Operator = "OR" }, false},
		{"bad operator", func(m *MatchConfig) { m.Operator = "xor" }, true},
		{"regexp mode", func(m *MatchConfig) { m.Mode = "r" }, false},
		{"bad mode", func(m *MatchConfig) { m.Mode = "z" }, true},
		{"zero limit", func(m *MatchConfig) { m.SearchResultMatchLimit = 0 }, true},
		{"negative empty limit", func(m *MatchConfig) { m.FuzzyEmptyResultLimit = -1 }, true},
		{"zero word limit", func(m *MatchConfig) { m.DefaultFuzzyWordLimit = 0 }, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := DefaultMatchConfig()
			tt.mutate(&m)
			err := m.Check()
			if (err != nil) != tt.wantErr {
				t.Errorf("Check() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestMatchConfig_TemplateFor(t *testing.T) {
	m := DefaultMatchConfig()

	tests := []struct {
		in   string
		want string
	}{
		{"title", "[title]"},
		{"title-author", "[title] [author]"},
		{`title:"[245__a]"`, `title:"[245__a]"`},
		{"", ""},
	}

	for _, tt := range tests {
		if got := m.TemplateFor(tt.in); got != tt.want {
			t.Errorf("TemplateFor(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}

func TestMatchConfig_FuzzyWordLimit(t *testing.T) {
	m := DefaultMatchConfig()

	tests := []struct {
		tag  string
		want int
	}{
		{"245__a", 4},
		{"100__a", 2},
		{"520__a", 3},
	}

	for _, tt := range tests {
		if got := m.FuzzyWordLimit(tt.tag); got != tt.want {
			t.Errorf("FuzzyWordLimit(%q) = %d, want %d", tt.tag, got, tt.want)
		}
	}
}

func TestLoad_ValidFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	content := `
server:
  port: 9090
search:
  backend: remote
  collections: ["HEP"]
invenio:
  url: https://inspirehep.net
transport:
  remote_sleep: 3s
  retry:
    max_attempts: 5
    wait: 2s
match:
  operator: or
  fuzzy_word_limits:
    245__a: 6
  query_templates:
    doi: "doi:[doi]"
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}

	if cfg.Server.Port != 9090 {
		t.Errorf("expected port 9090, got %d", cfg.Server.Port)
	}
	if cfg.Search.Backend != "remote" || len(cfg.Search.Collections) != 1 {
		t.Errorf("unexpected search config: %+v", cfg.Search)
	}
	if cfg.Transport.RemoteSleep != 3*time.Second {
		t.Errorf("expected remote sleep 3s, got %v", cfg.Transport.RemoteSleep)
	}
	if cfg.Transport.Retry.MaxAttempts != 5 || cfg.Transport.Retry.Wait != 2*time.Second {
		t.Errorf("unexpected retry config: %+v", cfg.Transport.Retry)
	}
	if cfg.Match.Operator != "or" {
		t.Errorf("expected operator or, got %s", cfg.Match.Operator)
	}
	// yaml.v3 merges into the default map.
	if cfg.Match.FuzzyWordLimit("245__a") != 6 {
		t.Errorf("expected 245__a limit 6, got %d", cfg.Match.FuzzyWordLimit("245__a"))
	}
	if cfg.Match.TemplateFor("doi") != "doi:[doi]" {
		t.Errorf("expected doi template, got %q", cfg.Match.TemplateFor("doi"))
	}
	// Unset sections keep defaults.
	if cfg.Match.SearchResultMatchLimit != 15 {
		t.Errorf("expected default match limit 15, got %d", cfg.Match.SearchResultMatchLimit)
	}
}

func TestLoad_EnvExpansion(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	t.Setenv("BIBMATCH_TEST_PASSWORD", "s3cret")

	content := `
invenio:
  url: https://example.org
  password: ${BIBMATCH_TEST_PASSWORD}
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load returned error: %v", err)
	}
	if cfg.Invenio.Password != "s3cret" {
		t.Errorf("expected expanded password, got %q", cfg.Invenio.Password)
	}
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load("/nonexistent/path/config.yaml")
	if err == nil {
		t.Error("expected error for missing file")
	}
}

func TestLoad_InvalidYAML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("server: [unclosed"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected error for invalid YAML")
	}
}

func TestLoad_FailsValidation(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")

	if err := os.WriteFile(path, []byte("match:\n  operator: xor\n"), 0644); err != nil {
		t.Fatalf("failed to write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Error("expected validation error")
	}
}
