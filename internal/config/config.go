package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Server        ServerConfig        `yaml:"server"`
	Search        SearchConfig        `yaml:"search"`
	Transport     TransportConfig     `yaml:"transport"`
	Match         MatchConfig         `yaml:"match"`
	Validation    ValidationConfig    `yaml:"validation"`
	Invenio       InvenioConfig       `yaml:"invenio"`
	Elasticsearch ElasticsearchConfig `yaml:"elasticsearch"`
	Redis         RedisConfig         `yaml:"redis"`
	ClickHouse    ClickHouseConfig    `yaml:"clickhouse"`
	Firestore     FirestoreConfig     `yaml:"firestore"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

type ServerConfig struct {
	Host            string        `yaml:"host"`
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxConcurrent   int           `yaml:"max_concurrent"`
}

// SearchConfig selects the record store the matcher talks to.
type SearchConfig struct {
	Backend      string   `yaml:"backend"` // local (elasticsearch) or remote (invenio)
	Collections  []string `yaml:"collections"`
	CacheEnabled bool     `yaml:"cache_enabled"`
}

type TransportConfig struct {
	LocalSleep     time.Duration        `yaml:"local_sleep"`
	RemoteSleep    time.Duration        `yaml:"remote_sleep"`
	Retry          RetryConfig          `yaml:"retry"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	SlowSearch     SlowSearchConfig     `yaml:"slow_search"`
}

type CircuitBreakerConfig struct {
	MaxRequests      uint32        `yaml:"max_requests"`
	Interval         time.Duration `yaml:"interval"`
	Timeout          time.Duration `yaml:"timeout"`
	FailureThreshold uint32        `yaml:"failure_threshold"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	Wait        time.Duration `yaml:"wait"`
}

type SlowSearchConfig struct {
	WarningThreshold  time.Duration `yaml:"warning_threshold"`
	CriticalThreshold time.Duration `yaml:"critical_threshold"`
}

// MatchConfig carries every tunable of the query engine, the fuzzy
// generator and the matcher.
type MatchConfig struct {
	Operator               string              `yaml:"operator"`
	Mode                   string              `yaml:"mode"`
	Clean                  bool                `yaml:"clean"`
	ASCII                  bool                `yaml:"ascii"`
	Fuzzy                  bool                `yaml:"fuzzy"`
	Validate               bool                `yaml:"validate"`
	Modify                 bool                `yaml:"modify"`
	SearchResultMatchLimit int                 `yaml:"search_result_match_limit"`
	FuzzyEmptyResultLimit  int                 `yaml:"fuzzy_empty_result_limit"`
	FuzzyWordLimits        map[string]int      `yaml:"fuzzy_word_limits"`
	DefaultFuzzyWordLimit  int                 `yaml:"default_fuzzy_word_limit"`
	TitleTags              []string            `yaml:"title_tags"`
	FirstAuthorTags        []string            `yaml:"first_author_tags"`
	SecondAuthorTags       []string            `yaml:"second_author_tags"`
	UniqueIDTags           []string            `yaml:"unique_id_tags"`
	DefaultTemplate        string              `yaml:"default_template"`
	QueryTemplates         map[string]string   `yaml:"query_templates"`
	TagRegistry            map[string][]string `yaml:"tag_registry"`
}

type ValidationConfig struct {
	FuzzyMatchLimit float64         `yaml:"fuzzy_match_limit"`
	MinComparisons  int             `yaml:"min_comparisons"`
	Rulesets        []RulesetConfig `yaml:"rulesets"`
}

// RulesetConfig applies its rules to records whose text form matches Pattern.
// The ruleset with the empty pattern is the default.
type RulesetConfig struct {
	Pattern string       `yaml:"pattern"`
	Rules   []RuleConfig `yaml:"rules"`
}

type RuleConfig struct {
	Tags        string  `yaml:"tags"`
	Threshold   float64 `yaml:"threshold"`
	CompareMode string  `yaml:"compare_mode"`
	MatchMode   string  `yaml:"match_mode"`
	ResultMode  string  `yaml:"result_mode"`
}

type InvenioConfig struct {
	URL            string        `yaml:"url"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
}

type ElasticsearchConfig struct {
	Addresses      []string      `yaml:"addresses"`
	Username       string        `yaml:"username"`
	Password       string        `yaml:"password"`
	MaxRetries     int           `yaml:"max_retries"`
	RequestTimeout time.Duration `yaml:"request_timeout"`
	Index          string        `yaml:"index"`
}

type RedisConfig struct {
	Addresses    []string      `yaml:"addresses"`
	Password     string        `yaml:"password"`
	DB           int           `yaml:"db"`
	PoolSize     int           `yaml:"pool_size"`
	MinIdleConns int           `yaml:"min_idle_conns"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	ReadTimeout  time.Duration `yaml:"read_timeout"`
	WriteTimeout time.Duration `yaml:"write_timeout"`
	TTL          time.Duration `yaml:"ttl"`
}

type ClickHouseConfig struct {
	Enabled      bool          `yaml:"enabled"`
	Addresses    []string      `yaml:"addresses"`
	Database     string        `yaml:"database"`
	Username     string        `yaml:"username"`
	Password     string        `yaml:"password"`
	DialTimeout  time.Duration `yaml:"dial_timeout"`
	QueryTimeout time.Duration `yaml:"query_timeout"`
	MaxOpenConns int           `yaml:"max_open_conns"`
	MaxIdleConns int           `yaml:"max_idle_conns"`
}

type FirestoreConfig struct {
	Enabled         bool          `yaml:"enabled"`
	ProjectID       string        `yaml:"project_id"`
	CredentialsFile string        `yaml:"credentials_file"`
	Collection      string        `yaml:"collection"`
	RequestTimeout  time.Duration `yaml:"request_timeout"`
}

type KafkaConfig struct {
	Brokers        []string      `yaml:"brokers"`
	TopicSubmitted string        `yaml:"topic_submitted"`
	TopicMatched   string        `yaml:"topic_matched"`
	TopicDLQ       string        `yaml:"topic_dlq"`
	ConsumerGroup  string        `yaml:"consumer_group"`
	BatchSize      int           `yaml:"batch_size"`
	BatchTimeout   time.Duration `yaml:"batch_timeout"`
	MaxRetries     int           `yaml:"max_retries"`
	MaxRequeues    int           `yaml:"max_requeues"`
}

type ObservabilityConfig struct {
	TracingEnabled bool   `yaml:"tracing_enabled"`
	LogLevel       string `yaml:"log_level"`
	ServiceName    string `yaml:"service_name"`
}

func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file %s: %w", path, err)
	}

	data = []byte(os.ExpandEnv(string(data)))

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    5 * time.Minute,
			ShutdownTimeout: 30 * time.Second,
			MaxConcurrent:   4,
		},
		Search: SearchConfig{
			Backend: "local",
		},
		Transport: TransportConfig{
			LocalSleep:  0,
			RemoteSleep: 2 * time.Second,
			Retry: RetryConfig{
				MaxAttempts: 3,
				Wait:        1 * time.Second,
			},
			CircuitBreaker: CircuitBreakerConfig{
				MaxRequests:      1,
				Interval:         60 * time.Second,
				Timeout:          30 * time.Second,
				FailureThreshold: 5,
			},
			SlowSearch: SlowSearchConfig{
				WarningThreshold:  2 * time.Second,
				CriticalThreshold: 10 * time.Second,
			},
		},
		Match:      DefaultMatchConfig(),
		Validation: DefaultValidationConfig(),
		Invenio: InvenioConfig{
			RequestTimeout: 60 * time.Second,
		},
		Elasticsearch: ElasticsearchConfig{
			Addresses:      []string{"http://localhost:9200"},
			MaxRetries:     3,
			RequestTimeout: 5 * time.Second,
			Index:          "records",
		},
		Redis: RedisConfig{
			Addresses:    []string{"localhost:6379"},
			PoolSize:     20,
			MinIdleConns: 2,
			DialTimeout:  5 * time.Second,
			ReadTimeout:  1 * time.Second,
			WriteTimeout: 1 * time.Second,
			TTL:          10 * time.Minute,
		},
		ClickHouse: ClickHouseConfig{
			Addresses:    []string{"localhost:9000"},
			Database:     "bibmatch",
			DialTimeout:  5 * time.Second,
			QueryTimeout: 2 * time.Second,
			MaxOpenConns: 5,
			MaxIdleConns: 2,
		},
		Firestore: FirestoreConfig{
			Collection:     "field_tags",
			RequestTimeout: 2 * time.Second,
		},
		Kafka: KafkaConfig{
			Brokers:        []string{"localhost:9092"},
			TopicSubmitted: "records.submitted",
			TopicMatched:   "records.matched",
			TopicDLQ:       "records.submitted.dlq",
			ConsumerGroup:  "bibmatch",
			BatchSize:      50,
			BatchTimeout:   5 * time.Second,
			MaxRetries:     3,
			MaxRequeues:    3,
		},
		Observability: ObservabilityConfig{
			LogLevel:    "info",
			ServiceName: "bibmatch",
		},
	}
}

func DefaultMatchConfig() MatchConfig {
	return MatchConfig{
		Operator:               "and",
		Fuzzy:                  true,
		SearchResultMatchLimit: 15,
		FuzzyEmptyResultLimit:  1,
		FuzzyWordLimits: map[string]int{
			"100__a": 2,
			"245__a": 4,
		},
		DefaultFuzzyWordLimit: 3,
		TitleTags:             []string{"245__%", "242__%", "246__%", "title"},
		FirstAuthorTags:       []string{"100__a", "author", "firstauthor"},
		SecondAuthorTags:      []string{"700__a"},
		UniqueIDTags:          []string{"0247_a", "037__a", "088__a", "doi", "reportnumber"},
		DefaultTemplate:       "[title]",
		QueryTemplates: map[string]string{
			"title":        "[title]",
			"title-author": "[title] [author]",
			"reportnumber": "reportnumber:[reportnumber]",
		},
		TagRegistry: map[string][]string{
			"title":        {"245__a", "242__a", "246__a"},
			"author":       {"100__a", "700__a"},
			"firstauthor":  {"100__a"},
			"reportnumber": {"037__a", "088__a"},
			"doi":          {"0247_a"},
			"year":         {"260__c"},
		},
	}
}

func DefaultValidationConfig() ValidationConfig {
	return ValidationConfig{
		FuzzyMatchLimit: 0.65,
		MinComparisons:  2,
		Rulesets: []RulesetConfig{
			{
				Pattern: "",
				Rules: []RuleConfig{
					{Tags: "245__%,242__%", Threshold: 0.8, CompareMode: "lazy", MatchMode: "title", ResultMode: "normal"},
					{Tags: "037__a,088__a", Threshold: 1.0, CompareMode: "lazy", MatchMode: "identifier", ResultMode: "final"},
					{Tags: "100__a,700__a", Threshold: 0.8, CompareMode: "normal", MatchMode: "author", ResultMode: "normal"},
					{Tags: "773__a", Threshold: 1.0, CompareMode: "lazy", MatchMode: "title", ResultMode: "normal"},
				},
			},
		},
	}
}

// TemplateFor returns the named query template, or name itself when it is
// not a configured template name.
func (m MatchConfig) TemplateFor(name string) string {
	if t, ok := m.QueryTemplates[name]; ok {
		return t
	}
	return name
}

// FuzzyWordLimit returns the configured number of words kept for tag.
func (m MatchConfig) FuzzyWordLimit(tag string) int {
	if n, ok := m.FuzzyWordLimits[tag]; ok && n > 0 {
		return n
	}
	return m.DefaultFuzzyWordLimit
}

func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port: %d", c.Server.Port)
	}
	switch c.Search.Backend {
	case "local":
		if len(c.Elasticsearch.Addresses) == 0 {
			return fmt.Errorf("at least one elasticsearch address required")
		}
	case "remote":
		if c.Invenio.URL == "" {
			return fmt.Errorf("invenio url required for remote backend")
		}
	default:
		return fmt.Errorf("unknown search backend %q", c.Search.Backend)
	}
	if c.Search.CacheEnabled && len(c.Redis.Addresses) == 0 {
		return fmt.Errorf("at least one redis address required")
	}
	if c.Transport.Retry.MaxAttempts <= 0 {
		return fmt.Errorf("retry max attempts must be positive")
	}
	if c.Transport.LocalSleep < 0 || c.Transport.RemoteSleep < 0 {
		return fmt.Errorf("transport sleep must not be negative")
	}
	return c.Match.Check()
}

// Check reports the first invalid match setting.
func (m MatchConfig) Check() error {
	switch strings.ToLower(m.Operator) {
	case "and", "or":
	default:
		return fmt.Errorf("operator must be 'and' or 'or', got %q", m.Operator)
	}
	switch m.Mode {
	case "", "a", "o", "e", "p", "r":
	default:
		return fmt.Errorf("unknown search mode %q", m.Mode)
	}
	if m.SearchResultMatchLimit <= 0 {
		return fmt.Errorf("search result match limit must be positive")
	}
	if m.FuzzyEmptyResultLimit < 0 {
		return fmt.Errorf("fuzzy empty result limit must not be negative")
	}
	if m.DefaultFuzzyWordLimit <= 0 {
		return fmt.Errorf("default fuzzy word limit must be positive")
	}
	return nil
}
