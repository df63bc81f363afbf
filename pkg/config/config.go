// Package config loads server settings from the environment, optionally
// layered over a YAML file named by BREAKGLASS_CONFIG.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"breakglass/pkg/store"
	"breakglass/pkg/telemetry"
)

// FileEnv names the YAML file whose keys provide defaults for unset
// environment variables.
const FileEnv = "BREAKGLASS_CONFIG"

type GitHub struct {
	Token         string
	Repo          string
	APIURL        string
	BaseBranch    string
	WebhookSecret string
	Label         string
	Reviewers     []string
}

type Jira struct {
	Server       string
	Email        string
	APIToken     string
	ProjectKey   string
	IssueType    string
	CustomFields map[string]any
}

type Slack struct {
	Token         string
	Channel       string
	SigningSecret string
}

type Audit struct {
	Enabled  bool
	Postgres store.PostgresConfig
	HashSalt string
	Redact   bool
}

type Kafka struct {
	Enabled      bool
	Brokers      []string
	Topic        string
	WriteTimeout time.Duration
}

type Operator struct {
	AuthMode  string
	JWTSecret string
	Issuer    string
	Audience  string
}

type RateLimit struct {
	Enabled   bool
	PerMinute int
	Window    time.Duration
}

type Config struct {
	Addr               string
	Environment        string
	StrictProdSecurity bool
	LogLevel           string
	LogPretty          bool

	ReadTimeout         time.Duration
	WriteTimeout        time.Duration
	IdleTimeout         time.Duration
	OutboundTimeout     time.Duration
	MaxRequestBodyBytes int64

	GitHub       GitHub
	Jira         Jira
	ManagerEmail string
	Slack        Slack

	Redis       store.RedisConfig
	DesiredTTL  time.Duration
	LockTTL     time.Duration
	DeliveryTTL time.Duration
	SessionTTL  time.Duration

	Audit     Audit
	Kafka     Kafka
	Telemetry telemetry.Config
	Operator  Operator
	RateLimit RateLimit

	WSAllowedOrigins []string
}

type source struct {
	getenv func(string) string
	file   map[string]string
}

// Load reads the process environment.
func Load() (Config, error) {
	return LoadFrom(os.Getenv)
}

// LoadFrom reads settings through getenv. Values from the environment win
// over the YAML file.
func LoadFrom(getenv func(string) string) (Config, error) {
	src := source{getenv: getenv}
	if path := strings.TrimSpace(getenv(FileEnv)); path != "" {
		file, err := readFile(path)
		if err != nil {
			return Config{}, err
		}
		src.file = file
	}

	customFields := map[string]any{}
	if raw := src.env("JIRA_CUSTOM_FIELDS", ""); raw != "" {
		if err := json.Unmarshal([]byte(raw), &customFields); err != nil {
			return Config{}, fmt.Errorf("config: JIRA_CUSTOM_FIELDS must be a JSON object: %w", err)
		}
	}

	cfg := Config{
		Addr:               src.env("ADDR", ":8080"),
		Environment:        src.env("ENVIRONMENT", "development"),
		StrictProdSecurity: src.envBool("STRICT_PROD_SECURITY", true),
		LogLevel:           src.env("LOG_LEVEL", "info"),
		LogPretty:          src.envBool("LOG_PRETTY", false),

		ReadTimeout:         src.envDurationSec("HTTP_READ_TIMEOUT_SEC", 10),
		WriteTimeout:        src.envDurationSec("HTTP_WRITE_TIMEOUT_SEC", 15),
		IdleTimeout:         src.envDurationSec("HTTP_IDLE_TIMEOUT_SEC", 60),
		OutboundTimeout:     src.envDurationSec("HTTP_OUTBOUND_TIMEOUT_SEC", 15),
		MaxRequestBodyBytes: int64(src.envInt("MAX_REQUEST_BODY_BYTES", 1<<20)),

		GitHub: GitHub{
			Token:         src.env("GITHUB_TOKEN", ""),
			Repo:          src.env("GITHUB_REPO", ""),
			APIURL:        src.env("GITHUB_API_URL", "https://api.github.com"),
			BaseBranch:    src.env("GITHUB_BASE_BRANCH", "main"),
			WebhookSecret: src.env("GITHUB_WEBHOOK_SECRET", ""),
			Label:         src.env("BREAKGLASS_LABEL", "breakglass"),
			Reviewers:     src.envList("GITHUB_REVIEWERS"),
		},
		Jira: Jira{
			Server:       src.env("JIRA_SERVER", ""),
			Email:        src.env("JIRA_EMAIL", ""),
			APIToken:     src.env("JIRA_API_TOKEN", ""),
			ProjectKey:   src.env("JIRA_PROJECT_KEY", ""),
			IssueType:    src.env("JIRA_ISSUE_TYPE", "Task"),
			CustomFields: customFields,
		},
		ManagerEmail: src.env("MANAGER_EMAIL", ""),
		Slack: Slack{
			Token:         src.env("SLACK_TOKEN", ""),
			Channel:       src.env("SLACK_CHANNEL", ""),
			SigningSecret: src.env("SLACK_SIGNING_SECRET", ""),
		},

		Redis: store.RedisConfig{
			Addr:             src.env("REDIS_ADDR", ""),
			Password:         src.env("REDIS_PASSWORD", ""),
			DB:               src.envInt("REDIS_DB", 0),
			TLS:              src.envBool("REDIS_TLS", false),
			RequireTLS:       src.envBool("REDIS_REQUIRE_TLS", false),
			InsecureTLS:      src.envBool("REDIS_TLS_INSECURE", false),
			AllowInsecureTLS: src.envBool("REDIS_ALLOW_INSECURE_TLS", false),
			ServerName:       src.env("REDIS_TLS_SERVER_NAME", ""),
			CACertFile:       src.env("REDIS_TLS_CA_FILE", ""),
			CertFile:         src.env("REDIS_TLS_CERT_FILE", ""),
			KeyFile:          src.env("REDIS_TLS_KEY_FILE", ""),
			PingTimeout:      src.envDurationSec("REDIS_PING_TIMEOUT_SEC", 2),
		},
		DesiredTTL:  src.envDurationSec("DESIRED_TTL_SEC", int(store.DefaultDesiredTTL/time.Second)),
		LockTTL:     src.envDurationSec("CONFIRM_LOCK_TTL_SEC", 600),
		DeliveryTTL: src.envDurationSec("DELIVERY_TTL_SEC", 72*3600),
		SessionTTL:  src.envDurationSec("SESSION_TTL_SEC", int(store.DefaultSessionTTL/time.Second)),

		Audit: Audit{
			Enabled: src.envBool("AUDIT_ENABLED", false),
			Postgres: store.PostgresConfig{
				URL:        src.env("DATABASE_URL", ""),
				RequireTLS: src.envBool("DATABASE_REQUIRE_TLS", false),
				MaxConns:   int32(src.envInt("DATABASE_MAX_CONNS", 4)),
			},
			HashSalt: src.env("AUDIT_HASH_SALT", ""),
			Redact:   src.envBool("AUDIT_REDACT_EMAILS", false),
		},
		RateLimit: RateLimit{
			Enabled:   src.envBool("RATE_LIMIT_ENABLED", true),
			PerMinute: src.envInt("RATE_LIMIT_PER_MINUTE", 120),
			Window:    src.envDurationSec("RATE_LIMIT_WINDOW_SEC", 60),
		},
		Kafka: Kafka{
			Enabled:      src.envBool("KAFKA_ENABLED", false),
			Brokers:      src.envList("KAFKA_BROKERS"),
			Topic:        src.env("KAFKA_TOPIC", "breakglass.outcomes"),
			WriteTimeout: src.envDurationSec("KAFKA_WRITE_TIMEOUT_SEC", 5),
		},
		Telemetry: telemetry.Config{
			ServiceName: src.env("OTEL_SERVICE_NAME", telemetry.DefaultServiceName),
			Endpoint:    src.env("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
			Headers:     telemetry.ParseHeaders(src.env("OTEL_EXPORTER_OTLP_HEADERS", "")),
			Timeout:     src.envDurationSec("OTEL_EXPORTER_OTLP_TIMEOUT_SEC", 5),
			Insecure:    src.envBool("OTEL_EXPORTER_OTLP_INSECURE", false),
			Required:    src.envBool("OTEL_REQUIRED", false),
			Sampler:     src.env("OTEL_TRACES_SAMPLER", ""),
			SamplerArg:  src.env("OTEL_TRACES_SAMPLER_ARG", ""),
		},
		Operator: Operator{
			AuthMode:  strings.ToLower(src.env("OPERATOR_AUTH_MODE", "off")),
			JWTSecret: src.env("OPERATOR_JWT_SECRET", ""),
			Issuer:    src.env("OPERATOR_JWT_ISSUER", ""),
			Audience:  src.env("OPERATOR_JWT_AUDIENCE", ""),
		},
		WSAllowedOrigins: src.envList("WS_ALLOWED_ORIGINS"),
	}
	return cfg, nil
}

// readFile parses a flat YAML mapping of setting names to scalar values.
func readFile(path string) (map[string]string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}
	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}
	out := make(map[string]string, len(doc))
	for k, node := range doc {
		switch node.Kind {
		case yaml.ScalarNode:
			out[strings.ToUpper(k)] = node.Value
		case yaml.SequenceNode:
			items := make([]string, 0, len(node.Content))
			for _, item := range node.Content {
				items = append(items, item.Value)
			}
			out[strings.ToUpper(k)] = strings.Join(items, ",")
		default:
			return nil, fmt.Errorf("config: %s: key %s must be a scalar or a list", path, k)
		}
	}
	return out, nil
}

func (s source) env(k, def string) string {
	if v := strings.TrimSpace(s.getenv(k)); v != "" {
		return v
	}
	if v := strings.TrimSpace(s.file[k]); v != "" {
		return v
	}
	return def
}

func (s source) envInt(k string, def int) int {
	if v := s.env(k, ""); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func (s source) envBool(k string, def bool) bool {
	v := s.env(k, "")
	if v == "" {
		return def
	}
	return strings.EqualFold(v, "true")
}

func (s source) envDurationSec(k string, def int) time.Duration {
	return time.Second * time.Duration(s.envInt(k, def))
}

func (s source) envList(k string) []string {
	var out []string
	for _, part := range strings.Split(s.env(k, ""), ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
