package config

import (
	"fmt"
	"strings"
)

// Validate checks the settings every environment needs, then the stricter
// production rules.
func (c Config) Validate() error {
	required := []struct{ name, value string }{
		{"GITHUB_TOKEN", c.GitHub.Token},
		{"GITHUB_REPO", c.GitHub.Repo},
		{"JIRA_SERVER", c.Jira.Server},
		{"JIRA_PROJECT_KEY", c.Jira.ProjectKey},
		{"MANAGER_EMAIL", c.ManagerEmail},
		{"SLACK_TOKEN", c.Slack.Token},
		{"SLACK_CHANNEL", c.Slack.Channel},
	}
	for _, r := range required {
		if strings.TrimSpace(r.value) == "" {
			return fmt.Errorf("config: %s is required", r.name)
		}
	}
	if owner, name, ok := strings.Cut(c.GitHub.Repo, "/"); !ok || owner == "" || name == "" || strings.Contains(name, "/") {
		return fmt.Errorf("config: GITHUB_REPO must be owner/name, got %q", c.GitHub.Repo)
	}
	if !strings.HasPrefix(strings.ToLower(c.GitHub.APIURL), "https://") {
		return fmt.Errorf("config: GITHUB_API_URL must use https")
	}
	switch c.Operator.AuthMode {
	case "off":
	case "hs256":
		if c.Operator.JWTSecret == "" {
			return fmt.Errorf("config: OPERATOR_AUTH_MODE=hs256 requires OPERATOR_JWT_SECRET")
		}
	default:
		return fmt.Errorf("config: unsupported OPERATOR_AUTH_MODE %q", c.Operator.AuthMode)
	}
	if c.Audit.Enabled && c.Audit.Postgres.URL == "" {
		return fmt.Errorf("config: AUDIT_ENABLED requires DATABASE_URL")
	}
	if c.Kafka.Enabled && len(c.Kafka.Brokers) == 0 {
		return fmt.Errorf("config: KAFKA_ENABLED requires KAFKA_BROKERS")
	}
	return c.validateProduction()
}

// validateProduction applies only in production-like environments and can
// be switched off with STRICT_PROD_SECURITY=false.
func (c Config) validateProduction() error {
	if !ProductionLike(c.Environment) || !c.StrictProdSecurity {
		return nil
	}
	if c.GitHub.WebhookSecret == "" {
		return fmt.Errorf("config: strict production hardening requires GITHUB_WEBHOOK_SECRET")
	}
	if c.Slack.SigningSecret == "" {
		return fmt.Errorf("config: strict production hardening requires SLACK_SIGNING_SECRET")
	}
	if c.Audit.Enabled && !c.Audit.Postgres.RequireTLS {
		return fmt.Errorf("config: strict production hardening requires DATABASE_REQUIRE_TLS=true")
	}
	if c.Redis.Addr != "" {
		if !c.Redis.RequireTLS {
			return fmt.Errorf("config: strict production hardening requires REDIS_REQUIRE_TLS=true")
		}
		if c.Redis.InsecureTLS || c.Redis.AllowInsecureTLS {
			return fmt.Errorf("config: strict production hardening forbids REDIS_TLS_INSECURE/REDIS_ALLOW_INSECURE_TLS")
		}
	}
	if c.Operator.AuthMode == "off" {
		return fmt.Errorf("config: strict production hardening requires OPERATOR_AUTH_MODE=hs256")
	}
	return validateOrigins(c.WSAllowedOrigins)
}

func validateOrigins(origins []string) error {
	for _, o := range origins {
		lower := strings.ToLower(o)
		if lower == "*" {
			return fmt.Errorf("config: strict production hardening forbids wildcard WS_ALLOWED_ORIGINS")
		}
		if strings.HasPrefix(lower, "localhost") || strings.HasPrefix(lower, "127.0.0.1") {
			return fmt.Errorf("config: strict production hardening forbids localhost origin %q", o)
		}
	}
	return nil
}

func ProductionLike(env string) bool {
	switch strings.ToLower(strings.TrimSpace(env)) {
	case "prod", "production", "staging", "stage":
		return true
	default:
		return false
	}
}
