// Package config loads the daemon's INI configuration with environment
// variable overrides (CREDITGATE_*).
package config

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const (
	settingsFile     = "config/setting.ini"
	defaultEnv       = "dev"
	envConfigPattern = "config/%s/creditgate.ini"
)

// Settings contains global toggles such as the active environment.
type Settings struct {
	Environment string
	Defaults    map[string]string
}

// ServiceConfig describes runtime options for the daemon.
type ServiceConfig struct {
	Environment string
	HTTPAddress string

	LogFile     string
	LogLevel    string
	LogMaxBytes int64

	// Ledger backend: sqlite (default), postgres, or memory.
	LedgerDriver string
	LedgerPath   string
	PostgresDSN  string
	// Postgres pool tuning.
	PostgresMaxOpen      int
	PostgresMaxIdle      int
	PostgresConnLifetime time.Duration
	PostgresConnIdleTime time.Duration

	// Credits granted when an account is first seen.
	InitialBalance int64
	PricingFile    string

	AuthSecret   string
	AuthDisabled bool
	// LocalUserID is the account all requests bill to when auth is disabled.
	LocalUserID string
	AdminToken  string

	// Upstream provider configuration.
	OpenAIAPIKey     string
	OpenAIBaseURL    string
	OpenAIOrg        string
	AnthropicAPIKey  string
	AnthropicBaseURL string
	AnthropicVersion string

	// Model routing: ordered pattern => provider rules.
	ProviderRoutes   []RouteRule
	FallbackProvider string

	MaxStreamDuration time.Duration

	RateLimitEnabled bool
	RateLimitRPS     float64
	RateLimitBurst   float64
}

// RouteRule captures an ordered pattern => target mapping while
// preserving declaration order.
type RouteRule struct {
	Pattern string
	Target  string
}

// Load reads config/setting.ini under root for the active environment,
// then overlays config/<env>/creditgate.ini and CREDITGATE_* variables.
func Load(root string) (ServiceConfig, error) {
	if root == "" {
		root = "."
	}
	s, err := loadSettings(root)
	if err != nil {
		return ServiceConfig{}, err
	}

	envValues, err := parseINI(filepath.Join(root, fmt.Sprintf(envConfigPattern, s.Environment)))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			envValues = map[string]string{}
		} else {
			return ServiceConfig{}, err
		}
	}

	merged := make(map[string]string)
	for k, v := range s.Defaults {
		merged[k] = v
	}
	for k, v := range envValues {
		merged[k] = v
	}

	cfg := ServiceConfig{
		Environment: s.Environment,
		HTTPAddress: firstNonEmpty(os.Getenv("CREDITGATE_HTTP_ADDRESS"), merged["http_address"], ":8090"),

		LogFile:     firstNonEmpty(os.Getenv("CREDITGATE_LOG_FILE"), merged["log_file"]),
		LogLevel:    firstNonEmpty(os.Getenv("CREDITGATE_LOG_LEVEL"), merged["log_level"], "info"),
		LogMaxBytes: int64(parseOptionalInt(firstNonEmpty(os.Getenv("CREDITGATE_LOG_MAX_BYTES"), merged["log_max_bytes"]), 50<<20)),

		LedgerDriver: strings.ToLower(firstNonEmpty(os.Getenv("CREDITGATE_LEDGER_DRIVER"), merged["ledger_driver"], "sqlite")),
		LedgerPath:   firstNonEmpty(os.Getenv("CREDITGATE_LEDGER_PATH"), merged["ledger_path"], DefaultLedgerPath()),
		PostgresDSN:  firstNonEmpty(os.Getenv("CREDITGATE_POSTGRES_DSN"), merged["postgres_dsn"]),

		PostgresMaxOpen:      parseOptionalInt(firstNonEmpty(os.Getenv("CREDITGATE_POSTGRES_MAX_OPEN"), merged["postgres_max_open"]), 10),
		PostgresMaxIdle:      parseOptionalInt(firstNonEmpty(os.Getenv("CREDITGATE_POSTGRES_MAX_IDLE"), merged["postgres_max_idle"]), 5),
		PostgresConnLifetime: time.Duration(parseOptionalInt(firstNonEmpty(os.Getenv("CREDITGATE_POSTGRES_CONN_LIFETIME_MINUTES"), merged["postgres_conn_lifetime_minutes"]), 30)) * time.Minute,
		PostgresConnIdleTime: time.Duration(parseOptionalInt(firstNonEmpty(os.Getenv("CREDITGATE_POSTGRES_CONN_IDLE_MINUTES"), merged["postgres_conn_idle_minutes"]), 5)) * time.Minute,

		InitialBalance: int64(parseOptionalInt(firstNonEmpty(os.Getenv("CREDITGATE_INITIAL_BALANCE"), merged["initial_balance"]), 1000)),
		PricingFile:    firstNonEmpty(os.Getenv("CREDITGATE_PRICING_FILE"), merged["pricing_file"]),

		AuthSecret:   firstNonEmpty(os.Getenv("CREDITGATE_AUTH_SECRET"), merged["auth_secret"], "creditgate-dev-secret"),
		AuthDisabled: parseOptionalBool(firstNonEmpty(os.Getenv("CREDITGATE_AUTH_DISABLED"), merged["auth_disabled"]), true),
		LocalUserID:  firstNonEmpty(os.Getenv("CREDITGATE_LOCAL_USER_ID"), merged["local_user_id"], "local"),
		AdminToken:   firstNonEmpty(os.Getenv("CREDITGATE_ADMIN_TOKEN"), merged["admin_token"]),

		OpenAIAPIKey:     firstNonEmpty(os.Getenv("CREDITGATE_OPENAI_API_KEY"), merged["openai_api_key"]),
		OpenAIBaseURL:    firstNonEmpty(os.Getenv("CREDITGATE_OPENAI_BASE_URL"), merged["openai_base_url"]),
		OpenAIOrg:        firstNonEmpty(os.Getenv("CREDITGATE_OPENAI_ORG"), merged["openai_org"]),
		AnthropicAPIKey:  firstNonEmpty(os.Getenv("CREDITGATE_ANTHROPIC_API_KEY"), merged["anthropic_api_key"]),
		AnthropicBaseURL: firstNonEmpty(os.Getenv("CREDITGATE_ANTHROPIC_BASE_URL"), merged["anthropic_base_url"]),
		AnthropicVersion: firstNonEmpty(os.Getenv("CREDITGATE_ANTHROPIC_VERSION"), merged["anthropic_version"], "2023-06-01"),

		FallbackProvider: firstNonEmpty(os.Getenv("CREDITGATE_FALLBACK_PROVIDER"), merged["fallback_provider"], "loopback"),
		ProviderRoutes:   parseRouteList(firstNonEmpty(os.Getenv("CREDITGATE_PROVIDER_ROUTES"), merged["provider_routes"])),

		RateLimitEnabled: parseOptionalBool(firstNonEmpty(os.Getenv("CREDITGATE_RATE_LIMIT_ENABLED"), merged["rate_limit_enabled"]), false),
		RateLimitRPS:     parseOptionalFloat(firstNonEmpty(os.Getenv("CREDITGATE_RATE_LIMIT_RPS"), merged["rate_limit_rps"]), 10),
		RateLimitBurst:   parseOptionalFloat(firstNonEmpty(os.Getenv("CREDITGATE_RATE_LIMIT_BURST"), merged["rate_limit_burst"]), 20),
	}

	if v := firstNonEmpty(os.Getenv("CREDITGATE_MAX_STREAM_DURATION"), merged["max_stream_duration"]); v != "" {
		dur, err := time.ParseDuration(v)
		if err != nil {
			return ServiceConfig{}, fmt.Errorf("invalid max_stream_duration %q: %w", v, err)
		}
		cfg.MaxStreamDuration = dur
	}

	switch cfg.LedgerDriver {
	case "sqlite", "postgres", "memory":
	default:
		return ServiceConfig{}, fmt.Errorf("unknown ledger_driver %q", cfg.LedgerDriver)
	}
	if cfg.LedgerDriver == "postgres" && cfg.PostgresDSN == "" {
		return ServiceConfig{}, errors.New("ledger_driver postgres requires postgres_dsn")
	}
	if !cfg.AuthDisabled && cfg.AuthSecret == "" {
		return ServiceConfig{}, errors.New("auth requires auth_secret")
	}

	if len(cfg.ProviderRoutes) == 0 {
		cfg.ProviderRoutes = []RouteRule{
			{Pattern: "gpt*", Target: "openai"},
			{Pattern: "claude*", Target: "anthropic"},
		}
	}
	return cfg, nil
}

func loadSettings(root string) (Settings, error) {
	values, err := parseINI(filepath.Join(root, settingsFile))
	if errors.Is(err, os.ErrNotExist) {
		return Settings{Environment: defaultEnv, Defaults: map[string]string{}}, nil
	}
	if err != nil {
		return Settings{}, err
	}
	env := values["environment"]
	if env == "" {
		env = defaultEnv
	}
	defaults := make(map[string]string)
	for k, v := range values {
		if k == "environment" {
			continue
		}
		defaults[k] = v
	}
	return Settings{Environment: env, Defaults: defaults}, nil
}

func parseINI(path string) (map[string]string, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	values := make(map[string]string)
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		if strings.HasPrefix(line, "[") {
			continue
		}
		parts := strings.SplitN(line, "=", 2)
		if len(parts) != 2 {
			continue
		}
		key := strings.TrimSpace(parts[0])
		val := strings.TrimSpace(parts[1])
		if key == "" {
			continue
		}
		values[strings.ToLower(key)] = val
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return values, nil
}

func parseBool(v string) bool {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "1", "true", "yes", "on":
		return true
	default:
		return false
	}
}

func parseOptionalBool(v string, fallback bool) bool {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return parseBool(v)
}

func parseOptionalInt(v string, fallback int) int {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.Atoi(strings.TrimSpace(v)); err == nil {
		return parsed
	}
	return fallback
}

func parseOptionalFloat(v string, fallback float64) float64 {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	if parsed, err := strconv.ParseFloat(strings.TrimSpace(v), 64); err == nil {
		return parsed
	}
	return fallback
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// parseRouteList parses ordered pattern=>target rules from a comma or
// newline separated string. '=' is accepted as a separator too.
func parseRouteList(input string) []RouteRule {
	if strings.TrimSpace(input) == "" {
		return nil
	}
	var rules []RouteRule
	for _, line := range strings.Split(input, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") || strings.HasPrefix(line, ";") {
			continue
		}
		for _, part := range strings.Split(line, ",") {
			entry := strings.TrimSpace(part)
			if entry == "" {
				continue
			}
			var kv []string
			if strings.Contains(entry, "=>") {
				kv = strings.SplitN(entry, "=>", 2)
			} else {
				kv = strings.SplitN(entry, "=", 2)
			}
			if len(kv) != 2 {
				continue
			}
			pattern := strings.TrimSpace(kv[0])
			target := strings.TrimSpace(kv[1])
			if pattern == "" || target == "" {
				continue
			}
			rules = append(rules, RouteRule{Pattern: pattern, Target: target})
		}
	}
	return rules
}

// DefaultLedgerPath returns the fallback sqlite location under the
// user's home directory.
func DefaultLedgerPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "creditgate.db"
	}
	return filepath.Join(home, ".creditgate", "ledger.db")
}
