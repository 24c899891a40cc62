package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

type StoreKind string

const (
	StoreMemory   StoreKind = "memory"
	StorePostgres StoreKind = "postgres"
)

const defaultModel = "gemini-2.0-flash-exp"

type Config struct {
	Addr string

	// AppName scopes stored sessions.
	AppName           string
	Model             string
	DefaultMode       string
	SystemInstruction string

	Store       StoreKind
	DatabaseURL string

	// AllowedModels limits the per-request model query option. Model is
	// always allowed.
	AllowedModels map[string]struct{} // empty => any model

	// CORS
	CORSAllowedOrigins map[string]struct{} // empty => disabled

	// Transport limits
	MaxMessageBytes int64
	WriteTimeout    time.Duration
	SSEPingInterval time.Duration

	// Operational defaults
	ReadHeaderTimeout   time.Duration
	ShutdownGracePeriod time.Duration
	LogLevel            slog.Level

	Google GoogleConfig
}

// GoogleConfig holds live backend credentials. The variable names match the
// ones the genai SDK reads on its own.
type GoogleConfig struct {
	UseVertexAI bool
	APIKey      string
	Project     string
	Location    string
}

func LoadFromEnv() (Config, error) {
	cfg := Config{
		Addr:                envOr("VAI_RELAY_ADDR", ":8080"),
		AppName:             envOr("VAI_RELAY_APP_NAME", "vai-relay"),
		Model:               envOr("VAI_RELAY_MODEL", envOr("DEMO_AGENT_MODEL", defaultModel)),
		DefaultMode:         strings.ToLower(envOr("VAI_RELAY_DEFAULT_MODE", "text")),
		SystemInstruction:   envOr("VAI_RELAY_SYSTEM_INSTRUCTION", ""),
		Store:               StoreKind(strings.ToLower(envOr("VAI_RELAY_STORE", string(StoreMemory)))),
		DatabaseURL:         envOr("VAI_RELAY_DATABASE_URL", envOr("DATABASE_URL", "")),
		AllowedModels:       make(map[string]struct{}),
		CORSAllowedOrigins:  make(map[string]struct{}),
		MaxMessageBytes:     envInt64Or("VAI_RELAY_MAX_MESSAGE_BYTES", 1<<20), // 1 MiB
		WriteTimeout:        envDurationOr("VAI_RELAY_WRITE_TIMEOUT", 5*time.Second),
		SSEPingInterval:     envDurationOr("VAI_RELAY_SSE_PING_INTERVAL", 15*time.Second),
		ReadHeaderTimeout:   envDurationOr("VAI_RELAY_READ_HEADER_TIMEOUT", 10*time.Second),
		ShutdownGracePeriod: envDurationOr("VAI_RELAY_SHUTDOWN_GRACE_PERIOD", 30*time.Second),
		Google: GoogleConfig{
			UseVertexAI: envBoolOr("GOOGLE_GENAI_USE_VERTEXAI", false),
			APIKey:      envOr("GOOGLE_API_KEY", envOr("GEMINI_API_KEY", "")),
			Project:     envOr("GOOGLE_CLOUD_PROJECT", ""),
			Location:    envOr("GOOGLE_CLOUD_LOCATION", "us-central1"),
		},
	}

	level, err := parseLevel(envOr("VAI_RELAY_LOG_LEVEL", "info"))
	if err != nil {
		return Config{}, fmt.Errorf("VAI_RELAY_LOG_LEVEL must be one of debug|info|warn|error")
	}
	cfg.LogLevel = level

	for _, model := range splitCSV(os.Getenv("VAI_RELAY_ALLOWED_MODELS")) {
		cfg.AllowedModels[model] = struct{}{}
	}
	for _, origin := range splitCSV(os.Getenv("VAI_RELAY_CORS_ORIGINS")) {
		cfg.CORSAllowedOrigins[origin] = struct{}{}
	}

	switch cfg.DefaultMode {
	case "text", "audio":
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_DEFAULT_MODE must be one of text|audio")
	}
	switch cfg.Store {
	case StoreMemory:
	case StorePostgres:
		if cfg.DatabaseURL == "" {
			return Config{}, fmt.Errorf("VAI_RELAY_DATABASE_URL must be set when VAI_RELAY_STORE=postgres")
		}
	default:
		return Config{}, fmt.Errorf("VAI_RELAY_STORE must be one of memory|postgres")
	}
	if strings.TrimSpace(cfg.AppName) == "" {
		return Config{}, fmt.Errorf("VAI_RELAY_APP_NAME must not be empty")
	}
	if cfg.MaxMessageBytes <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_MAX_MESSAGE_BYTES must be > 0")
	}
	if cfg.WriteTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_WRITE_TIMEOUT must be > 0")
	}
	if cfg.SSEPingInterval <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_SSE_PING_INTERVAL must be > 0")
	}
	if cfg.ReadHeaderTimeout <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_READ_HEADER_TIMEOUT must be > 0")
	}
	if cfg.ShutdownGracePeriod <= 0 {
		return Config{}, fmt.Errorf("VAI_RELAY_SHUTDOWN_GRACE_PERIOD must be > 0")
	}

	return cfg, nil
}

// ModelAllowed reports whether a client may request model.
func (c Config) ModelAllowed(model string) bool {
	if model == c.Model || len(c.AllowedModels) == 0 {
		return true
	}
	_, ok := c.AllowedModels[model]
	return ok
}

// ValidateBackend checks the credentials needed to open live sessions. The
// migrate command does not need them, so LoadFromEnv leaves this out.
func (c Config) ValidateBackend() error {
	if c.Google.UseVertexAI {
		if c.Google.Project == "" {
			return fmt.Errorf("GOOGLE_CLOUD_PROJECT must be set when GOOGLE_GENAI_USE_VERTEXAI=true")
		}
		if c.Google.Location == "" {
			return fmt.Errorf("GOOGLE_CLOUD_LOCATION must be set when GOOGLE_GENAI_USE_VERTEXAI=true")
		}
		return nil
	}
	if c.Google.APIKey == "" {
		return fmt.Errorf("GOOGLE_API_KEY must be set unless GOOGLE_GENAI_USE_VERTEXAI=true")
	}
	return nil
}

func parseLevel(raw string) (slog.Level, error) {
	var level slog.Level
	err := level.UnmarshalText([]byte(raw))
	return level, err
}

func envOr(key, def string) string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	return v
}

func envInt64Or(key string, def int64) int64 {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	n, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return def
	}
	return n
}

func envBoolOr(key string, def bool) bool {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	switch strings.ToLower(raw) {
	case "1", "true", "t", "yes", "y", "on":
		return true
	case "0", "false", "f", "no", "n", "off":
		return false
	default:
		return def
	}
}

func envDurationOr(key string, def time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return def
	}
	d, err := time.ParseDuration(raw)
	if err != nil {
		return def
	}
	return d
}

func splitCSV(raw string) []string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil
	}
	parts := strings.Split(raw, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p)
	}
	return out
}
