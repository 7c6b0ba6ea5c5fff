package config

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// ErrAPIKeyMissing is returned by Credentials when GOOGLE_API_KEY is not set.
// It must surface before any model or database call is attempted.
var ErrAPIKeyMissing = errors.New("GOOGLE_API_KEY is not set")

type LookupFunc func(string) (string, bool)

type Profile string

const (
	ProfileDev  Profile = "dev"
	ProfileTest Profile = "test"
	ProfileProd Profile = "prod"
)

type Config struct {
	Profile       Profile
	Service       ServiceConfig
	HTTP          HTTPConfig
	Database      DatabaseConfig
	Model         ModelConfig
	Chain         ChainConfig
	Observability ObservabilityConfig
	Auth          AuthConfig
}

type ServiceConfig struct {
	Name string
}

type HTTPConfig struct {
	Address      string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

type DatabaseConfig struct {
	User            string
	Password        string
	Host            string
	Name            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxIdleTime time.Duration
	ConnMaxLifetime time.Duration
}

type ModelConfig struct {
	BaseURL string
	APIKey  string
	Name    string
	Timeout time.Duration
}

type ChainConfig struct {
	TopK                int
	SQLTemperature      float64
	TemplateTemperature float64
	SampleRows          int
}

type ObservabilityConfig struct {
	LogLevel slog.Level
	LogJSON  bool
}

type AuthConfig struct {
	Required   bool
	StaticKeys string
}

// Credentials is the resolved credential set a chain is constructed from.
// Resolution is a pure function of the environment snapshot held in Config.
type Credentials struct {
	APIKey     string
	DBUser     string
	DBPassword string
	DBHost     string
	DBName     string
}

// Credentials validates that the required API key is present and returns the
// credential set. Database fields always carry their defaults when unset.
func (c Config) Credentials() (Credentials, error) {
	if strings.TrimSpace(c.Model.APIKey) == "" {
		return Credentials{}, ErrAPIKeyMissing
	}
	return Credentials{
		APIKey:     c.Model.APIKey,
		DBUser:     c.Database.User,
		DBPassword: c.Database.Password,
		DBHost:     c.Database.Host,
		DBName:     c.Database.Name,
	}, nil
}

func LoadFromEnv(serviceName string) (Config, error) {
	return Load(serviceName, os.LookupEnv)
}

func Load(serviceName string, lookup LookupFunc) (Config, error) {
	if lookup == nil {
		return Config{}, fmt.Errorf("lookup function is required")
	}

	profile := ProfileDev
	if raw, ok := lookup("ASKDB_PROFILE"); ok {
		profile = Profile(strings.ToLower(strings.TrimSpace(raw)))
	}
	if !isValidProfile(profile) {
		return Config{}, fmt.Errorf("invalid ASKDB_PROFILE: %q", profile)
	}

	cfg := defaultsForProfile(profile)
	if serviceName != "" {
		cfg.Service.Name = serviceName
	}

	if err := applyString(lookup, "ASKDB_SERVICE_NAME", &cfg.Service.Name); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_HTTP_ADDR", &cfg.HTTP.Address); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_HTTP_READ_TIMEOUT", &cfg.HTTP.ReadTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_HTTP_WRITE_TIMEOUT", &cfg.HTTP.WriteTimeout); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_HTTP_IDLE_TIMEOUT", &cfg.HTTP.IdleTimeout); err != nil {
		return Config{}, err
	}

	// The credential variables keep their original unprefixed names so an
	// existing .env keeps working.
	if err := applyString(lookup, "GOOGLE_API_KEY", &cfg.Model.APIKey); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_USER", &cfg.Database.User); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_PASSWORD", &cfg.Database.Password); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_HOST", &cfg.Database.Host); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "DB_NAME", &cfg.Database.Name); err != nil {
		return Config{}, err
	}

	if err := applyInt(lookup, "ASKDB_DB_MAX_OPEN_CONNS", &cfg.Database.MaxOpenConns); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_DB_MAX_IDLE_CONNS", &cfg.Database.MaxIdleConns); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_DB_CONN_MAX_IDLE_TIME", &cfg.Database.ConnMaxIdleTime); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_DB_CONN_MAX_LIFETIME", &cfg.Database.ConnMaxLifetime); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_MODEL_BASE_URL", &cfg.Model.BaseURL); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_MODEL_NAME", &cfg.Model.Name); err != nil {
		return Config{}, err
	}
	if err := applyDuration(lookup, "ASKDB_MODEL_TIMEOUT", &cfg.Model.Timeout); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_TOP_K", &cfg.Chain.TopK); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "ASKDB_SQL_TEMPERATURE", &cfg.Chain.SQLTemperature); err != nil {
		return Config{}, err
	}
	if err := applyFloat(lookup, "ASKDB_TEMPLATE_TEMPERATURE", &cfg.Chain.TemplateTemperature); err != nil {
		return Config{}, err
	}
	if err := applyInt(lookup, "ASKDB_SCHEMA_SAMPLE_ROWS", &cfg.Chain.SampleRows); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_LOG_JSON", &cfg.Observability.LogJSON); err != nil {
		return Config{}, err
	}
	if err := applyLogLevel(lookup, "ASKDB_LOG_LEVEL", &cfg.Observability.LogLevel); err != nil {
		return Config{}, err
	}
	if err := applyBool(lookup, "ASKDB_AUTH_REQUIRED", &cfg.Auth.Required); err != nil {
		return Config{}, err
	}
	if err := applyString(lookup, "ASKDB_AUTH_STATIC_KEYS", &cfg.Auth.StaticKeys); err != nil {
		return Config{}, err
	}

	if cfg.Service.Name == "" {
		return Config{}, fmt.Errorf("service name is required")
	}
	if cfg.HTTP.Address == "" {
		return Config{}, fmt.Errorf("http address is required")
	}
	if cfg.Chain.TopK <= 0 {
		return Config{}, fmt.Errorf("ASKDB_TOP_K must be positive")
	}
	if cfg.Chain.SampleRows < 0 {
		return Config{}, fmt.Errorf("ASKDB_SCHEMA_SAMPLE_ROWS must not be negative")
	}
	return cfg, nil
}

func defaultsForProfile(profile Profile) Config {
	cfg := Config{
		Profile: profile,
		Service: ServiceConfig{Name: "askdb-api"},
		HTTP: HTTPConfig{
			Address:      ":8080",
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  60 * time.Second,
		},
		Database: DatabaseConfig{
			User:            "root",
			Password:        "root",
			Host:            "localhost",
			Name:            "atliq_tshirts",
			MaxOpenConns:    5,
			MaxIdleConns:    5,
			ConnMaxIdleTime: 5 * time.Minute,
			ConnMaxLifetime: 30 * time.Minute,
		},
		Model: ModelConfig{
			BaseURL: "https://generativelanguage.googleapis.com/v1beta/openai",
			Name:    "gemini-2.5-flash",
			Timeout: 30 * time.Second,
		},
		Chain: ChainConfig{
			TopK:                5,
			SQLTemperature:      0.1,
			TemplateTemperature: 0.2,
			SampleRows:          3,
		},
		Observability: ObservabilityConfig{
			LogLevel: slog.LevelDebug,
			LogJSON:  true,
		},
		Auth: AuthConfig{
			Required:   false,
			StaticKeys: "",
		},
	}

	switch profile {
	case ProfileTest:
		cfg.HTTP.Address = ":18080"
		cfg.Observability.LogLevel = slog.LevelWarn
	case ProfileProd:
		cfg.Observability.LogLevel = slog.LevelInfo
	}

	return cfg
}

func isValidProfile(profile Profile) bool {
	switch profile {
	case ProfileDev, ProfileTest, ProfileProd:
		return true
	default:
		return false
	}
}

func applyString(lookup LookupFunc, key string, dst *string) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	*dst = strings.TrimSpace(raw)
	return nil
}

func applyDuration(lookup LookupFunc, key string, dst *time.Duration) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := time.ParseDuration(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyBool(lookup LookupFunc, key string, dst *bool) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseBool(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyInt(lookup LookupFunc, key string, dst *int) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.Atoi(strings.TrimSpace(raw))
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyFloat(lookup LookupFunc, key string, dst *float64) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	value, err := strconv.ParseFloat(strings.TrimSpace(raw), 64)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dst = value
	return nil
}

func applyLogLevel(lookup LookupFunc, key string, dst *slog.Level) error {
	raw, ok := lookup(key)
	if !ok {
		return nil
	}
	level := strings.ToLower(strings.TrimSpace(raw))
	switch level {
	case "debug":
		*dst = slog.LevelDebug
	case "info":
		*dst = slog.LevelInfo
	case "warn", "warning":
		*dst = slog.LevelWarn
	case "error":
		*dst = slog.LevelError
	default:
		return fmt.Errorf("invalid %s: %q", key, raw)
	}
	return nil
}
