package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

const (
	envPrefix              = "PROJECT_SPACE"
	defaultHTTPAddress     = "0.0.0.0:7007"
	defaultDatabaseDriver  = DatabaseDriverSQLite
	defaultDatabasePath    = "project-space.db"
	defaultLogLevel        = "info"
	defaultCookieName      = "app_session"
	defaultIssuer          = "project-space-auth"
	defaultTokenTTLMinutes = 60
	defaultResetPolicy     = "cascade"
	defaultKafkaTopic      = "project-votes"
	defaultRedisChannel    = "project-votes"
	defaultServerURL       = "http://localhost:7007"
)

const (
	DatabaseDriverSQLite   = "sqlite"
	DatabaseDriverPostgres = "postgres"
)

// AppConfig captures runtime configuration for the API server.
type AppConfig struct {
	HTTPAddress        string
	LogLevel           string
	DatabaseDriver     string
	DatabasePath       string
	DatabaseDSN        string
	AuthSigningSecret  string
	AuthCookieName     string
	AuthIssuer         string
	AuthTokenTTL       time.Duration
	CORSAllowedOrigins []string
	ResetPolicy        string
	KafkaBrokers       []string
	KafkaTopic         string
	RedisURL           string
	RedisChannel       string
}

// ClientConfig captures the settings used by the votes CLI commands.
type ClientConfig struct {
	ServerURL string
	Token     string
}

// NewViper returns a viper instance with defaults and env bindings configured.
func NewViper() *viper.Viper {
	configViper := viper.New()
	ApplyDefaults(configViper)
	return configViper
}

// ApplyDefaults configures defaults and env bindings on the provided viper instance.
func ApplyDefaults(configViper *viper.Viper) {
	configViper.SetEnvPrefix(envPrefix)
	configViper.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	configViper.AutomaticEnv()

	configViper.SetDefault("http.address", defaultHTTPAddress)
	configViper.SetDefault("log.level", defaultLogLevel)
	configViper.SetDefault("database.driver", defaultDatabaseDriver)
	configViper.SetDefault("database.path", defaultDatabasePath)
	configViper.SetDefault("database.dsn", "")
	configViper.SetDefault("auth.cookie_name", defaultCookieName)
	configViper.SetDefault("auth.issuer", defaultIssuer)
	configViper.SetDefault("auth.token_ttl_minutes", defaultTokenTTLMinutes)
	configViper.SetDefault("cors.allowed_origins", []string{"http://localhost:3000"})
	configViper.SetDefault("votes.reset_policy", defaultResetPolicy)
	configViper.SetDefault("events.kafka.brokers", []string{})
	configViper.SetDefault("events.kafka.topic", defaultKafkaTopic)
	configViper.SetDefault("events.redis.url", "")
	configViper.SetDefault("events.redis.channel", defaultRedisChannel)
	configViper.SetDefault("client.server_url", defaultServerURL)
	configViper.SetDefault("client.token", "")
}

// Load parses runtime configuration from viper.
func Load(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		HTTPAddress:        configViper.GetString("http.address"),
		LogLevel:           configViper.GetString("log.level"),
		DatabaseDriver:     strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:       configViper.GetString("database.path"),
		DatabaseDSN:        configViper.GetString("database.dsn"),
		AuthSigningSecret:  configViper.GetString("auth.signing_secret"),
		AuthCookieName:     configViper.GetString("auth.cookie_name"),
		AuthIssuer:         configViper.GetString("auth.issuer"),
		AuthTokenTTL:       time.Duration(configViper.GetInt("auth.token_ttl_minutes")) * time.Minute,
		CORSAllowedOrigins: cleanList(configViper.GetStringSlice("cors.allowed_origins")),
		ResetPolicy:        configViper.GetString("votes.reset_policy"),
		KafkaBrokers:       cleanList(configViper.GetStringSlice("events.kafka.brokers")),
		KafkaTopic:         configViper.GetString("events.kafka.topic"),
		RedisURL:           strings.TrimSpace(configViper.GetString("events.redis.url")),
		RedisChannel:       configViper.GetString("events.redis.channel"),
	}

	if err := cfg.validate(); err != nil {
		return AppConfig{}, err
	}

	return cfg, nil
}

// LoadDatabase parses only the settings needed to open the store.
func LoadDatabase(configViper *viper.Viper) (AppConfig, error) {
	cfg := AppConfig{
		LogLevel:       configViper.GetString("log.level"),
		DatabaseDriver: strings.ToLower(strings.TrimSpace(configViper.GetString("database.driver"))),
		DatabasePath:   configViper.GetString("database.path"),
		DatabaseDSN:    configViper.GetString("database.dsn"),
		ResetPolicy:    configViper.GetString("votes.reset_policy"),
	}
	if err := cfg.validateDatabase(); err != nil {
		return AppConfig{}, err
	}
	return cfg, nil
}

// LoadClient parses the votes CLI settings.
func LoadClient(configViper *viper.Viper) (ClientConfig, error) {
	cfg := ClientConfig{
		ServerURL: strings.TrimSpace(configViper.GetString("client.server_url")),
		Token:     strings.TrimSpace(configViper.GetString("client.token")),
	}
	if cfg.ServerURL == "" {
		return ClientConfig{}, fmt.Errorf("client.server_url is required")
	}
	return cfg, nil
}

func (c AppConfig) validate() error {
	if strings.TrimSpace(c.AuthSigningSecret) == "" {
		return fmt.Errorf("auth.signing_secret is required")
	}
	if strings.TrimSpace(c.AuthCookieName) == "" {
		return fmt.Errorf("auth.cookie_name is required")
	}
	if strings.TrimSpace(c.AuthIssuer) == "" {
		return fmt.Errorf("auth.issuer is required")
	}
	if len(c.KafkaBrokers) > 0 && strings.TrimSpace(c.KafkaTopic) == "" {
		return fmt.Errorf("events.kafka.topic is required when brokers are configured")
	}
	if c.RedisURL != "" && strings.TrimSpace(c.RedisChannel) == "" {
		return fmt.Errorf("events.redis.channel is required when redis is configured")
	}
	return c.validateDatabase()
}

func (c AppConfig) validateDatabase() error {
	switch c.DatabaseDriver {
	case DatabaseDriverSQLite:
		if strings.TrimSpace(c.DatabasePath) == "" {
			return fmt.Errorf("database.path is required")
		}
	case DatabaseDriverPostgres:
		if strings.TrimSpace(c.DatabaseDSN) == "" {
			return fmt.Errorf("database.dsn is required for postgres")
		}
	default:
		return fmt.Errorf("database.driver %q is not supported", c.DatabaseDriver)
	}
	return nil
}

func cleanList(values []string) []string {
	cleaned := make([]string, 0, len(values))
	for _, value := range values {
		for _, part := range strings.Split(value, ",") {
			if trimmed := strings.TrimSpace(part); trimmed != "" {
				cleaned = append(cleaned, trimmed)
			}
		}
	}
	return cleaned
}
