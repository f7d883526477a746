package config

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Env       string          `mapstructure:"env"`
	Server    ServerConfig    `mapstructure:"server"`
	Database  DatabaseConfig  `mapstructure:"database"`
	Auth      AuthConfig      `mapstructure:"auth"`
	Ledger    LedgerConfig    `mapstructure:"ledger"`
	Events    EventsConfig    `mapstructure:"events"`
	Telemetry TelemetryConfig `mapstructure:"telemetry"`
}

type ServerConfig struct {
	Port         string   `mapstructure:"port"`
	GrpcPort     string   `mapstructure:"grpc_port"`
	ReadTimeout  int      `mapstructure:"read_timeout_seconds"`
	WriteTimeout int      `mapstructure:"write_timeout_seconds"`
	IdleTimeout  int      `mapstructure:"idle_timeout_seconds"`
	CORSOrigins  []string `mapstructure:"cors_origins"`
}

type DatabaseConfig struct {
	Host            string `mapstructure:"host"`
	Port            string `mapstructure:"port"`
	User            string `mapstructure:"user"`
	Password        string `mapstructure:"password"`
	DBName          string `mapstructure:"name"`
	SSLMode         string `mapstructure:"ssl_mode"`
	MaxOpenConns    int    `mapstructure:"max_open_conns"`
	MaxIdleConns    int    `mapstructure:"max_idle_conns"`
	ConnMaxLifetime int    `mapstructure:"conn_max_lifetime_seconds"`
	ConnMaxIdleTime int    `mapstructure:"conn_max_idle_time_seconds"`
}

type AuthConfig struct {
	JWTSecret         string `mapstructure:"jwt_secret"`
	Issuer            string `mapstructure:"issuer"`
	Audience          string `mapstructure:"audience"`
	TokenTTLMinutes   int    `mapstructure:"token_ttl_minutes"`
	AdminUsername     string `mapstructure:"admin_username"`
	AdminRole         string `mapstructure:"admin_role"`
	AdminPasswordHash string `mapstructure:"admin_password_hash"`
}

type LedgerConfig struct {
	DefaultPageSize int   `mapstructure:"default_page_size"`
	MaxImportBytes  int64 `mapstructure:"max_import_bytes"`
}

type EventsConfig struct {
	// Driver selects the ledger event publisher: none, nats or kafka.
	Driver string `mapstructure:"driver"`
	// Intake selects where bank payment notifications are read from: none,
	// nats or kafka.
	Intake string      `mapstructure:"intake"`
	NATS   NATSConfig  `mapstructure:"nats"`
	Kafka  KafkaConfig `mapstructure:"kafka"`
}

type NATSConfig struct {
	URL             string `mapstructure:"url"`
	Subject         string `mapstructure:"subject"`
	PaymentsSubject string `mapstructure:"payments_subject"`
}

type KafkaConfig struct {
	Brokers       []string `mapstructure:"brokers"`
	Topic         string   `mapstructure:"topic"`
	PaymentsTopic string   `mapstructure:"payments_topic"`
	GroupID       string   `mapstructure:"group_id"`
}

type TelemetryConfig struct {
	OTLPEndpoint string `mapstructure:"otlp_endpoint"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("env", "local")
	v.SetDefault("server.port", "8080")
	v.SetDefault("server.grpc_port", "9090")
	v.SetDefault("server.read_timeout_seconds", 15)
	v.SetDefault("server.write_timeout_seconds", 30)
	v.SetDefault("server.idle_timeout_seconds", 60)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", "5432")
	v.SetDefault("database.name", "tuition")
	v.SetDefault("database.ssl_mode", "disable")

	v.SetDefault("auth.issuer", "tuition-service")
	v.SetDefault("auth.audience", "tuition-clients")
	v.SetDefault("auth.token_ttl_minutes", 120)
	v.SetDefault("auth.admin_username", "admin")
	v.SetDefault("auth.admin_role", "Admin")

	v.SetDefault("ledger.default_page_size", 10)
	v.SetDefault("ledger.max_import_bytes", 10<<20)

	v.SetDefault("events.driver", "none")
	v.SetDefault("events.nats.subject", "tuition.ledger.events")
	v.SetDefault("events.nats.payments_subject", "tuition.bank.payments")
	v.SetDefault("events.intake", "none")
	v.SetDefault("events.kafka.topic", "tuition-ledger-events")
	v.SetDefault("events.kafka.payments_topic", "tuition-bank-payments")
	v.SetDefault("events.kafka.group_id", "tuition-service-group")
}

func Load() (*Config, error) {
	// Get environment from ENV, default to "local"
	env := os.Getenv("ENV")
	if env == "" {
		env = "local"
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName(fmt.Sprintf("config.%s", env))
	v.SetConfigType("yaml")
	v.AddConfigPath("/configs")   // Kubernetes mount
	v.AddConfigPath("./configs")  // repository root
	v.AddConfigPath("../configs") // IDE from cmd/

	// Config file is optional - defaults and ENV variables still apply
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config: %w", err)
		}
	}

	// Environment variables take precedence over the config file
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.BindEnv("database.user", "DB_USER")
	v.BindEnv("database.password", "DB_PASSWORD")
	v.BindEnv("auth.jwt_secret", "JWT_SECRET")
	v.BindEnv("auth.admin_password_hash", "ADMIN_PASSWORD_HASH")
	v.BindEnv("telemetry.otlp_endpoint", "OTEL_EXPORTER_OTLP_ENDPOINT")

	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	config.Env = env

	if err := config.validate(); err != nil {
		return nil, err
	}

	return &config, nil
}

func (c *Config) validate() error {
	if c.Auth.JWTSecret == "" {
		return fmt.Errorf("auth.jwt_secret (JWT_SECRET) is required")
	}
	switch c.Events.Driver {
	case "none", "nats", "kafka":
	default:
		return fmt.Errorf("unknown events.driver %q", c.Events.Driver)
	}
	switch c.Events.Intake {
	case "none", "nats", "kafka":
	default:
		return fmt.Errorf("unknown events.intake %q", c.Events.Intake)
	}
	return nil
}
