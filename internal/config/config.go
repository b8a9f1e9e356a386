package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ilyakaznacheev/cleanenv"
)

const (
	defaultAccessSecret  = "change-me-access"
	defaultRefreshSecret = "change-me-refresh"
)

type Config struct {
	Env      string `yaml:"env" env:"ENV,NODE_ENV" env-default:"local"`
	Port     string `yaml:"port" env:"PORT" env-default:"8080"`
	LogLevel string `yaml:"log_level" env:"LOG_LEVEL" env-default:"info"`

	DBAdapter  string `yaml:"db_adapter" env:"DB_ADAPTER" env-default:"postgres"`
	SQLiteFile string `yaml:"sqlite_file" env:"SQLITE_FILE" env-default:"./data/memberauth.db"`
	// PostgreSQL connection settings
	PostgresDSN      string `yaml:"postgres_dsn" env:"POSTGRES_DSN"`
	PostgresHost     string `yaml:"postgres_host" env:"POSTGRES_HOST,DB_HOST" env-default:"localhost"`
	PostgresPort     string `yaml:"postgres_port" env:"POSTGRES_PORT,DB_PORT" env-default:"5432"`
	PostgresUser     string `yaml:"postgres_user" env:"POSTGRES_USER,DB_USER" env-default:"memberauth"`
	PostgresPassword string `yaml:"postgres_password" env:"POSTGRES_PASSWORD,DB_PASSWORD"`
	PostgresDB       string `yaml:"postgres_db" env:"POSTGRES_DB,DB_NAME" env-default:"memberauth"`
	PostgresSSLMode  string `yaml:"postgres_sslmode" env:"POSTGRES_SSLMODE,DB_SSLMODE" env-default:"disable"`
	// PostgresDriver is "postgres" (lib/pq) or "pgx".
	PostgresDriver string `yaml:"postgres_driver" env:"POSTGRES_DRIVER" env-default:"postgres"`

	// RefreshStore is "sql" (the DB_ADAPTER database) or "redis".
	RefreshStore string `yaml:"refresh_store" env:"REFRESH_STORE" env-default:"sql"`
	RedisURL     string `yaml:"redis_url" env:"REDIS_URL" env-default:"redis://localhost:6379/0"`

	AccessTokenSecret  string        `yaml:"access_token_secret" env:"ACCESS_TOKEN_SECRET" env-default:"change-me-access"`
	RefreshTokenSecret string        `yaml:"refresh_token_secret" env:"REFRESH_TOKEN_SECRET" env-default:"change-me-refresh"`
	AccessTokenTTL     time.Duration `yaml:"access_token_ttl" env:"ACCESS_TOKEN_TTL" env-default:"30m"`
	RefreshTokenTTL    time.Duration `yaml:"refresh_token_ttl" env:"REFRESH_TOKEN_TTL" env-default:"168h"`
	TokenIssuer        string        `yaml:"token_issuer" env:"TOKEN_ISSUER" env-default:"memberauth"`
	RefreshRotation    string        `yaml:"refresh_rotation" env:"REFRESH_ROTATION" env-default:"never"`

	SweepEnabled bool   `yaml:"sweep_enabled" env:"SWEEP_ENABLED" env-default:"true"`
	SweepAt      string `yaml:"sweep_at" env:"SWEEP_AT" env-default:"03:00"`

	LoginRatePerMinute int      `yaml:"login_rate_per_minute" env:"LOGIN_RATE_PER_MINUTE" env-default:"20"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins" env:"CORS_ALLOWED_ORIGINS" env-separator:","`

	// Optional first administrator, created at startup when missing.
	AdminEmail    string `yaml:"admin_email" env:"ADMIN_EMAIL"`
	AdminPassword string `yaml:"admin_password" env:"ADMIN_PASSWORD"`
}

// IsProduction reports whether ENV names a production deployment.
func (c *Config) IsProduction() bool {
	env := strings.ToLower(c.Env)
	return env == "production" || env == "prod"
}

// BuildPostgresDSN constructs a PostgreSQL DSN from individual components or returns the provided DSN
func (c *Config) BuildPostgresDSN() (string, error) {
	if c.PostgresDSN != "" {
		return c.PostgresDSN, nil
	}

	if c.PostgresHost == "" {
		return "", errors.New("POSTGRES_HOST or POSTGRES_DSN must be set")
	}
	if c.PostgresUser == "" {
		return "", errors.New("POSTGRES_USER must be set")
	}
	if c.PostgresDB == "" {
		return "", errors.New("POSTGRES_DB must be set")
	}

	port := c.PostgresPort
	if port == "" {
		port = "5432"
	}
	sslMode := c.PostgresSSLMode
	if sslMode == "" {
		sslMode = "disable"
	}

	dsn := fmt.Sprintf("host=%s port=%s user=%s dbname=%s sslmode=%s",
		c.PostgresHost, port, c.PostgresUser, c.PostgresDB, sslMode)
	if c.PostgresPassword != "" {
		dsn += " password=" + c.PostgresPassword
	}
	return dsn, nil
}

// New reads the configuration from the environment. When CONFIG_PATH names a
// YAML file it is read first and the environment is overlaid on top.
func New() (*Config, error) {
	var c Config
	if path := os.Getenv("CONFIG_PATH"); path != "" {
		if err := cleanenv.ReadConfig(path, &c); err != nil {
			return nil, fmt.Errorf("read config %q: %w", path, err)
		}
	} else if err := cleanenv.ReadEnv(&c); err != nil {
		return nil, fmt.Errorf("read env: %w", err)
	}

	if err := c.validate(); err != nil {
		return nil, err
	}
	return &c, nil
}

func (c *Config) validate() error {
	switch c.DBAdapter {
	case "postgres":
		dsn, err := c.BuildPostgresDSN()
		if err != nil {
			return fmt.Errorf("postgres configuration error: %w", err)
		}
		c.PostgresDSN = dsn
		if c.PostgresDriver != "postgres" && c.PostgresDriver != "pgx" {
			return fmt.Errorf("invalid POSTGRES_DRIVER: %s (supported: postgres, pgx)", c.PostgresDriver)
		}
	case "sqlite":
		if c.SQLiteFile == "" {
			return errors.New("SQLITE_FILE must be set when DB_ADAPTER=sqlite")
		}
	case "memory":
	default:
		return fmt.Errorf("unsupported DB_ADAPTER: %s (supported: postgres, sqlite, memory)", c.DBAdapter)
	}

	switch c.RefreshStore {
	case "sql":
	case "redis":
		if c.RedisURL == "" {
			return errors.New("REDIS_URL must be set when REFRESH_STORE=redis")
		}
	default:
		return fmt.Errorf("unsupported REFRESH_STORE: %s (supported: sql, redis)", c.RefreshStore)
	}

	if c.AccessTokenSecret == "" || c.RefreshTokenSecret == "" {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must be set")
	}
	if c.AccessTokenSecret == c.RefreshTokenSecret {
		return errors.New("ACCESS_TOKEN_SECRET and REFRESH_TOKEN_SECRET must differ")
	}
	if c.IsProduction() && (c.AccessTokenSecret == defaultAccessSecret || c.RefreshTokenSecret == defaultRefreshSecret) {
		return errors.New("token secrets must be set in production")
	}
	if c.AccessTokenTTL <= 0 || c.RefreshTokenTTL <= 0 {
		return errors.New("token TTLs must be positive")
	}

	switch strings.ToLower(c.RefreshRotation) {
	case "never", "on_use":
	default:
		return fmt.Errorf("invalid REFRESH_ROTATION: %s (supported: never, on_use)", c.RefreshRotation)
	}
	if _, err := time.Parse("15:04", c.SweepAt); err != nil {
		return fmt.Errorf("invalid SWEEP_AT: %s", c.SweepAt)
	}
	if (c.AdminEmail == "") != (c.AdminPassword == "") {
		return errors.New("ADMIN_EMAIL and ADMIN_PASSWORD must be set together")
	}
	if c.LoginRatePerMinute < 0 {
		return fmt.Errorf("invalid LOGIN_RATE_PER_MINUTE: %d", c.LoginRatePerMinute)
	}

	if _, err := strconv.Atoi(c.Port); err != nil {
		return fmt.Errorf("invalid PORT: %s", c.Port)
	}
	return nil
}
