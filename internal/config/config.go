package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

// Policies for handling a failed deprivation-index lookup during record
// creation. "ignore" records the decile as absent; "error" fails the request.
const (
	IMDPolicyIgnore = "ignore"
	IMDPolicyError  = "error"
)

type Config struct {
	Port             string   `mapstructure:"PORT"`
	Env              string   `mapstructure:"ENV"`
	DatabaseURL      string   `mapstructure:"DATABASE_URL"`
	DBMaxConns       int32    `mapstructure:"DB_MAX_CONNS"`
	DBMinConns       int32    `mapstructure:"DB_MIN_CONNS"`
	Pepper           string   `mapstructure:"PEPPER"`
	IMDBaseURL       string   `mapstructure:"IMD_BASE_URL"`
	IMDFailurePolicy string   `mapstructure:"IMD_FAILURE_POLICY"`
	RedisURL         string   `mapstructure:"REDIS_URL"`
	NATSURL          string   `mapstructure:"NATS_URL"`
	AdminJWTSecret   string   `mapstructure:"ADMIN_JWT_SECRET"`
	CORSOrigins      []string `mapstructure:"CORS_ORIGINS"`
	RateLimitRPS     float64  `mapstructure:"RATE_LIMIT_RPS"`
	RateLimitBurst   int      `mapstructure:"RATE_LIMIT_BURST"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("DB_MAX_CONNS", 20)
	v.SetDefault("DB_MIN_CONNS", 5)
	v.SetDefault("IMD_BASE_URL", "https://api.postcodes.io")
	v.SetDefault("IMD_FAILURE_POLICY", IMDPolicyIgnore)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("RATE_LIMIT_RPS", 100)
	v.SetDefault("RATE_LIMIT_BURST", 200)

	// Bind env vars explicitly so Unmarshal picks them up
	v.BindEnv("PORT")
	v.BindEnv("ENV")
	v.BindEnv("DATABASE_URL")
	v.BindEnv("DB_MAX_CONNS")
	v.BindEnv("DB_MIN_CONNS")
	v.BindEnv("PEPPER")
	v.BindEnv("IMD_BASE_URL")
	v.BindEnv("IMD_FAILURE_POLICY")
	v.BindEnv("REDIS_URL")
	v.BindEnv("NATS_URL")
	v.BindEnv("ADMIN_JWT_SECRET")
	v.BindEnv("CORS_ORIGINS")
	v.BindEnv("RATE_LIMIT_RPS")
	v.BindEnv("RATE_LIMIT_BURST")

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if cfg.CORSOrigins == nil {
		origins := v.GetString("CORS_ORIGINS")
		if origins != "" {
			cfg.CORSOrigins = strings.Split(origins, ",")
		}
	}

	if cfg.DatabaseURL == "" {
		return nil, fmt.Errorf("DATABASE_URL is required")
	}

	if cfg.IsDev() {
		log.Println("WARNING: ==========================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: The registry read API accepts unauthenticated requests.")
		log.Println("WARNING: Set ENV=production and ADMIN_JWT_SECRET for production.")
		log.Println("WARNING: ==========================================================")
	}

	return cfg, nil
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// SQLiteDSN returns the SQLite file path when DATABASE_URL selects the
// embedded SQLite store, and false otherwise. Postgres URLs pass through
// untouched to pgxpool.
func (c *Config) SQLiteDSN() (string, bool) {
	if strings.HasPrefix(c.DatabaseURL, "sqlite:") {
		return strings.TrimPrefix(c.DatabaseURL, "sqlite:"), true
	}
	return "", false
}

// Validate checks that the configuration is safe to run. The identity pepper
// is a hard startup precondition: without it the update verification gate
// cannot derive comparable hashes, so the process must not start. In
// non-development modes the admin read API additionally requires a JWT
// signing secret.
func (c *Config) Validate() error {
	if c.Pepper == "" {
		return fmt.Errorf("PEPPER is required; refusing to start without the identity hashing secret")
	}
	if len(c.Pepper) < 16 {
		return fmt.Errorf("PEPPER must be at least 16 characters, got %d", len(c.Pepper))
	}

	if !c.IsDev() && c.AdminJWTSecret == "" {
		return fmt.Errorf("ADMIN_JWT_SECRET is required when ENV=%q", c.Env)
	}

	switch c.IMDFailurePolicy {
	case IMDPolicyIgnore, IMDPolicyError:
	default:
		return fmt.Errorf("IMD_FAILURE_POLICY must be %q or %q, got %q",
			IMDPolicyIgnore, IMDPolicyError, c.IMDFailurePolicy)
	}

	return nil
}
