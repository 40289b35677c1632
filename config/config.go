package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Ledger modes
const (
	LedgerModeMock   = "mock"
	LedgerModeRemote = "remote"
	LedgerModeOff    = "off"
)

// Database drivers
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

// Config holds all configuration for a CropTrace node
type Config struct {
	// Server Configuration
	HTTPPort      string
	PublicBaseURL string
	LogLevel      string

	// Database Configuration
	DatabaseDriver string
	DatabaseHost   string
	DatabasePort   string
	DatabaseUser   string
	DatabasePass   string
	DatabaseName   string
	SQLitePath     string

	// Identity Configuration
	IdentityPath string // empty keeps sessions in memory
	SessionTTL   time.Duration

	// Ledger Configuration
	LedgerMode     string
	LedgerEndpoint string // e.g., "http://localhost:5000"

	// Payments
	StripeSecretKey string

	// Workflow behaviour
	StrictPipeline bool
	AllowDemoLogin bool

	// Ledger mirror retry policy
	MirrorMaxRetries     int
	MirrorInitialBackoff time.Duration
	MirrorMaxBackoff     time.Duration
}

var defaults = map[string]interface{}{
	"HTTP_PORT":              "3000",
	"PUBLIC_BASE_URL":        "http://localhost:3000",
	"LOG_LEVEL":              "info",
	"DB_DRIVER":              DriverPostgres,
	"DB_HOST":                "localhost",
	"DB_PORT":                "5432",
	"DB_USER":                "postgres",
	"DB_PASS":                "postgrespassword",
	"DB_NAME":                "crop_tracking",
	"SQLITE_PATH":            "croptrace.db",
	"IDENTITY_PATH":          "./data/identity",
	"SESSION_TTL":            "24h",
	"LEDGER_MODE":            LedgerModeMock,
	"LEDGER_ENDPOINT":        "http://localhost:5000",
	"STRIPE_SECRET_KEY":      "",
	"STRICT_PIPELINE":        false,
	"ALLOW_DEMO_LOGIN":       true,
	"MIRROR_MAX_RETRIES":     5,
	"MIRROR_INITIAL_BACKOFF": "1s",
	"MIRROR_MAX_BACKOFF":     "1m",
}

// LoadConfig loads configuration from defaults, an optional config file and
// environment variables, in increasing order of precedence.
func LoadConfig(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile == "" {
		configFile = v.GetString("CROPTRACE_CONFIG")
	}
	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file %s: %w", configFile, err)
		}
	}

	return FromViper(v), nil
}

// FromViper builds a Config from an already populated viper instance
func FromViper(v *viper.Viper) *Config {
	return &Config{
		HTTPPort:      v.GetString("HTTP_PORT"),
		PublicBaseURL: strings.TrimRight(v.GetString("PUBLIC_BASE_URL"), "/"),
		LogLevel:      v.GetString("LOG_LEVEL"),

		DatabaseDriver: strings.ToLower(v.GetString("DB_DRIVER")),
		DatabaseHost:   v.GetString("DB_HOST"),
		DatabasePort:   v.GetString("DB_PORT"),
		DatabaseUser:   v.GetString("DB_USER"),
		DatabasePass:   v.GetString("DB_PASS"),
		DatabaseName:   v.GetString("DB_NAME"),
		SQLitePath:     v.GetString("SQLITE_PATH"),

		IdentityPath: v.GetString("IDENTITY_PATH"),
		SessionTTL:   v.GetDuration("SESSION_TTL"),

		LedgerMode:     strings.ToLower(v.GetString("LEDGER_MODE")),
		LedgerEndpoint: strings.TrimRight(v.GetString("LEDGER_ENDPOINT"), "/"),

		StripeSecretKey: v.GetString("STRIPE_SECRET_KEY"),

		StrictPipeline: v.GetBool("STRICT_PIPELINE"),
		AllowDemoLogin: v.GetBool("ALLOW_DEMO_LOGIN"),

		MirrorMaxRetries:     v.GetInt("MIRROR_MAX_RETRIES"),
		MirrorInitialBackoff: v.GetDuration("MIRROR_INITIAL_BACKOFF"),
		MirrorMaxBackoff:     v.GetDuration("MIRROR_MAX_BACKOFF"),
	}
}

// GetDSN returns the PostgreSQL connection string
func (c *Config) GetDSN() string {
	return fmt.Sprintf(
		"host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		c.DatabaseHost,
		c.DatabasePort,
		c.DatabaseUser,
		c.DatabasePass,
		c.DatabaseName,
	)
}

// Validate checks if required configuration is present
func (c *Config) Validate() error {
	if c.HTTPPort == "" {
		return fmt.Errorf("HTTP_PORT is required")
	}
	switch c.DatabaseDriver {
	case DriverPostgres:
		if c.DatabaseHost == "" || c.DatabaseName == "" {
			return fmt.Errorf("DB_HOST and DB_NAME are required for the postgres driver")
		}
	case DriverSQLite:
		if c.SQLitePath == "" {
			return fmt.Errorf("SQLITE_PATH is required for the sqlite driver")
		}
	default:
		return fmt.Errorf("unsupported DB_DRIVER %q", c.DatabaseDriver)
	}
	switch c.LedgerMode {
	case LedgerModeMock, LedgerModeOff:
	case LedgerModeRemote:
		if c.LedgerEndpoint == "" {
			return fmt.Errorf("LEDGER_ENDPOINT is required when LEDGER_MODE=remote")
		}
	default:
		return fmt.Errorf("unsupported LEDGER_MODE %q", c.LedgerMode)
	}
	if c.SessionTTL <= 0 {
		return fmt.Errorf("SESSION_TTL must be positive")
	}
	if c.MirrorMaxRetries < 0 {
		return fmt.Errorf("MIRROR_MAX_RETRIES must not be negative")
	}
	return nil
}
