package config

import (
	"fmt"
	"log"
	"strings"

	"github.com/spf13/viper"
)

type Config struct {
	Port     string `mapstructure:"PORT"`
	Env      string `mapstructure:"ENV"`
	LogLevel string `mapstructure:"LOG_LEVEL"`

	Clinics    []string `mapstructure:"CLINICS"`
	RosterFile string   `mapstructure:"ROSTER_FILE"`
	DataDir    string   `mapstructure:"DATA_DIR"`

	QueueHardCapacity   int     `mapstructure:"QUEUE_HARD_CAPACITY"`
	QueueIntakeCapacity int     `mapstructure:"QUEUE_INTAKE_CAPACITY"`
	BatchSize           int     `mapstructure:"BATCH_SIZE"`
	AssignPolicy        string  `mapstructure:"ASSIGN_POLICY"`
	CriticalProbability float64 `mapstructure:"CRITICAL_PROBABILITY"`
	CriticalSeed        uint64  `mapstructure:"CRITICAL_SEED"`

	AuditLogFile    string `mapstructure:"AUDIT_LOG_FILE"`
	AuditJournalDir string `mapstructure:"AUDIT_JOURNAL_DIR"`
	AuditBuffer     int    `mapstructure:"AUDIT_BUFFER"`

	DatabaseURL string `mapstructure:"DATABASE_URL"`
	DBMaxConns  int32  `mapstructure:"DB_MAX_CONNS"`
	DBMinConns  int32  `mapstructure:"DB_MIN_CONNS"`

	AuthIssuer     string   `mapstructure:"AUTH_ISSUER"`
	AuthAudience   string   `mapstructure:"AUTH_AUDIENCE"`
	AuthSigningKey string   `mapstructure:"AUTH_SIGNING_KEY"`
	CORSOrigins    []string `mapstructure:"CORS_ORIGINS"`
	BodyLimit      string   `mapstructure:"BODY_LIMIT"`
}

var keys = []string{
	"PORT", "ENV", "LOG_LEVEL",
	"CLINICS", "ROSTER_FILE", "DATA_DIR",
	"QUEUE_HARD_CAPACITY", "QUEUE_INTAKE_CAPACITY", "BATCH_SIZE", "ASSIGN_POLICY",
	"CRITICAL_PROBABILITY", "CRITICAL_SEED",
	"AUDIT_LOG_FILE", "AUDIT_JOURNAL_DIR", "AUDIT_BUFFER",
	"DATABASE_URL", "DB_MAX_CONNS", "DB_MIN_CONNS",
	"AUTH_ISSUER", "AUTH_AUDIENCE", "AUTH_SIGNING_KEY", "CORS_ORIGINS", "BODY_LIMIT",
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigFile(".env")
	v.AutomaticEnv()

	// Defaults
	v.SetDefault("PORT", "8000")
	v.SetDefault("ENV", "development")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("CLINICS", "Heart,Pulmonary,Plastic")
	v.SetDefault("DATA_DIR", "data")
	v.SetDefault("QUEUE_HARD_CAPACITY", 18)
	v.SetDefault("QUEUE_INTAKE_CAPACITY", 10)
	v.SetDefault("BATCH_SIZE", 9)
	v.SetDefault("ASSIGN_POLICY", "reject")
	v.SetDefault("CRITICAL_PROBABILITY", 0.25)
	v.SetDefault("CRITICAL_SEED", 0)
	v.SetDefault("AUDIT_LOG_FILE", "reports/transaction.txt")
	v.SetDefault("AUDIT_BUFFER", 256)
	v.SetDefault("DB_MAX_CONNS", 10)
	v.SetDefault("DB_MIN_CONNS", 1)
	v.SetDefault("CORS_ORIGINS", "http://localhost:3000")
	v.SetDefault("BODY_LIMIT", "64K")

	// Bind env vars explicitly so Unmarshal picks them up
	for _, k := range keys {
		v.BindEnv(k)
	}

	// Try reading .env file, but don't fail if missing
	_ = v.ReadInConfig()

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	cfg.Clinics = splitList(cfg.Clinics, v.GetString("CLINICS"))
	cfg.CORSOrigins = splitList(cfg.CORSOrigins, v.GetString("CORS_ORIGINS"))

	if cfg.IsDev() {
		log.Println("WARNING: ============================================================")
		log.Println("WARNING: Server is running in DEVELOPMENT mode (ENV=development).")
		log.Println("WARNING: The X-Coordinator header is trusted and grants admin.")
		log.Println("WARNING: Set ENV=production and AUTH_SIGNING_KEY for real auth.")
		log.Println("WARNING: ============================================================")
	}

	return cfg, nil
}

// splitList normalises a comma separated list that viper may or may not
// have split already.
func splitList(parsed []string, raw string) []string {
	if len(parsed) == 1 && strings.Contains(parsed[0], ",") {
		raw, parsed = parsed[0], nil
	}
	if parsed == nil && raw != "" {
		parsed = strings.Split(raw, ",")
	}
	out := make([]string, 0, len(parsed))
	for _, s := range parsed {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (c *Config) IsDev() bool {
	return c.Env == "development"
}

// IsProduction returns true when the server is configured for production mode.
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Validate checks that the configuration is safe to run. Outside development
// AUTH_SIGNING_KEY must be set so that bearer tokens are verified.
func (c *Config) Validate() error {
	if !c.IsDev() && len(c.AuthSigningKey) < 32 {
		return fmt.Errorf("AUTH_SIGNING_KEY must be at least 32 bytes when ENV=%q", c.Env)
	}
	if c.QueueHardCapacity <= 0 {
		return fmt.Errorf("QUEUE_HARD_CAPACITY must be positive, got %d", c.QueueHardCapacity)
	}
	if c.QueueIntakeCapacity <= 0 || c.QueueIntakeCapacity > c.QueueHardCapacity {
		return fmt.Errorf("QUEUE_INTAKE_CAPACITY must be between 1 and QUEUE_HARD_CAPACITY (%d), got %d",
			c.QueueHardCapacity, c.QueueIntakeCapacity)
	}
	if c.BatchSize <= 0 {
		return fmt.Errorf("BATCH_SIZE must be positive, got %d", c.BatchSize)
	}
	switch strings.ToLower(c.AssignPolicy) {
	case "reject", "replace":
	default:
		return fmt.Errorf("ASSIGN_POLICY must be \"reject\" or \"replace\", got %q", c.AssignPolicy)
	}
	if c.CriticalProbability < 0 || c.CriticalProbability > 1 {
		return fmt.Errorf("CRITICAL_PROBABILITY must be within [0, 1], got %v", c.CriticalProbability)
	}
	if c.AuditBuffer <= 0 {
		return fmt.Errorf("AUDIT_BUFFER must be positive, got %d", c.AuditBuffer)
	}
	if c.RosterFile == "" && len(c.Clinics) == 0 {
		return fmt.Errorf("either ROSTER_FILE or CLINICS must name at least one clinic")
	}
	if c.DBMinConns > c.DBMaxConns {
		return fmt.Errorf("DB_MIN_CONNS (%d) exceeds DB_MAX_CONNS (%d)", c.DBMinConns, c.DBMaxConns)
	}
	return nil
}
