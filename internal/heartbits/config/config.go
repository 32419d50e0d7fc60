package config

import (
	"flag"
	"os"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config contains application configuration
type Config struct {
	RunAddress        string
	DatabaseURI       string
	JWTSecret         string
	KafkaBrokers      []string
	ReconcileInterval time.Duration
}

// NewConfig creates a new configuration from flags, environment
// variables and an optional .env file. Env vars win over flags.
func NewConfig() *Config {
	// Load .env if present; missing file is fine
	godotenv.Load()

	var cfg Config
	var brokers string
	var interval time.Duration

	// Parse flags
	flag.StringVar(&cfg.RunAddress, "a", "", "Server run address")
	flag.StringVar(&cfg.DatabaseURI, "d", "", "Database URI")
	flag.StringVar(&cfg.JWTSecret, "s", "", "JWT signing secret")
	flag.StringVar(&brokers, "k", "", "Kafka brokers, comma separated")
	flag.DurationVar(&interval, "i", time.Minute, "Reconciliation audit interval")
	flag.Parse()

	// Override with env vars if present
	if envAddr := os.Getenv("RUN_ADDRESS"); envAddr != "" {
		cfg.RunAddress = envAddr
	}

	if envDBURI := os.Getenv("DATABASE_URI"); envDBURI != "" {
		cfg.DatabaseURI = envDBURI
	}

	if envSecret := os.Getenv("JWT_SECRET"); envSecret != "" {
		cfg.JWTSecret = envSecret
	}

	if envBrokers := os.Getenv("KAFKA_BROKERS"); envBrokers != "" {
		brokers = envBrokers
	}

	if envInterval := os.Getenv("RECONCILE_INTERVAL"); envInterval != "" {
		if d, err := time.ParseDuration(envInterval); err == nil {
			interval = d
		}
	}

	// Set defaults if needed
	if cfg.RunAddress == "" {
		cfg.RunAddress = ":8080"
	}
	if cfg.JWTSecret == "" {
		cfg.JWTSecret = "dev-only-secret"
	}
	if brokers != "" {
		cfg.KafkaBrokers = strings.Split(brokers, ",")
	}
	cfg.ReconcileInterval = interval

	return &cfg
}
