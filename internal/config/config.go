// Package config provides configuration loading for clusterflow.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for clusterflow.
type Config struct {
	// Gateway selection: "slurm" or "k8s"
	Gateway      string
	GatewayRPS   float64
	GatewayBurst int

	// Monitoring
	PollInterval time.Duration
	QueryRetries int
	QueryBackoff time.Duration

	// Scheduler
	TaskTimeout  time.Duration
	AsyncRelease string // "submit" or "running"

	// SLURM gateway
	SlurmLogDir  string
	SlurmSbatch  string
	SlurmSqueue  string
	SlurmSacct   string
	SlurmScancel string
	SlurmSinfo   string

	// K8s gateway
	K8sNamespace    string
	K8sInCluster    bool
	K8sKubeconfig   string
	K8sDefaultImage string
	K8sGPUResource  string

	// Server configuration
	Port          string
	ReadTimeout   time.Duration
	WriteTimeout  time.Duration
	ShutdownGrace time.Duration

	// RunStore configuration
	RunStoreType string // "memory" or "redis"
	RunStoreTTL  time.Duration
	EventMaxLen  int64

	// Redis configuration
	RedisURL      string
	RedisPassword string
	RedisDB       int

	// Job history database; empty disables history
	HistoryDB string

	// Webhook sink
	WebhookURL          string
	WebhookTimeout      time.Duration
	WebhookTokenURL     string
	WebhookClientID     string
	WebhookClientSecret string

	// Report archive
	S3Bucket    string
	S3Endpoint  string
	S3Region    string
	S3AccessKey string
	S3SecretKey string
	S3UseSSL    bool
	S3Prefix    string

	// OIDC configuration
	OIDCIssuer   string
	OIDCClientID string
	OIDCEnabled  bool

	// CORS configuration
	CORSOrigins []string

	// Rate limiting
	RateLimitRPS   float64
	RateLimitBurst int

	// Tracing
	OTELEnabled     bool
	OTELEndpoint    string
	OTELServiceName string

	// Logging
	LogLevel  string
	LogFormat string
}

// Load reads configuration from environment variables with sensible
// defaults. A .env file in the working directory is loaded first; variables
// already set in the environment win.
func Load() (*Config, error) {
	if err := loadDotEnv(".env"); err != nil {
		return nil, err
	}
	cfg := fromEnv()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func fromEnv() *Config {
	home, _ := os.UserHomeDir()
	return &Config{
		// Gateway
		Gateway:      getEnv("CLUSTERFLOW_GATEWAY", "slurm"),
		GatewayRPS:   getFloat("GATEWAY_RPS", 5.0),
		GatewayBurst: getInt("GATEWAY_BURST", 10),

		// Monitoring
		PollInterval: getDuration("POLL_INTERVAL", 5*time.Second),
		QueryRetries: getInt("QUERY_RETRIES", 3),
		QueryBackoff: getDuration("QUERY_BACKOFF", 500*time.Millisecond),

		// Scheduler
		TaskTimeout:  getDuration("TASK_TIMEOUT", 0), // 0 = watch forever
		AsyncRelease: getEnv("ASYNC_RELEASE", "submit"),

		// SLURM
		SlurmLogDir:  getEnv("SLURM_LOG_DIR", "logs"),
		SlurmSbatch:  getEnv("SLURM_SBATCH", "sbatch"),
		SlurmSqueue:  getEnv("SLURM_SQUEUE", "squeue"),
		SlurmSacct:   getEnv("SLURM_SACCT", "sacct"),
		SlurmScancel: getEnv("SLURM_SCANCEL", "scancel"),
		SlurmSinfo:   getEnv("SLURM_SINFO", "sinfo"),

		// K8s
		K8sNamespace:    getEnv("K8S_NAMESPACE", "clusterflow"),
		K8sInCluster:    getBool("K8S_IN_CLUSTER", false),
		K8sKubeconfig:   getEnv("KUBECONFIG", ""),
		K8sDefaultImage: getEnv("K8S_DEFAULT_IMAGE", "ubuntu:22.04"),
		K8sGPUResource:  getEnv("K8S_GPU_RESOURCE", "nvidia.com/gpu"),

		// Server
		Port:          getEnv("PORT", "7070"),
		ReadTimeout:   getDuration("READ_TIMEOUT", 30*time.Second),
		WriteTimeout:  getDuration("WRITE_TIMEOUT", 30*time.Second),
		ShutdownGrace: getDuration("SHUTDOWN_GRACE", 10*time.Second),

		// RunStore
		RunStoreType: getEnv("RUNSTORE", "memory"),
		RunStoreTTL:  getDuration("RUNSTORE_TTL", 7*24*time.Hour), // 7 days
		EventMaxLen:  getInt64("EVENT_MAX_LEN", 5000),

		// Redis
		RedisURL:      getEnv("REDIS_URL", "redis://localhost:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getInt("REDIS_DB", 0),

		// History
		HistoryDB: getEnv("HISTORY_DB", defaultHistoryPath(home)),

		// Webhook
		WebhookURL:          getEnv("WEBHOOK_URL", ""),
		WebhookTimeout:      getDuration("WEBHOOK_TIMEOUT", 10*time.Second),
		WebhookTokenURL:     getEnv("WEBHOOK_TOKEN_URL", ""),
		WebhookClientID:     getEnv("WEBHOOK_CLIENT_ID", ""),
		WebhookClientSecret: getEnv("WEBHOOK_CLIENT_SECRET", ""),

		// S3
		S3Bucket:    getEnv("S3_BUCKET", ""),
		S3Endpoint:  getEnv("S3_ENDPOINT", ""),
		S3Region:    getEnv("S3_REGION", "us-east-1"),
		S3AccessKey: getEnv("S3_ACCESS_KEY", ""),
		S3SecretKey: getEnv("S3_SECRET_KEY", ""),
		S3UseSSL:    getBool("S3_USE_SSL", true),
		S3Prefix:    getEnv("S3_PREFIX", "reports"),

		// OIDC
		OIDCIssuer:   getEnv("OIDC_ISSUER", ""),
		OIDCClientID: getEnv("OIDC_CLIENT_ID", ""),
		OIDCEnabled:  getBool("OIDC_ENABLED", false),

		// CORS
		CORSOrigins: getStringSlice("CORS_ORIGINS", []string{"http://localhost:5173", "http://localhost:3000"}),

		// Rate limiting
		RateLimitRPS:   getFloat("RATE_LIMIT_RPS", 100.0),
		RateLimitBurst: getInt("RATE_LIMIT_BURST", 200),

		// Tracing
		OTELEnabled:     getBool("OTEL_ENABLED", false),
		OTELEndpoint:    getEnv("OTEL_EXPORTER_OTLP_ENDPOINT", "localhost:4317"),
		OTELServiceName: getEnv("OTEL_SERVICE_NAME", "clusterflow"),

		// Logging
		LogLevel:  getEnv("LOG_LEVEL", "info"),
		LogFormat: getEnv("LOG_FORMAT", "text"),
	}
}

// Validate checks enumerated settings.
func (c *Config) Validate() error {
	switch c.Gateway {
	case "slurm", "k8s":
	default:
		return fmt.Errorf("config: CLUSTERFLOW_GATEWAY must be slurm or k8s, got %q", c.Gateway)
	}
	switch c.AsyncRelease {
	case "submit", "running":
	default:
		return fmt.Errorf("config: ASYNC_RELEASE must be submit or running, got %q", c.AsyncRelease)
	}
	switch c.RunStoreType {
	case "memory", "redis":
	default:
		return fmt.Errorf("config: RUNSTORE must be memory or redis, got %q", c.RunStoreType)
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("config: POLL_INTERVAL must be positive")
	}
	if c.OIDCEnabled && c.OIDCIssuer == "" {
		return fmt.Errorf("config: OIDC_ENABLED requires OIDC_ISSUER")
	}
	return nil
}

func defaultHistoryPath(home string) string {
	if home == "" {
		return ""
	}
	return home + "/.clusterflow/history.db"
}

func loadDotEnv(path string) error {
	if _, err := os.Stat(path); err != nil {
		return nil
	}
	if err := godotenv.Load(path); err != nil {
		return fmt.Errorf("config: load %s: %w", path, err)
	}
	return nil
}

// Helper functions for environment variable parsing

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func getInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.ParseInt(val, 10, 64); err == nil {
			return i
		}
	}
	return defaultVal
}

func getFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		if b, err := strconv.ParseBool(val); err == nil {
			return b
		}
	}
	return defaultVal
}

func getDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}

func getStringSlice(key string, defaultVal []string) []string {
	if val := os.Getenv(key); val != "" {
		parts := strings.Split(val, ",")
		out := parts[:0]
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, p)
			}
		}
		return out
	}
	return defaultVal
}
