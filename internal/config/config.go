// Package config loads gateway configuration from an optional YAML file
// plus environment-variable overrides, the same two-layer shape the
// producer and consumer share.
package config

import (
	"log/slog"
	"os"
	"strconv"
	"strings"
	"sync"

	"gopkg.in/yaml.v2"
)

// =============================================================================
// Streaming antivirus gateway - configuration with environment overrides
// =============================================================================

type Config struct {
	Redis       RedisConfig       `yaml:"redis"`
	Engine      EngineConfig      `yaml:"engine"`
	Queue       QueueConfig       `yaml:"queue"`
	Scan        ScanConfig        `yaml:"scan"`
	GRPC        GRPCConfig        `yaml:"grpc"`
	Tenant      TenantConfig      `yaml:"tenant"`
	Console     ConsoleConfig     `yaml:"console"`
	Cluster     ClusterConfig     `yaml:"cluster"`
	SDS         SDSConfig         `yaml:"sds"`
	FeatureFlag FeatureFlagConfig `yaml:"feature_flag"`
	Webhook     WebhookConfig     `yaml:"webhook"`
	Dispatcher  DispatcherConfig  `yaml:"dispatcher"`
}

type RedisConfig struct {
	Host     string `yaml:"host"`
	Port     int    `yaml:"port"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// EngineConfig addresses the external content-scanning daemon (a
// ClamAV-style INSTREAM server) over TCP or UNIX socket.
type EngineConfig struct {
	URL string `yaml:"url"` // e.g. tcp://127.0.0.1:3310 or unix:///run/clamd.sock
}

type QueueConfig struct {
	Names []string `yaml:"names"` // e.g. ["scan_priority", "scan_normal"]
}

type ScanConfig struct {
	Mount             string `yaml:"mount"`
	EnableMemoryCheck bool   `yaml:"enable_memory_check"`
	MinFreeMemoryMB   int    `yaml:"min_free_memory_mb"`
	FileThresholdMB   int    `yaml:"file_threshold_mb"`

	// InfectionMode selects which of the two infection-response variants
	// the External-Processor Handler runs: "blocking" holds the final
	// CONTINUE until the scan result is known and substitutes an
	// immediate-403 on infection; "fire_and_forget" lets bytes through
	// immediately and handles infections asynchronously via the
	// clean-cache's block list.
	InfectionMode string `yaml:"infection_mode"`
}

type GRPCConfig struct {
	Port int `yaml:"port"`
}

type TenantConfig struct {
	DefaultID string `yaml:"default_id"`
}

type ConsoleConfig struct {
	APIURL string `yaml:"api_url"`
}

// ClusterConfig names this node and the surge-scaling deployment the
// Cluster Coordinator may ask an external autoscaler to grow.
type ClusterConfig struct {
	NodeName       string `yaml:"node_name"`
	DeploymentName string `yaml:"deployment_name"`
}

// SDSConfig points at the intermediate CA used to mint on-demand leaf
// certificates and sizes the LRU cert cache. SpireSocketPath and
// TrustDomain are optional: when SpireSocketPath is empty the SDS
// listener serves plaintext gRPC (suitable for a loopback sidecar),
// matching how the rest of the gateway treats mTLS as an opt-in hardening
// layer rather than a hard requirement.
type SDSConfig struct {
	CACertPath      string `yaml:"ca_cert_path"`
	CAKeyPath       string `yaml:"ca_key_path"`
	CacheMaxSize    int    `yaml:"cache_max_size"`
	CacheTTLSeconds int    `yaml:"cache_ttl_seconds"`
	SpireSocketPath string `yaml:"spire_socket_path"`
	TrustDomain     string `yaml:"trust_domain"`
	Port            int    `yaml:"port"`
}

// FeatureFlagConfig selects the priority-lookup backend.
type FeatureFlagConfig struct {
	Engine       string `yaml:"engine"` // "flagsmith" | "envvar"
	ScanPriority string `yaml:"scan_priority"`
	BaseURL      string `yaml:"base_url"`
}

// WebhookConfig sizes the console-notification dispatcher.
type WebhookConfig struct {
	Workers int `yaml:"workers"`
}

// DispatcherConfig sizes the consumer's worker pool.
type DispatcherConfig struct {
	Workers int `yaml:"workers"`
}

// =============================================================================
// Singleton pattern with environment overrides
// =============================================================================

var (
	instance *Config
	once     sync.Once
)

// Get returns the process-wide singleton config instance.
func Get() *Config {
	once.Do(func() {
		cfg, err := LoadConfig(getEnv("CONFIG_PATH", "config.yaml"))
		if err != nil {
			slog.Warn("config: failed to load config file, using defaults", "error", err)
		}
		if cfg == nil {
			cfg = &Config{}
		}
		cfg.applyEnvOverrides()
		instance = cfg
	})
	return instance
}

// LoadConfig loads config from a YAML file. A missing file is not fatal —
// callers fall back to environment variables and defaults.
func LoadConfig(path string) (*Config, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var cfg Config
	decoder := yaml.NewDecoder(f)
	if err := decoder.Decode(&cfg); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// applyEnvOverrides applies the environment variables listed in spec.md
// §6 on top of whatever the YAML file set.
func (c *Config) applyEnvOverrides() {
	c.Redis.Host = getEnv("REDIS_HOST", c.Redis.Host)
	if v := getEnvInt("REDIS_PORT", 0); v > 0 {
		c.Redis.Port = v
	}
	c.Redis.Password = getEnv("REDIS_PASSWORD", c.Redis.Password)
	if v := getEnvInt("REDIS_DB", 0); v > 0 {
		c.Redis.DB = v
	}

	c.Engine.URL = getEnv("CLAMD_URL", c.Engine.URL)

	if q := getEnv("QUEUES", ""); q != "" {
		c.Queue.Names = splitCSV(q)
	}

	c.Scan.Mount = getEnv("SCAN_MOUNT", c.Scan.Mount)
	c.Scan.EnableMemoryCheck = getEnvBool("ENABLE_MEMORY_CHECK", c.Scan.EnableMemoryCheck)
	if v := getEnvInt("MIN_FREE_MEMORY_MB", 0); v > 0 {
		c.Scan.MinFreeMemoryMB = v
	}
	if v := getEnvInt("SCAN_FILE_THRESHOLD_MB", 0); v > 0 {
		c.Scan.FileThresholdMB = v
	}
	c.Scan.InfectionMode = getEnv("INFECTION_MODE", c.Scan.InfectionMode)

	if v := getEnvInt("GRPC_PORT", 0); v > 0 {
		c.GRPC.Port = v
	}

	c.Tenant.DefaultID = getEnv("TENANT_ID", c.Tenant.DefaultID)
	c.Console.APIURL = getEnv("CONSOLE_API_URL", c.Console.APIURL)

	c.Cluster.NodeName = getEnv("HOSTNAME", c.Cluster.NodeName)
	c.Cluster.DeploymentName = getEnv("DEPLOYMENT_NAME", c.Cluster.DeploymentName)

	c.SDS.CACertPath = getEnv("CA_CERT_PATH", c.SDS.CACertPath)
	c.SDS.CAKeyPath = getEnv("CA_KEY_PATH", c.SDS.CAKeyPath)
	if v := getEnvInt("SDS_CACHE_MAX_SIZE", 0); v > 0 {
		c.SDS.CacheMaxSize = v
	}
	if v := getEnvInt("SDS_CACHE_TTL_SECONDS", 0); v > 0 {
		c.SDS.CacheTTLSeconds = v
	}
	c.SDS.SpireSocketPath = getEnv("SDS_SPIRE_SOCKET_PATH", c.SDS.SpireSocketPath)
	c.SDS.TrustDomain = getEnv("SDS_TRUST_DOMAIN", c.SDS.TrustDomain)
	if v := getEnvInt("SDS_PORT", 0); v > 0 {
		c.SDS.Port = v
	}

	c.FeatureFlag.Engine = getEnv("FEATURE_FLAG_ENGINE", c.FeatureFlag.Engine)
	c.FeatureFlag.ScanPriority = getEnv("SCAN_PRIORITY", c.FeatureFlag.ScanPriority)
	c.FeatureFlag.BaseURL = getEnv("FEATURE_FLAG_BASE_URL", c.FeatureFlag.BaseURL)

	if v := getEnvInt("WEBHOOK_WORKERS", 0); v > 0 {
		c.Webhook.Workers = v
	}
	if v := getEnvInt("DISPATCHER_WORKERS", 0); v > 0 {
		c.Dispatcher.Workers = v
	}

	c.applyDefaults()
}

// applyDefaults fills in zero-valued fields with the defaults from spec.md.
func (c *Config) applyDefaults() {
	if c.Redis.Host == "" {
		c.Redis.Host = "localhost"
	}
	if c.Redis.Port == 0 {
		c.Redis.Port = 6379
	}
	if c.Engine.URL == "" {
		c.Engine.URL = "tcp://127.0.0.1:3310"
	}
	if len(c.Queue.Names) == 0 {
		c.Queue.Names = []string{"scan_priority", "scan_normal"}
	}
	if c.Scan.Mount == "" {
		c.Scan.Mount = "/tmp/virusscan"
	}
	if c.Scan.MinFreeMemoryMB == 0 {
		c.Scan.MinFreeMemoryMB = 500
	}
	if c.Scan.FileThresholdMB == 0 {
		c.Scan.FileThresholdMB = 100
	}
	if c.GRPC.Port == 0 {
		c.GRPC.Port = 9001
	}
	if c.Tenant.DefaultID == "" {
		c.Tenant.DefaultID = "default"
	}
	if c.Cluster.NodeName == "" {
		c.Cluster.NodeName = "unknown-node"
	}
	if c.SDS.CacheMaxSize == 0 {
		c.SDS.CacheMaxSize = 1000
	}
	if c.SDS.CacheTTLSeconds == 0 {
		c.SDS.CacheTTLSeconds = 3600
	}
	if c.FeatureFlag.Engine == "" {
		c.FeatureFlag.Engine = "envvar"
	}
	if c.Scan.InfectionMode == "" {
		c.Scan.InfectionMode = "fire_and_forget"
	}
	if c.SDS.Port == 0 {
		c.SDS.Port = 9002
	}
	if c.Webhook.Workers == 0 {
		c.Webhook.Workers = 4
	}
	if c.Dispatcher.Workers == 0 {
		c.Dispatcher.Workers = 5
	}
}

// =============================================================================
// Helper functions
// =============================================================================

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvBool(key string, defaultVal bool) bool {
	if val := os.Getenv(key); val != "" {
		return val == "true" || val == "1"
	}
	return defaultVal
}

func getEnvFloat(key string, defaultVal float64) float64 {
	if val := os.Getenv(key); val != "" {
		if f, err := strconv.ParseFloat(val, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func getEnvInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if i, err := strconv.Atoi(val); err == nil {
			return i
		}
	}
	return defaultVal
}

func splitCSV(s string) []string {
	parts := make([]string, 0)
	for _, p := range strings.Split(s, ",") {
		trimmed := strings.TrimSpace(p)
		if trimmed != "" {
			parts = append(parts, trimmed)
		}
	}
	return parts
}

// =============================================================================
// Convenience methods
// =============================================================================

// RedisAddr returns the host:port string go-redis expects.
func (c *Config) RedisAddr() string {
	return c.Redis.Host + ":" + strconv.Itoa(c.Redis.Port)
}
