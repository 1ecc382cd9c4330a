// Package config loads RansomEye DRC configuration from environment
// variables, the same shape across the daemon, the agent, and the CLI.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Config holds all DRC configuration from environment variables.
// Mutable fields (queue lease TTL, compression mode, policy reload interval)
// are protected by an RWMutex and must be accessed via getter/setter methods
// at runtime, since background workers read them while HTTP handlers or the
// CLI may write them.
type Config struct {
	// Process mode: "server" (C5-C9), "agent" (C3-C4), or "probe".
	Mode string

	// Database (relational store behind C2/C5/C6/C8).
	DBHost            string
	DBPort            int
	DBUser            string
	DBPassword        string
	DBName            string
	DBSSLMode         string
	DBMaxOpenConns    int
	DBMaxIdleConns    int
	DBConnMaxLifetime time.Duration

	// Redis read-through cache in front of the correlation graph (C6).
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// Logging.
	LogJSON bool

	// HTTP surfaces (C9).
	HTTPAddr       string
	HTTPTLSCert    string
	HTTPTLSKey     string
	HTTPClientCA   string // mTLS: CA bundle trusted for client certs
	BearerJWTKey   string // HMAC key for golang-jwt bearer tokens
	MetricsEnabled bool
	PolicyPath     string // alert-matching policy document (C5)

	// Key directory (unifies the three signing flows, see SPEC_FULL.md §E.1).
	KeyDir             string
	KeyPassphrase      string // passphrase protecting scrypt+AES-GCM sealed private keys
	OrchSignKeyPath    string
	OrchVerifyKeyPath  string
	ReceiptSignKeyPath string
	UpdatePubkeyPath   string

	// Agent/probe.
	CoreAPIURL          string
	AgentCertPath       string
	AgentKeyPath        string
	CACertPath          string
	BufferDir           string
	MaxBufferMB         int
	HeartbeatIntervalS  int
	UploadBatchSize     int
	UpdatePubkeyPathEnv string
	SelfTestCmd         string
	AgentDataDir        string // bbolt-backed local metadata store
	EnrollURL           string
	EnrollToken         string
	HostID              string
	InsecureBootstrap   bool // skip server cert verification during first enrollment only

	// mu protects the mutable runtime fields below.
	mu                sync.RWMutex
	queueLeaseTTL     time.Duration
	bundleChunkSizeMB int
	compression       string // "zstd" | "gzip" | "auto"
	queueConcurrency  int
	policyReloadEvery time.Duration
	dedupWindow       time.Duration
}

// Load reads all configuration from environment variables with defaults.
func Load() *Config {
	return &Config{
		Mode: envStr("DRC_MODE", ""),

		DBHost:            envStr("DB_HOST", "localhost"),
		DBPort:            envInt("DB_PORT", 5432),
		DBUser:            envStr("DB_USER", "drc"),
		DBPassword:        envStr("DB_PASSWORD", ""),
		DBName:            envStr("DB_NAME", "ransomeye"),
		DBSSLMode:         envStr("DB_SSL_MODE", "disable"),
		DBMaxOpenConns:    envInt("DB_MAX_OPEN_CONNS", 25),
		DBMaxIdleConns:    envInt("DB_MAX_IDLE_CONNS", 5),
		DBConnMaxLifetime: envDuration("DB_CONN_MAX_LIFETIME", 5*time.Minute),

		RedisAddr:     envStr("REDIS_ADDR", ""),
		RedisPassword: envStr("REDIS_PASSWORD", ""),
		RedisDB:       envInt("REDIS_DB", 0),

		LogJSON: envBool("DRC_LOG_JSON", true),

		HTTPAddr:       envStr("DRC_HTTP_ADDR", ":8443"),
		HTTPTLSCert:    envStr("DRC_TLS_CERT", ""),
		HTTPTLSKey:     envStr("DRC_TLS_KEY", ""),
		HTTPClientCA:   envStr("DRC_CLIENT_CA", ""),
		BearerJWTKey:   envStr("DRC_BEARER_JWT_KEY", ""),
		MetricsEnabled: envBool("DRC_METRICS", true),
		PolicyPath:     envStr("DRC_POLICY_PATH", "/etc/ransomeye/policies.yaml"),

		KeyDir:             envStr("DRC_KEY_DIR", "/etc/ransomeye/keys"),
		KeyPassphrase:      envStr("DRC_KEY_PASSPHRASE", ""),
		OrchSignKeyPath:    envStr("ORCH_SIGN_KEY_PATH", ""),
		OrchVerifyKeyPath:  envStr("ORCH_VERIFY_KEY_PATH", ""),
		ReceiptSignKeyPath: envStr("RECEIPT_SIGN_KEY_PATH", ""),
		UpdatePubkeyPath:   envStr("UPDATE_PUBKEY_PATH", ""),

		CoreAPIURL:         envStr("CORE_API_URL", ""),
		AgentCertPath:      envStr("AGENT_CERT_PATH", ""),
		AgentKeyPath:       envStr("AGENT_KEY_PATH", ""),
		CACertPath:         envStr("CA_CERT_PATH", ""),
		BufferDir:          envStr("BUFFER_DIR", "/var/lib/ransomeye/buffer"),
		MaxBufferMB:        envInt("MAX_BUFFER_MB", 1024),
		HeartbeatIntervalS: envInt("HEARTBEAT_INTERVAL_SEC", 60),
		UploadBatchSize:    envInt("UPLOAD_BATCH_SIZE", 32),
		SelfTestCmd:        envStr("SELF_TEST_CMD", ""),
		AgentDataDir:       envStr("AGENT_DATA_DIR", "/var/lib/ransomeye/agent"),
		EnrollURL:          envStr("ENROLL_URL", ""),
		EnrollToken:        envStr("ENROLL_TOKEN", ""),
		HostID:             envStr("HOST_ID", ""),
		InsecureBootstrap:  envBool("ENROLL_INSECURE_BOOTSTRAP", false),

		queueLeaseTTL:     envDuration("QUEUE_LEASE_TTL_SEC", 30*time.Second),
		bundleChunkSizeMB: envInt("BUNDLE_CHUNK_SIZE_MB", 256),
		compression:       envStr("COMPRESSION", "auto"),
		queueConcurrency:  envInt("QUEUE_CONCURRENCY", 4),
		policyReloadEvery: envDuration("POLICY_RELOAD_INTERVAL", 5*time.Second),
		dedupWindow:       envDuration("ALERT_DEDUP_WINDOW", 60*time.Second),
	}
}

// NewTestConfig creates a Config with sensible defaults for testing.
func NewTestConfig() *Config {
	c := &Config{
		Mode:              "server",
		DBHost:            "localhost",
		DBPort:            5432,
		DBName:            "ransomeye_test",
		DBSSLMode:         "disable",
		DBMaxOpenConns:    5,
		DBConnMaxLifetime: 5 * time.Minute,
		queueLeaseTTL:     30 * time.Second,
		bundleChunkSizeMB: 256,
		compression:       "auto",
		queueConcurrency:  4,
		policyReloadEvery: 5 * time.Second,
		dedupWindow:       60 * time.Second,
	}
	return c
}

// Validate checks configuration for invalid values.
func (c *Config) Validate() error {
	c.mu.RLock()
	ttl := c.queueLeaseTTL
	chunkMB := c.bundleChunkSizeMB
	comp := c.compression
	conc := c.queueConcurrency
	c.mu.RUnlock()

	var errs []error
	switch c.Mode {
	case "", "server", "agent", "probe":
	default:
		errs = append(errs, fmt.Errorf("DRC_MODE must be server, agent, or probe, got %q", c.Mode))
	}
	if c.DBPort <= 0 {
		errs = append(errs, fmt.Errorf("DB_PORT must be > 0, got %d", c.DBPort))
	}
	if ttl < 0 {
		errs = append(errs, fmt.Errorf("QUEUE_LEASE_TTL_SEC must be >= 0, got %s", ttl))
	}
	if chunkMB <= 0 {
		errs = append(errs, fmt.Errorf("BUNDLE_CHUNK_SIZE_MB must be > 0, got %d", chunkMB))
	}
	switch comp {
	case "zstd", "gzip", "auto":
	default:
		errs = append(errs, fmt.Errorf("COMPRESSION must be zstd, gzip, or auto, got %q", comp))
	}
	if conc <= 0 {
		errs = append(errs, fmt.Errorf("QUEUE_CONCURRENCY must be > 0, got %d", conc))
	}
	if (c.HTTPTLSCert == "") != (c.HTTPTLSKey == "") {
		errs = append(errs, fmt.Errorf("DRC_TLS_CERT and DRC_TLS_KEY must both be set or both empty"))
	}
	if c.IsAgent() && c.CoreAPIURL == "" {
		errs = append(errs, fmt.Errorf("CORE_API_URL is required in agent mode"))
	}
	return errors.Join(errs...)
}

// IsAgent returns true when the process should run the agent/probe transport
// and update-apply code paths instead of the server HTTP surfaces.
func (c *Config) IsAgent() bool {
	return c.Mode == "agent" || c.Mode == "probe"
}

// Values returns all configuration as a string map for display, with
// secrets redacted.
func (c *Config) Values() map[string]string {
	c.mu.RLock()
	ttl := c.queueLeaseTTL
	chunkMB := c.bundleChunkSizeMB
	comp := c.compression
	conc := c.queueConcurrency
	reload := c.policyReloadEvery
	dedup := c.dedupWindow
	c.mu.RUnlock()

	return map[string]string{
		"DRC_MODE":               c.Mode,
		"DB_HOST":                c.DBHost,
		"DB_PORT":                strconv.Itoa(c.DBPort),
		"DB_NAME":                c.DBName,
		"DB_SSL_MODE":            c.DBSSLMode,
		"DB_PASSWORD":            redactSecret(c.DBPassword),
		"REDIS_ADDR":             c.RedisAddr,
		"DRC_HTTP_ADDR":          c.HTTPAddr,
		"DRC_TLS_CERT":           c.HTTPTLSCert,
		"DRC_METRICS":            fmt.Sprintf("%t", c.MetricsEnabled),
		"DRC_KEY_DIR":            c.KeyDir,
		"QUEUE_LEASE_TTL_SEC":    ttl.String(),
		"BUNDLE_CHUNK_SIZE_MB":   strconv.Itoa(chunkMB),
		"COMPRESSION":            comp,
		"QUEUE_CONCURRENCY":      strconv.Itoa(conc),
		"POLICY_RELOAD_INTERVAL": reload.String(),
		"ALERT_DEDUP_WINDOW":     dedup.String(),
		"CORE_API_URL":           c.CoreAPIURL,
		"BUFFER_DIR":             c.BufferDir,
		"MAX_BUFFER_MB":          strconv.Itoa(c.MaxBufferMB),
	}
}

func envStr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

func envBool(key string, def bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

func envDuration(key string, def time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		// QUEUE_LEASE_TTL_SEC and similar are documented in bare seconds.
		if n, serr := strconv.Atoi(v); serr == nil {
			return time.Duration(n) * time.Second
		}
		return def
	}
	return d
}

// QueueLeaseTTL returns the current lease TTL (thread-safe).
func (c *Config) QueueLeaseTTL() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.queueLeaseTTL == 0 {
		return 30 * time.Second
	}
	return c.queueLeaseTTL
}

// SetQueueLeaseTTL updates the lease TTL at runtime (thread-safe).
func (c *Config) SetQueueLeaseTTL(d time.Duration) {
	c.mu.Lock()
	c.queueLeaseTTL = d
	c.mu.Unlock()
}

// BundleChunkSize returns the configured chunk size in bytes (thread-safe).
func (c *Config) BundleChunkSize() int64 {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return int64(c.bundleChunkSizeMB) * 1024 * 1024
}

// SetBundleChunkSizeMB updates the chunk size at runtime (thread-safe).
func (c *Config) SetBundleChunkSizeMB(mb int) {
	c.mu.Lock()
	c.bundleChunkSizeMB = mb
	c.mu.Unlock()
}

// Compression returns the configured compression mode (thread-safe).
func (c *Config) Compression() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.compression
}

// SetCompression updates the compression mode at runtime (thread-safe).
func (c *Config) SetCompression(mode string) {
	c.mu.Lock()
	c.compression = mode
	c.mu.Unlock()
}

// QueueConcurrency returns the per-kind worker concurrency (thread-safe).
func (c *Config) QueueConcurrency() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.queueConcurrency
}

// PolicyReloadInterval returns how often the policy watcher polls for
// changes (thread-safe).
func (c *Config) PolicyReloadInterval() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.policyReloadEvery
}

// DedupWindow returns the default event-fingerprint dedup window
// (thread-safe). Alert dedup buckets are set per policy in internal/alerts
// and do not read this value.
func (c *Config) DedupWindow() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.dedupWindow
}

// redactSecret returns "(set)" if the value is non-empty, empty string
// otherwise — mirrors the teacher's redactPath helper.
func redactSecret(s string) string {
	if s != "" {
		return "(set)"
	}
	return ""
}

// TLSEnabled returns true when HTTP TLS is configured.
func (c *Config) TLSEnabled() bool {
	return c.HTTPTLSCert != "" && c.HTTPTLSKey != ""
}

// DSN returns a libpq-style connection string for the relational store.
func (c *Config) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.DBHost, c.DBPort, c.DBUser, c.DBPassword, c.DBName, c.DBSSLMode,
	)
}

// splitCSV parses a comma-separated list, trimming whitespace and dropping
// empty entries. Nothing in this module calls it.
func splitCSV(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}
