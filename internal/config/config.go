// Package config resolves the raged service configuration.
// Configuration is loaded with a layered precedence: defaults → YAML file → env vars.
// Environment variables always win, so container deployments are unaffected
// by a stray config file.
//
// File search order:
//  1. --config CLI flag (explicit path)
//  2. RAGED_CONFIG environment variable
//  3. ~/.raged/config.yaml
//  4. ./raged.yaml
//
// If no file is found the system runs entirely from env vars.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Default values applied when neither YAML nor env provides one.
const (
	// DefaultVectorDim is the embedding dimension assumed when VECTOR_DIM is
	// unset. It matches nomic-embed-text, the default ollama embedding model.
	DefaultVectorDim = 768

	// DefaultBodyLimitBytes caps inbound request bodies at 32 MiB.
	DefaultBodyLimitBytes = 32 << 20

	// DefaultBlobThresholdBytes is the raw-payload size above which documents
	// are off-loaded to the blob store when one is configured.
	DefaultBlobThresholdBytes = 1 << 20

	// DefaultEmbedConcurrency bounds in-flight embedding requests per batch.
	DefaultEmbedConcurrency = 10

	// DefaultTaskLease is how long a claimed enrichment task stays leased.
	DefaultTaskLease = 5 * time.Minute
)

// File is the YAML configuration file structure. Field names mirror the env
// var naming (lowercase, underscored) so operators can translate freely.
type File struct {
	// Database holds Postgres connection settings.
	Database struct {
		// URL is the Postgres connection string (env: DATABASE_URL).
		URL string `yaml:"url"`
	} `yaml:"database"`

	// Server holds HTTP server settings.
	Server struct {
		// Host is the bind address (env: HOST).
		Host string `yaml:"host"`
		// Port is the TCP port (env: PORT).
		Port int `yaml:"port"`
		// APIToken is the Bearer token (env: RAGED_API_TOKEN). Empty disables auth.
		APIToken string `yaml:"api_token"`
		// BodyLimitBytes is the maximum request body size (env: BODY_LIMIT_BYTES).
		BodyLimitBytes int `yaml:"body_limit_bytes"`
	} `yaml:"server"`

	// Embedding holds embedding provider settings.
	Embedding struct {
		// Provider selects the backend: openai, ollama (env: EMBED_PROVIDER).
		Provider string `yaml:"provider"`
		// Model is the embedding model name (env: EMBED_MODEL).
		Model string `yaml:"model"`
		// Dim is the vector dimension (env: VECTOR_DIM).
		Dim int `yaml:"dim"`
		// APIKey authenticates against the provider (env: EMBED_API_KEY).
		APIKey string `yaml:"api_key"`
		// Endpoint overrides the provider base URL (env: EMBED_ENDPOINT).
		Endpoint string `yaml:"endpoint"`
	} `yaml:"embedding"`

	// Enrichment holds enrichment queue settings.
	Enrichment struct {
		// Enabled gates enqueue on ingest (env: ENRICHMENT_ENABLED).
		Enabled bool `yaml:"enabled"`
	} `yaml:"enrichment"`

	// BlobStore holds optional blob store settings.
	BlobStore struct {
		// Endpoint is the S3-compatible endpoint (env: BLOB_STORE_ENDPOINT).
		Endpoint string `yaml:"endpoint"`
		// AccessKey authenticates the client (env: BLOB_STORE_ACCESS_KEY).
		AccessKey string `yaml:"access_key"`
		// SecretKey authenticates the client (env: BLOB_STORE_SECRET_KEY).
		SecretKey string `yaml:"secret_key"`
		// Bucket is the bucket name (env: BLOB_STORE_BUCKET).
		Bucket string `yaml:"bucket"`
		// UseSSL enables TLS to the endpoint (env: BLOB_STORE_USE_SSL).
		UseSSL bool `yaml:"use_ssl"`
		// ThresholdBytes is the raw-payload off-load threshold
		// (env: BLOB_STORE_THRESHOLD_BYTES).
		ThresholdBytes int `yaml:"threshold_bytes"`
	} `yaml:"blob_store"`

	// Logging holds structured logging settings.
	Logging struct {
		// Level is the minimum log level (env: LOG_LEVEL).
		Level string `yaml:"level"`
		// Format is json or text (env: LOG_FORMAT).
		Format string `yaml:"format"`
	} `yaml:"logging"`
}

// envMapping maps YAML fields to their env var names. Only non-empty YAML
// values are applied; env vars already set always take precedence.
var envMapping = []struct {
	envKey string
	value  func(*File) string
}{
	{"DATABASE_URL", func(f *File) string { return f.Database.URL }},
	{"HOST", func(f *File) string { return f.Server.Host }},
	{"PORT", func(f *File) string { return intStr(f.Server.Port) }},
	{"RAGED_API_TOKEN", func(f *File) string { return f.Server.APIToken }},
	{"BODY_LIMIT_BYTES", func(f *File) string { return intStr(f.Server.BodyLimitBytes) }},
	{"EMBED_PROVIDER", func(f *File) string { return f.Embedding.Provider }},
	{"EMBED_MODEL", func(f *File) string { return f.Embedding.Model }},
	{"VECTOR_DIM", func(f *File) string { return intStr(f.Embedding.Dim) }},
	{"EMBED_API_KEY", func(f *File) string { return f.Embedding.APIKey }},
	{"EMBED_ENDPOINT", func(f *File) string { return f.Embedding.Endpoint }},
	{"ENRICHMENT_ENABLED", func(f *File) string { return boolStr(f.Enrichment.Enabled) }},
	{"BLOB_STORE_ENDPOINT", func(f *File) string { return f.BlobStore.Endpoint }},
	{"BLOB_STORE_ACCESS_KEY", func(f *File) string { return f.BlobStore.AccessKey }},
	{"BLOB_STORE_SECRET_KEY", func(f *File) string { return f.BlobStore.SecretKey }},
	{"BLOB_STORE_BUCKET", func(f *File) string { return f.BlobStore.Bucket }},
	{"BLOB_STORE_USE_SSL", func(f *File) string { return boolStr(f.BlobStore.UseSSL) }},
	{"BLOB_STORE_THRESHOLD_BYTES", func(f *File) string { return intStr(f.BlobStore.ThresholdBytes) }},
	{"LOG_LEVEL", func(f *File) string { return f.Logging.Level }},
	{"LOG_FORMAT", func(f *File) string { return f.Logging.Format }},
}

// ApplyFile reads a YAML config file and applies non-empty values as
// environment variables. Existing env vars are never overwritten.
// Returns the path that was loaded, or empty string if no file was found.
func ApplyFile(explicitPath string, log *slog.Logger) (string, error) {
	path := resolveConfigPath(explicitPath)
	if path == "" {
		log.Debug("config: no YAML config file found, using env vars only")
		return "", nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("config: failed to read %s: %w", path, err)
	}

	var f File
	if err := yaml.Unmarshal(data, &f); err != nil {
		return "", fmt.Errorf("config: failed to parse %s: %w", path, err)
	}

	applied := 0
	for _, m := range envMapping {
		yamlVal := m.value(&f)
		if yamlVal == "" {
			continue
		}
		if os.Getenv(m.envKey) != "" {
			continue // env var already set — do not override
		}
		os.Setenv(m.envKey, yamlVal)
		applied++
	}

	log.Info("config: loaded YAML config",
		slog.String("path", path),
		slog.Int("keys_applied", applied),
	)

	return path, nil
}

// resolveConfigPath returns the first config file path that exists.
func resolveConfigPath(explicit string) string {
	if explicit != "" {
		if _, err := os.Stat(explicit); err == nil {
			return explicit
		}
		return ""
	}

	if envPath := os.Getenv("RAGED_CONFIG"); envPath != "" {
		if _, err := os.Stat(envPath); err == nil {
			return envPath
		}
	}

	home, err := os.UserHomeDir()
	if err == nil {
		p := filepath.Join(home, ".raged", "config.yaml")
		if _, err := os.Stat(p); err == nil {
			return p
		}
	}

	if _, err := os.Stat("raged.yaml"); err == nil {
		return "raged.yaml"
	}

	return ""
}

// Config is the fully-resolved runtime configuration, read once at startup
// and passed to constructors. No package reads env vars after Load returns.
type Config struct {
	// DatabaseURL is the Postgres connection string. Required.
	DatabaseURL string

	// Host is the HTTP bind address.
	Host string
	// Port is the HTTP TCP port.
	Port int
	// APIToken is the Bearer token required on protected routes.
	// Empty disables authentication.
	APIToken string
	// BodyLimitBytes caps inbound request bodies.
	BodyLimitBytes int

	// EmbedProvider selects the embedding backend: openai or ollama.
	EmbedProvider string
	// EmbedModel is the embedding model name.
	EmbedModel string
	// VectorDim is the embedding dimension enforced at ingest time.
	VectorDim int
	// EmbedAPIKey authenticates against the embedding provider.
	EmbedAPIKey string
	// EmbedEndpoint overrides the provider base URL.
	EmbedEndpoint string
	// EmbedConcurrency bounds in-flight embedding requests per batch.
	EmbedConcurrency int

	// EnrichmentEnabled gates task enqueue on ingest.
	EnrichmentEnabled bool
	// TaskLease is how long a claimed task stays leased.
	TaskLease time.Duration

	// BlobEndpoint, BlobAccessKey, BlobSecretKey, BlobBucket configure the
	// optional blob store. All empty means the fallback is disabled.
	BlobEndpoint  string
	BlobAccessKey string
	BlobSecretKey string
	BlobBucket    string
	// BlobUseSSL enables TLS to the blob store endpoint.
	BlobUseSSL bool
	// BlobThresholdBytes is the raw-payload size above which documents are
	// written to the blob store instead of inline.
	BlobThresholdBytes int
}

// Load resolves the Config from the environment. DATABASE_URL is required;
// everything else falls back to defaults.
func Load() (*Config, error) {
	dbURL := os.Getenv("DATABASE_URL")
	if dbURL == "" {
		return nil, fmt.Errorf("config: DATABASE_URL is required")
	}

	cfg := &Config{
		DatabaseURL:        dbURL,
		Host:               envOr("HOST", "0.0.0.0"),
		Port:               envInt("PORT", 3000),
		APIToken:           os.Getenv("RAGED_API_TOKEN"),
		BodyLimitBytes:     envInt("BODY_LIMIT_BYTES", DefaultBodyLimitBytes),
		EmbedProvider:      envOr("EMBED_PROVIDER", "ollama"),
		EmbedModel:         os.Getenv("EMBED_MODEL"),
		VectorDim:          envInt("VECTOR_DIM", DefaultVectorDim),
		EmbedAPIKey:        os.Getenv("EMBED_API_KEY"),
		EmbedEndpoint:      os.Getenv("EMBED_ENDPOINT"),
		EmbedConcurrency:   envInt("EMBED_CONCURRENCY", DefaultEmbedConcurrency),
		EnrichmentEnabled:  envBool("ENRICHMENT_ENABLED", false),
		TaskLease:          DefaultTaskLease,
		BlobEndpoint:       os.Getenv("BLOB_STORE_ENDPOINT"),
		BlobAccessKey:      os.Getenv("BLOB_STORE_ACCESS_KEY"),
		BlobSecretKey:      os.Getenv("BLOB_STORE_SECRET_KEY"),
		BlobBucket:         os.Getenv("BLOB_STORE_BUCKET"),
		BlobUseSSL:         envBool("BLOB_STORE_USE_SSL", false),
		BlobThresholdBytes: envInt("BLOB_STORE_THRESHOLD_BYTES", DefaultBlobThresholdBytes),
	}

	if cfg.VectorDim <= 0 {
		return nil, fmt.Errorf("config: VECTOR_DIM must be positive, got %d", cfg.VectorDim)
	}
	if cfg.BodyLimitBytes <= 0 {
		cfg.BodyLimitBytes = DefaultBodyLimitBytes
	}

	return cfg, nil
}

// BlobConfigured reports whether all mandatory blob store settings are set.
func (c *Config) BlobConfigured() bool {
	return c.BlobEndpoint != "" && c.BlobAccessKey != "" && c.BlobSecretKey != "" && c.BlobBucket != ""
}

// envOr returns the env var value or def when unset.
func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

// envInt returns the env var parsed as int, or def when unset or invalid.
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

// envBool returns the env var parsed as bool, or def when unset or invalid.
func envBool(key string, def bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return def
	}
}

// intStr converts an int to string, returning "" for zero values.
func intStr(v int) string {
	if v == 0 {
		return ""
	}
	return strconv.Itoa(v)
}

// boolStr converts a bool to string, returning "" for false.
func boolStr(v bool) string {
	if !v {
		return ""
	}
	return "true"
}
