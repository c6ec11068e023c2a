// Package audit provides a structured audit logger for CLI command
// invocations. It logs command name, resolved configuration source, and
// sanitised environment state so operators can trace what happened without
// exposing secret values.
//
// Secrets are logged as presence/absence only — never their values.
package audit

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
)

// auditEntry defines an env var to include in the audit log.
type auditEntry struct {
	// key is the environment variable name.
	key string
	// secret indicates the value should be redacted to presence/absence.
	secret bool
}

// auditKeys is the ordered list of env vars included in every audit entry.
var auditKeys = []auditEntry{
	{key: "DATABASE_URL", secret: true},
	{key: "RAGED_API_TOKEN", secret: true},
	{key: "EMBED_PROVIDER"},
	{key: "EMBED_MODEL"},
	{key: "EMBED_API_KEY", secret: true},
	{key: "VECTOR_DIM"},
	{key: "ENRICHMENT_ENABLED"},
	{key: "BLOB_STORE_ENDPOINT"},
	{key: "BLOB_STORE_ACCESS_KEY", secret: true},
	{key: "BLOB_STORE_SECRET_KEY", secret: true},
	{key: "BLOB_STORE_BUCKET"},
	{key: "LOG_LEVEL"},
	{key: "LOG_FORMAT"},
}

// LogCommandStart emits a structured audit log entry when a CLI command
// begins. It records the command name, config file source, and sanitised
// environment.
func LogCommandStart(log *slog.Logger, command string, configPath string) {
	attrs := []slog.Attr{
		slog.String("command", command),
		slog.String("config_file", sanitiseConfigPath(configPath)),
	}

	for _, entry := range auditKeys {
		val := os.Getenv(entry.key)
		if entry.secret {
			attrs = append(attrs, slog.String(entry.key, presence(val)))
		} else {
			attrs = append(attrs, slog.String(entry.key, valOrUnset(val)))
		}
	}

	log.LogAttrs(context.Background(), slog.LevelInfo, "audit: command start", attrs...)
}

// sanitiseConfigPath reduces a config path to its base name — full paths can
// reveal usernames and directory layouts.
func sanitiseConfigPath(path string) string {
	if path == "" {
		return "none"
	}
	return filepath.Base(path)
}

// presence maps a secret value to "set"/"unset".
func presence(val string) string {
	if val == "" {
		return "unset"
	}
	return "set"
}

// valOrUnset maps an empty value to "unset".
func valOrUnset(val string) string {
	if val == "" {
		return "unset"
	}
	return val
}
