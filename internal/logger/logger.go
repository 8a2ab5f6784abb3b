// Package logger provides the process-wide structured logger plus a
// dedicated audit sink for ACL-mutating decisions. Adapted from
// progressdb's pkg/logger: a slog.Logger configurable via env vars, and a
// JSON-lines audit file attached separately from the main sink.
package logger

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Log is the global structured logger. Init must be called before use;
// all helper functions below no-op safely if it is nil (useful in tests
// that don't call Init).
var Log *slog.Logger

// Audit is an optional dedicated audit logger for ACL grant/deny/revoke
// and token-redemption events. Falls back to Log when nil.
var Audit *slog.Logger

// Init initializes the global logger. Sink and level are overridable via
// BUNKERD_LOG_SINK ("file:/path") and BUNKERD_LOG_LEVEL.
func Init() {
	sink := os.Getenv("BUNKERD_LOG_SINK")
	lvl := strings.ToLower(strings.TrimSpace(os.Getenv("BUNKERD_LOG_LEVEL")))
	var level slog.Level
	switch lvl {
	case "debug":
		level = slog.LevelDebug
	case "warn", "warning":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	if strings.HasPrefix(sink, "file:") {
		path := strings.TrimPrefix(sink, "file:")
		f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
		if err == nil {
			Log = slog.New(slog.NewTextHandler(f, &slog.HandlerOptions{Level: level}))
			return
		}
		fmt.Fprintf(os.Stderr, "failed to open log file %s: %v\n", path, err)
	}
	Log = slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}

// AttachAuditFileSink configures a JSON-line audit logger writing to
// <dir>/audit.log, rotating the previous file if it has grown past 10MB.
func AttachAuditFileSink(dir string) error {
	if dir == "" {
		return fmt.Errorf("empty audit dir")
	}
	if fi, err := os.Lstat(dir); err == nil {
		if fi.Mode()&os.ModeSymlink != 0 {
			return fmt.Errorf("audit path is a symlink: %s", dir)
		}
		if !fi.IsDir() {
			return fmt.Errorf("audit path exists and is not a directory: %s", dir)
		}
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return fmt.Errorf("failed to create audit directory: %w", err)
	}
	fname := filepath.Join(dir, "audit.log")
	if fi, err := os.Stat(fname); err == nil {
		const maxSize = 10 * 1024 * 1024
		if fi.Size() > maxSize {
			bak := fname + "." + fi.ModTime().UTC().Format("20060102T150405Z")
			_ = os.Rename(fname, bak)
		}
	}
	f, err := os.OpenFile(fname, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open audit log file: %w", err)
	}
	Audit = slog.New(slog.NewJSONHandler(f, &slog.HandlerOptions{Level: slog.LevelInfo}))
	Audit.Info("audit_sink_attached", "path", fname, "time", time.Now().UTC())
	return nil
}

func Debug(msg string, args ...any) {
	if Log != nil {
		Log.Debug(msg, args...)
	}
}

func Info(msg string, args ...any) {
	if Log != nil {
		Log.Info(msg, args...)
	}
}

func Warn(msg string, args ...any) {
	if Log != nil {
		Log.Warn(msg, args...)
	}
}

func Error(msg string, args ...any) {
	if Log != nil {
		Log.Error(msg, args...)
	}
}

// AuditEvent logs an ACL-mutating decision to the audit sink, falling
// back to the main logger when no audit sink is attached.
func AuditEvent(msg string, args ...any) {
	if Audit != nil {
		Audit.Info(msg, args...)
		return
	}
	Info(msg, args...)
}

// RedactParams returns a copy of params with any key that looks like a
// secret (passphrase, token, nsec) replaced with a redaction marker, for
// safe inclusion in log lines.
func RedactParams(params map[string]any) map[string]any {
	out := make(map[string]any, len(params))
	for k, v := range params {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "passphrase") || strings.Contains(lk, "token") || strings.Contains(lk, "nsec") || strings.Contains(lk, "secret") {
			out[k] = "<redacted>"
			continue
		}
		out[k] = v
	}
	return out
}
