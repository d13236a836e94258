package logger

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	lj "gopkg.in/natefinch/lumberjack.v2"
)

// Rotation defaults, matching the launcher's historical policy of small
// per-project logs.
const (
	DefaultMaxSizeMB  = 5 // MB
	DefaultMaxBackups = 3 // number of backup files
	DefaultMaxAgeDays = 7 // days
)

// Config describes the persistent log destination for one entry.
// If Path is empty and Dir is set, the file is Dir/<id>.log.
// Rotation parameters follow lumberjack semantics.
type Config struct {
	Dir        string `toml:"dir,omitempty" json:"dir" mapstructure:"dir"`
	Path       string `toml:"path,omitempty" json:"path" mapstructure:"path"`
	MaxSizeMB  int    `toml:"max_size_mb,omitempty" json:"max_size_mb" mapstructure:"max_size_mb"`
	MaxBackups int    `toml:"max_backups,omitempty" json:"max_backups" mapstructure:"max_backups"`
	MaxAgeDays int    `toml:"max_age_days,omitempty" json:"max_age_days" mapstructure:"max_age_days"`
	Compress   bool   `toml:"compress,omitempty" json:"compress" mapstructure:"compress"`
}

// PathFor resolves the log file path for an entry id, or "" when no
// destination is configured.
func (c Config) PathFor(id string) string {
	if c.Path != "" {
		return c.Path
	}
	if c.Dir != "" {
		return filepath.Join(c.Dir, fmt.Sprintf("%s.log", id))
	}
	return ""
}

// Writer returns an io.WriteCloser for the entry's merged output stream.
// id may be any filesystem-safe identifier. Returns nil when no
// destination is configured.
func (c Config) Writer(id string) io.WriteCloser {
	path := c.PathFor(id)
	if path == "" {
		return nil
	}
	return &lj.Logger{
		Filename:   path,
		MaxSize:    valOr(c.MaxSizeMB, DefaultMaxSizeMB),
		MaxBackups: valOr(c.MaxBackups, DefaultMaxBackups),
		MaxAge:     valOr(c.MaxAgeDays, DefaultMaxAgeDays),
		Compress:   c.Compress,
	}
}

func valOr(v int, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// NewDaemonLogger builds the supervisor's own slog logger. Interactive
// runs get the colored text handler on stderr; detached runs write a
// rotated file under the data dir.
func NewDaemonLogger(logPath string, level slog.Level, interactive bool) *slog.Logger {
	opts := &slog.HandlerOptions{Level: level}
	if interactive || logPath == "" {
		return slog.New(NewColorTextHandler(os.Stderr, opts))
	}
	w := &lj.Logger{
		Filename:   logPath,
		MaxSize:    DefaultMaxSizeMB,
		MaxBackups: DefaultMaxBackups,
		MaxAge:     DefaultMaxAgeDays,
	}
	return slog.New(slog.NewTextHandler(w, opts))
}
