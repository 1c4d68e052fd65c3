package cliutil

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

type LogOptions struct {
	// path to write to; empty or "-" means stdout
	LogPath string

	// text|json
	LogFormat string

	// info|debug|warn|error
	LogLevel string
}

func firstenv(env_var_names ...string) string {
	for _, env_var_name := range env_var_names {
		val := os.Getenv(env_var_name)
		if val != "" {
			return val
		}
	}
	return ""
}

// ParseLevel maps a level name to an slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level: %#v", s)
	}
}

// SetupSlog integrates passed in options and env vars, and installs the
// resulting logger as the slog default.
//
// passing default cliutil.LogOptions{} is ok.
//
// SHERLOCK_LOG_LEVEL=info|debug|warn|error
//
// SHERLOCK_LOG_FMT=text|json
//
// SHERLOCK_LOG_FILE=path (or "-" or "" for stdout)
func SetupSlog(options LogOptions) (*slog.Logger, error) {
	var hopts slog.HandlerOptions
	if options.LogLevel == "" {
		options.LogLevel = firstenv("SHERLOCK_LOG_LEVEL", "LOG_LEVEL")
	}
	level, err := ParseLevel(options.LogLevel)
	if err != nil {
		return nil, err
	}
	hopts.Level = level

	if options.LogFormat == "" {
		options.LogFormat = firstenv("SHERLOCK_LOG_FMT", "LOG_FMT")
	}
	if options.LogFormat == "" {
		options.LogFormat = "text"
	}
	options.LogFormat = strings.ToLower(options.LogFormat)

	if options.LogPath == "" {
		options.LogPath = firstenv("SHERLOCK_LOG_FILE")
	}
	var out io.Writer
	if options.LogPath == "" || options.LogPath == "-" {
		out = os.Stdout
	} else {
		f, err := os.OpenFile(options.LogPath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", options.LogPath, err)
		}
		out = f
	}

	var handler slog.Handler
	switch options.LogFormat {
	case "text":
		handler = slog.NewTextHandler(out, &hopts)
	case "json":
		handler = slog.NewJSONHandler(out, &hopts)
	default:
		return nil, fmt.Errorf("invalid log format: %#v", options.LogFormat)
	}
	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger, nil
}
