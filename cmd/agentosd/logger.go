// Copyright 2025 AgentOS Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
)

const (
	logLevelEnvVar  = "AGENTOS_LOG_LEVEL"
	logFormatEnvVar = "AGENTOS_LOG_FORMAT"
	logFileEnvVar   = "AGENTOS_LOG_FILE"

	defaultLogLevel  = "info"
	defaultLogFormat = "text"
)

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "debug":
		return slog.LevelDebug, nil
	case "info", "":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

// resolveLoggerConfig applies the CLI-flag > env-var > default precedence
// chain for the three ambient logging settings (spec §6.6).
func resolveLoggerConfig(flagLevel, flagFormat, flagFile string) (level, format, file string) {
	level = flagLevel
	if level == "" {
		level = os.Getenv(logLevelEnvVar)
	}
	if level == "" {
		level = defaultLogLevel
	}

	format = flagFormat
	if format == "" {
		format = os.Getenv(logFormatEnvVar)
	}
	if format == "" {
		format = defaultLogFormat
	}

	file = flagFile
	if file == "" {
		file = os.Getenv(logFileEnvVar)
	}
	return level, format, file
}

// newLogger builds the process-wide *slog.Logger from the resolved
// ambient settings. cleanup closes the log file, if one was opened; it is
// a no-op when logging goes to stderr.
func newLogger(level, format, file string) (logger *slog.Logger, cleanup func(), err error) {
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, nil, err
	}

	var out io.Writer = os.Stderr
	cleanup = func() {}
	if file != "" {
		f, openErr := os.OpenFile(file, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if openErr != nil {
			return nil, nil, fmt.Errorf("open log file %q: %w", file, openErr)
		}
		out = f
		cleanup = func() { _ = f.Close() }
	}

	opts := &slog.HandlerOptions{Level: lvl}
	var handler slog.Handler
	switch strings.ToLower(format) {
	case "json":
		handler = slog.NewJSONHandler(out, opts)
	case "text", "":
		handler = slog.NewTextHandler(out, opts)
	default:
		cleanup()
		return nil, nil, fmt.Errorf("unknown log format %q", format)
	}

	return slog.New(handler), cleanup, nil
}
