// Copyright (C) 2025 StudyLoop Labs (engineering@studyloop.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestLevel_String verifies the level names.
func TestLevel_String(t *testing.T) {
	assert.Equal(t, "DEBUG", LevelDebug.String())
	assert.Equal(t, "INFO", LevelInfo.String())
	assert.Equal(t, "WARN", LevelWarn.String())
	assert.Equal(t, "ERROR", LevelError.String())
	assert.Equal(t, "UNKNOWN", Level(99).String())
}

// TestNew_FileLogging verifies file output is created, JSON-encoded,
// and carries the service attribute.
func TestNew_FileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelInfo,
		LogDir:  dir,
		Service: "gateway",
		Quiet:   true,
	})

	logger.Info("tool executed", "tool", "echo")
	require.NoError(t, logger.Close())

	filename := "gateway_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)

	line := strings.TrimSpace(string(data))
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(line), &entry))
	assert.Equal(t, "tool executed", entry["msg"])
	assert.Equal(t, "echo", entry["tool"])
	assert.Equal(t, "gateway", entry["service"])
}

// TestLogger_LevelFiltering verifies messages below the configured
// level are dropped.
func TestLogger_LevelFiltering(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelWarn,
		LogDir:  dir,
		Service: "gateway",
		Quiet:   true,
	})

	logger.Info("suppressed")
	logger.Warn("kept")
	require.NoError(t, logger.Close())

	filename := "gateway_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "suppressed")
	assert.Contains(t, string(data), "kept")
}

// TestLogger_With verifies child loggers carry their attributes
// without mutating the parent.
func TestLogger_With(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{LogDir: dir, Service: "gateway", Quiet: true})

	child := logger.With("request_id", "req-1")
	child.Info("child message")
	logger.Info("parent message")
	require.NoError(t, logger.Close())

	filename := "gateway_" + time.Now().Format("2006-01-02") + ".log"
	data, err := os.ReadFile(filepath.Join(dir, filename))
	require.NoError(t, err)

	lines := strings.Split(strings.TrimSpace(string(data)), "\n")
	require.Len(t, lines, 2)
	assert.Contains(t, lines[0], "req-1")
	assert.NotContains(t, lines[1], "req-1")
}

// TestLogger_CloseWithoutFile verifies Close is a no-op when file
// logging is disabled.
func TestLogger_CloseWithoutFile(t *testing.T) {
	logger := New(Config{Quiet: true})
	assert.NoError(t, logger.Close())
}

// TestDefault verifies the default logger is usable out of the box.
func TestDefault(t *testing.T) {
	logger := Default()
	require.NotNil(t, logger)
	require.NotNil(t, logger.Slog())
	assert.NoError(t, logger.Close())
}
