// Copyright (C) 2025 Calder AI (oss@calderai.dev)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package logging

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestLevelString(t *testing.T) {
	cases := []struct {
		level Level
		want  string
	}{
		{LevelDebug, "DEBUG"},
		{LevelInfo, "INFO"},
		{LevelWarn, "WARN"},
		{LevelError, "ERROR"},
		{Level(99), "UNKNOWN"},
	}
	for _, tc := range cases {
		if got := tc.level.String(); got != tc.want {
			t.Errorf("Level(%d).String() = %q, want %q", tc.level, got, tc.want)
		}
	}
}

func TestNewDefaults(t *testing.T) {
	logger := New(Config{})
	if logger == nil {
		t.Fatal("expected non-nil logger")
	}
	if logger.Slog() == nil {
		t.Fatal("expected non-nil slog logger")
	}
	// No file configured, Close must be a no-op.
	if err := logger.Close(); err != nil {
		t.Errorf("Close on fileless logger: %v", err)
	}
}

func TestFileLogging(t *testing.T) {
	dir := t.TempDir()
	logger := New(Config{
		Level:   LevelDebug,
		LogDir:  dir,
		Service: "testsvc",
		Quiet:   true,
	})

	logger.Info("hello from test", "key", "value")
	if err := logger.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}

	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("ReadDir: %v", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 log file, got %d", len(entries))
	}
	if !strings.HasPrefix(entries[0].Name(), "testsvc_") {
		t.Errorf("unexpected log file name %q", entries[0].Name())
	}

	data, err := os.ReadFile(filepath.Join(dir, entries[0].Name()))
	if err != nil {
		t.Fatalf("ReadFile: %v", err)
	}
	if !strings.Contains(string(data), "hello from test") {
		t.Errorf("log file missing message: %s", data)
	}
	if !strings.Contains(string(data), `"service":"testsvc"`) {
		t.Errorf("log file missing service attribute: %s", data)
	}
}

func TestWithChildLogger(t *testing.T) {
	logger := New(Config{Quiet: true})
	child := logger.With("component", "bus")
	if child == nil || child.Slog() == nil {
		t.Fatal("expected usable child logger")
	}
	// Child shares the (nil) file handle; closing parent is still safe.
	if err := logger.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}

func TestExpandPath(t *testing.T) {
	home, err := os.UserHomeDir()
	if err != nil {
		t.Skip("no home dir in test environment")
	}

	got := expandPath("~/logs")
	if got != filepath.Join(home, "logs") {
		t.Errorf("expandPath(~/logs) = %q", got)
	}
	if got := expandPath("/var/log"); got != "/var/log" {
		t.Errorf("absolute path changed: %q", got)
	}
}
