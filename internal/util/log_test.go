package util

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestInitLoggerLevels(t *testing.T) {
	for _, level := range []string{"", "debug", "info", "warn", "error", "bogus"} {
		t.Run("level "+level, func(t *testing.T) {
			logger = nil
			if err := InitLogger(level, "console", ""); err != nil {
				t.Fatalf("InitLogger() error = %v", err)
			}
			if logger == nil {
				t.Fatal("Logger should not be nil after initialization")
			}

			// Should not panic
			Debugf("test %s", "debug")
			Infof("test %s", "info")
			Warnf("test %s", "warn")
			Errorf("test %s", "error")
		})
	}
}

func TestInitLoggerWithFile(t *testing.T) {
	logger = nil
	logFile := filepath.Join(t.TempDir(), "pool.log")

	if err := InitLogger("info", "json", logFile); err != nil {
		t.Fatalf("InitLogger() error = %v", err)
	}

	Info("written to file")
	Sync()

	data, err := os.ReadFile(logFile)
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if !strings.Contains(string(data), "written to file") {
		t.Errorf("log file = %q, want it to contain the message", string(data))
	}
}

func TestInitLoggerBadFile(t *testing.T) {
	logger = nil
	if err := InitLogger("info", "console", "/nonexistent/dir/pool.log"); err == nil {
		t.Error("InitLogger() should fail for an unwritable file")
	}
}

func TestLogFallback(t *testing.T) {
	logger = nil
	if Log() == nil {
		t.Error("Log() should create a default logger")
	}
}

func TestWith(t *testing.T) {
	logger = nil
	child := With("session", 7)
	if child == nil {
		t.Fatal("With() returned nil")
	}
	child.Infof("child logger works")
}

func TestHumanDuration(t *testing.T) {
	got := HumanDuration(20*time.Minute + 5*time.Second)
	if got != "20 minutes 5 seconds" {
		t.Errorf("HumanDuration() = %q, want %q", got, "20 minutes 5 seconds")
	}
}
