package logging

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNewLoggerLevelAndJSON(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "warn", Format: "json"}, &buf)

	logger.Info().Msg("hidden")
	logger.Warn().Str("component", "poller").Msg("visible")

	out := buf.String()
	if strings.Contains(out, "hidden") {
		t.Fatalf("info line should be filtered at warn level: %s", out)
	}
	if !strings.Contains(out, `"component":"poller"`) {
		t.Fatalf("expected json field in output, got %s", out)
	}
}

func TestNewLoggerUnknownLevelDefaultsToInfo(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "chatty"}, &buf)
	logger.Debug().Msg("debug")
	logger.Info().Msg("info")
	if strings.Contains(buf.String(), `"debug"`) {
		t.Fatalf("debug must be filtered by default: %s", buf.String())
	}
	if !strings.Contains(buf.String(), `"info"`) {
		t.Fatalf("info line missing: %s", buf.String())
	}
}

func TestNewLoggerTeesToRotatedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "momentwatch.log")
	var buf bytes.Buffer
	logger := newLogger(Config{Level: "info", Format: "console", File: path, MaxSizeMB: 1}, &buf)

	logger.Info().Str("wallet", "0xabc").Msg("alert triggered")

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	if !strings.Contains(string(data), `"wallet":"0xabc"`) {
		t.Fatalf("file should hold json lines, got %s", data)
	}
	if !strings.Contains(buf.String(), "alert triggered") {
		t.Fatalf("console output missing: %s", buf.String())
	}
}
