package logger

import (
	"bytes"
	"context"
	"log/slog"
	"strings"
	"testing"
)

func TestJSONLevelFiltering(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := JSON(&buf, slog.LevelWarn)
	log.Info("should not appear")

	if buf.Len() > 0 {
		t.Fatalf("expected no output for info at warn level, got: %s", buf.String())
	}
	log.Warn("should appear", "key", "value")
	if !strings.Contains(buf.String(), `"key":"value"`) {
		t.Fatalf("expected key=value in JSON output, got: %s", buf.String())
	}
}

func TestPrettyLiftsPluginName(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelInfo).With(PluginKey, "deconv1")
	log.Info("resolved dims", "in", "[3, 4, 8, 8]")

	out := buf.String()
	if !strings.Contains(out, "[deconv1] ") {
		t.Fatalf("expected plugin prefix, got: %s", out)
	}
	if strings.Contains(out, "plugin=") {
		t.Fatalf("plugin attribute should not be repeated, got: %s", out)
	}
	if !strings.Contains(out, `in="[3, 4, 8, 8]"`) {
		t.Fatalf("expected quoted dims attribute, got: %s", out)
	}
}

func TestPrettyGroupPrefixesKeys(t *testing.T) {
	t.Parallel()
	var buf bytes.Buffer
	log := Pretty(&buf, slog.LevelDebug).WithGroup("tune")
	log.Debug("candidate", "algo", "algo1")
	if !strings.Contains(buf.String(), "tune.algo=algo1") {
		t.Fatalf("expected grouped key, got: %s", buf.String())
	}
}

func TestBuild(t *testing.T) {
	t.Parallel()
	for _, format := range []string{"pretty", "json", "text", ""} {
		if _, err := Build(format, "debug", &bytes.Buffer{}); err != nil {
			t.Fatalf("Build(%q): %v", format, err)
		}
	}
	if _, err := Build("xml", "info", &bytes.Buffer{}); err == nil {
		t.Fatalf("expected error for unknown format")
	}
}

func TestParseLevel(t *testing.T) {
	t.Parallel()
	tests := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"bogus":   slog.LevelInfo,
	}
	for in, want := range tests {
		if got := ParseLevel(in); got != want {
			t.Fatalf("ParseLevel(%q) = %v, want %v", in, got, want)
		}
	}
}

func TestContextRoundTrip(t *testing.T) {
	t.Parallel()
	l := Discard()
	ctx := WithContext(context.Background(), l)
	if FromContext(ctx) != l {
		t.Fatalf("FromContext did not return stored logger")
	}
	if FromContext(context.Background()) == nil {
		t.Fatalf("FromContext should fall back to Default")
	}
}
