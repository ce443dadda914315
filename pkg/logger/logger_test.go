package logger

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestWithRunAddsIdentifiers(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	WithRun(base, "run-1", "dev").Info("run finished")

	out := buf.String()
	if !strings.Contains(out, `"run_id":"run-1"`) || !strings.Contains(out, `"enclave":"dev"`) {
		t.Fatalf("identifiers missing from %s", out)
	}
}

func TestWithRunSkipsEmptyValues(t *testing.T) {
	var buf bytes.Buffer
	base := slog.New(slog.NewJSONHandler(&buf, nil))

	WithRun(base, "", "dev").Info("dry run")

	if strings.Contains(buf.String(), "run_id") {
		t.Fatalf("empty run id must be omitted: %s", buf.String())
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"WARNING": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
	}
	for in, want := range cases {
		if got := parseLevel(in); got != want {
			t.Fatalf("parseLevel(%q) = %v want %v", in, got, want)
		}
	}
}

func TestBuildAuditLoggerRequiresPath(t *testing.T) {
	if _, err := buildAuditLogger(AuditConfig{Enabled: true}); err == nil {
		t.Fatal("expected error for empty audit path")
	}
}
