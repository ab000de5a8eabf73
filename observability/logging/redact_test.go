package logging

import (
	"log/slog"
	"testing"
)

func TestMaskFieldRedactsBorrowerID(t *testing.T) {
	attr := MaskField("borrowerId", "B-42")
	if got := attr.Value.String(); got != RedactedValue {
		t.Fatalf("borrowerId must be redacted, got %q", got)
	}
	if attr.Key != "borrowerId" {
		t.Fatalf("key casing must be preserved, got %q", attr.Key)
	}
}

func TestMaskFieldPassesAllowlistedKeys(t *testing.T) {
	for _, key := range []string{"loanId", "requestId", "clientOrderId", "venue"} {
		attr := MaskField(key, "visible")
		if got := attr.Value.String(); got != "visible" {
			t.Fatalf("%s is operational and must pass through, got %q", key, got)
		}
	}
}

func TestMaskFieldLeavesEmptyValues(t *testing.T) {
	attr := MaskField("borrowerId", "")
	if got := attr.Value.String(); got != "" {
		t.Fatalf("empty values carry nothing to redact, got %q", got)
	}
}

func TestBorrowerIDNeverAllowlisted(t *testing.T) {
	for _, key := range RedactionAllowlist() {
		if key == "borrowerId" {
			t.Fatal("borrowerId must not appear in the redaction allowlist")
		}
	}
	if IsAllowlisted("borrowerId") {
		t.Fatal("IsAllowlisted must reject borrowerId")
	}
}

func TestParseLevel(t *testing.T) {
	cases := map[string]slog.Level{
		"debug":   slog.LevelDebug,
		"INFO":    slog.LevelInfo,
		" warn ":  slog.LevelWarn,
		"warning": slog.LevelWarn,
		"error":   slog.LevelError,
		"":        slog.LevelInfo,
		"bogus":   slog.LevelInfo,
	}
	for raw, want := range cases {
		if got := ParseLevel(raw); got != want {
			t.Fatalf("ParseLevel(%q): got %v want %v", raw, got, want)
		}
	}
}
