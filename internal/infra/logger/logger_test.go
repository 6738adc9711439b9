package logger

import (
	"context"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func TestMaskEmail(t *testing.T) {
	cases := map[string]string{
		"":                     "",
		"john.doe@example.com": "joh***@example.com",
		"al@lledo.fr":          "al***@lledo.fr",
		"no-at-sign":           "***",
	}
	for in, want := range cases {
		if got := MaskEmail(in); got != want {
			t.Fatalf("MaskEmail(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskIP(t *testing.T) {
	cases := map[string]string{
		"":                    "",
		"192.168.1.100":       "192.168.*.*",
		"2001:db8:85a3::7334": "2001:db8:85a3:0:*:*:*:*",
		"garbage":             "***",
	}
	for in, want := range cases {
		if got := MaskIP(in); got != want {
			t.Fatalf("MaskIP(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestMaskString(t *testing.T) {
	if got := MaskString("secret123"); got != "se***23" {
		t.Fatalf("unexpected mask %q", got)
	}
	if got := MaskString("abc"); got != "***" {
		t.Fatalf("short values must be fully masked, got %q", got)
	}
}

func TestEnrichAddsRequestAndTraceIDs(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	base := zap.New(core)

	ctx := context.WithValue(context.Background(), RequestIDKey{}, "req-1")
	ctx = context.WithValue(ctx, TraceIDKey{}, "trace-1")

	Enrich(ctx, base).Info("hello")

	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected one entry, got %d", len(entries))
	}
	fields := entries[0].ContextMap()
	if fields["request_id"] != "req-1" || fields["trace_id"] != "trace-1" {
		t.Fatalf("unexpected fields %+v", fields)
	}
}
