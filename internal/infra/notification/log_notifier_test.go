package notification

import (
	"context"
	"strings"
	"testing"

	"go.uber.org/zap"
	"go.uber.org/zap/zaptest/observer"
)

func TestLogNotifierNeverLogsSecrets(t *testing.T) {
	core, logs := observer.New(zap.InfoLevel)
	n := NewLogNotifier(zap.New(core))

	ctx := context.Background()
	_ = n.SendLoginCode(ctx, "admin@lledo.fr", "482913")
	_ = n.SendPasswordReset(ctx, "admin@lledo.fr", "https://lledo.fr/reset?token=abc")
	_ = n.SendPasswordChanged(ctx, "admin@lledo.fr")

	if logs.Len() != 3 {
		t.Fatalf("expected 3 entries, got %d", logs.Len())
	}
	for _, entry := range logs.All() {
		for _, field := range entry.Context {
			if strings.Contains(field.String, "482913") || strings.Contains(field.String, "token=abc") {
				t.Fatalf("secret leaked in field %s", field.Key)
			}
			if field.Key == "to" && field.String == "admin@lledo.fr" {
				t.Fatalf("email must be masked")
			}
		}
	}
}
