package notification

import (
	"context"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
)

// LogNotifier records deliveries without sending anything. It stands in for
// the mail queue when rabbitmq.enabled is false. Codes and links are never
// written to the log.
type LogNotifier struct {
	logger *zap.Logger
}

// NewLogNotifier constructs a notifier backed by structured logging.
func NewLogNotifier(log *zap.Logger) *LogNotifier {
	if log == nil {
		log = zap.NewNop()
	}
	return &LogNotifier{logger: log}
}

func (n *LogNotifier) SendLoginCode(ctx context.Context, email string, _ string) error {
	n.log(ctx, "login_code", email)
	return nil
}

func (n *LogNotifier) SendPasswordReset(ctx context.Context, email string, _ string) error {
	n.log(ctx, "password_reset", email)
	return nil
}

func (n *LogNotifier) SendPasswordChanged(ctx context.Context, email string) error {
	n.log(ctx, "password_changed", email)
	return nil
}

func (n *LogNotifier) log(ctx context.Context, template, email string) {
	logger.Enrich(ctx, n.logger).Info("notification not delivered (mail queue disabled)",
		zap.String("template", template),
		zap.String("to", logger.MaskEmail(email)),
	)
}

var _ port.Notifier = (*LogNotifier)(nil)
