package usecase

import (
	"context"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/infra/dispatch"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
)

// NotifyJobPrefix prefixes the names of dispatcher jobs that deliver notifications.
const NotifyJobPrefix = "notify."

// sendNotification hands send to the dispatcher. When there is no dispatcher
// or its queue is full the message is sent inline and failures are logged.
func sendNotification(ctx context.Context, jobs JobSubmitter, log *zap.Logger, name string, email string, send func(ctx context.Context) error) {
	if jobs != nil && jobs.Submit(dispatch.Job{Name: NotifyJobPrefix + name, Run: send}) {
		return
	}
	if err := send(ctx); err != nil {
		logger.Enrich(ctx, log).Error("notification delivery failed",
			zap.String("template", name),
			zap.String("email", logger.MaskEmail(email)),
			zap.Error(err),
		)
	}
}
