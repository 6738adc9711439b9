package port

import (
	"context"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

// SecurityEventRepository appends audit records. There is deliberately no
// update or delete operation.
type SecurityEventRepository interface {
	Insert(ctx context.Context, event domain.SecurityEvent) error
}
