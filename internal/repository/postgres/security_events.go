package postgres

import (
	"context"
	"encoding/json"
	"fmt"

	squirrel "github.com/Masterminds/squirrel"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
)

// SecurityEventRepository appends audit rows. The table rejects UPDATE and
// DELETE through a trigger.
type SecurityEventRepository struct {
	exec    pgExecutor
	builder squirrel.StatementBuilderType
}

// NewSecurityEventRepository constructs a repository backed by any executor that satisfies pgExecutor.
func NewSecurityEventRepository(exec pgExecutor) *SecurityEventRepository {
	return &SecurityEventRepository{
		exec:    exec,
		builder: squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}
}

// Insert appends one event. Re-inserting the same id is ignored so that
// retried writes stay idempotent.
func (r *SecurityEventRepository) Insert(ctx context.Context, event domain.SecurityEvent) error {
	details, err := marshalDetails(event.Details)
	if err != nil {
		return err
	}

	stmt, args, err := r.builder.Insert("security_events").
		Columns(
			"id",
			"principal_id",
			"email",
			"type",
			"status",
			"reason",
			"ip",
			"user_agent",
			"details",
			"occurred_at",
		).
		Values(
			event.ID,
			optionalString(event.PrincipalID),
			emptyAsNull(event.Email),
			string(event.Type),
			string(event.Status),
			emptyAsNull(event.Reason),
			emptyAsNull(event.IP),
			emptyAsNull(event.UserAgent),
			details,
			event.OccurredAt.UTC(),
		).
		Suffix("ON CONFLICT (id) DO NOTHING").
		ToSql()
	if err != nil {
		return fmt.Errorf("build insert security event sql: %w", err)
	}

	if _, err := r.exec.Exec(ctx, stmt, args...); err != nil {
		return fmt.Errorf("insert security event: %w", err)
	}
	return nil
}

func marshalDetails(details map[string]any) ([]byte, error) {
	if len(details) == 0 {
		return nil, nil
	}
	payload, err := json.Marshal(details)
	if err != nil {
		return nil, fmt.Errorf("marshal security event details: %w", err)
	}
	return payload, nil
}

var _ port.SecurityEventRepository = (*SecurityEventRepository)(nil)
