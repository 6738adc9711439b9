package usecase

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/infra/logger"
	"github.com/lledo-industries/auth-core/internal/repository"
)

// PrincipalAdminService lets administrators deactivate principals and change roles.
type PrincipalAdminService struct {
	principals port.PrincipalRepository
	sessions   *SessionRegistry
	audit      *AuditLog
	logger     *zap.Logger
	now        func() time.Time
}

// NewPrincipalAdminService constructs a PrincipalAdminService.
func NewPrincipalAdminService(principals port.PrincipalRepository, sessions *SessionRegistry, audit *AuditLog, log *zap.Logger) *PrincipalAdminService {
	if log == nil {
		log = zap.NewNop()
	}
	return &PrincipalAdminService{
		principals: principals,
		sessions:   sessions,
		audit:      audit,
		logger:     log,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Deactivate disables the target principal and revokes all its sessions.
func (s *PrincipalAdminService) Deactivate(ctx context.Context, actor Resolution, targetID string, meta RequestMeta) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	if actor.PrincipalID == targetID {
		return ErrSelfModification
	}

	target, err := s.load(ctx, targetID)
	if err != nil {
		return err
	}
	if err := s.principals.Deactivate(ctx, target.ID, s.now()); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return fmt.Errorf("deactivate principal: %w", err)
	}

	revokeErr := s.revokeAll(ctx, target.ID, domain.RevokeReasonDeactivated)
	s.audit.success(ctx, domain.EventPrincipalDisabled, *target, meta, map[string]any{
		"actor_id":         actor.PrincipalID,
		"sessions_revoked": revokeErr == nil,
	})
	return revokeErr
}

// ChangeRole sets the role of the target. Company is kept for ADMIN only.
// Existing sessions are revoked because issued tokens embed the old role.
func (s *PrincipalAdminService) ChangeRole(ctx context.Context, actor Resolution, targetID string, role domain.Role, company string, meta RequestMeta) error {
	if !actor.IsAdmin() {
		return ErrForbidden
	}
	if !role.Valid() {
		return &ValidationError{Field: "role", Message: "must be one of CUSTOMER ADMIN"}
	}
	if actor.PrincipalID == targetID {
		return ErrSelfModification
	}

	target, err := s.load(ctx, targetID)
	if err != nil {
		return err
	}

	var companyPtr *string
	if c := strings.TrimSpace(company); c != "" && role == domain.RoleAdmin {
		companyPtr = &c
	}
	if err := s.principals.UpdateRole(ctx, target.ID, role, companyPtr); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return ErrPrincipalNotFound
		}
		return fmt.Errorf("update role: %w", err)
	}

	revokeErr := s.revokeAll(ctx, target.ID, domain.RevokeReasonRoleChanged)
	s.audit.success(ctx, domain.EventRoleChanged, *target, meta, map[string]any{
		"actor_id":         actor.PrincipalID,
		"from":             string(target.Role),
		"to":               string(role),
		"sessions_revoked": revokeErr == nil,
	})
	return revokeErr
}

func (s *PrincipalAdminService) load(ctx context.Context, id string) (*domain.Principal, error) {
	principal, err := s.principals.GetByID(ctx, id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return nil, ErrPrincipalNotFound
		}
		return nil, fmt.Errorf("load principal: %w", err)
	}
	return principal, nil
}

// revokeAll ends every session of the principal. Issued tokens keep the old
// role until their session is revoked.
func (s *PrincipalAdminService) revokeAll(ctx context.Context, principalID, reason string) error {
	if _, err := s.sessions.RevokeAllExcept(ctx, principalID, "", reason); err != nil {
		logger.Enrich(ctx, s.logger).Error("revoke sessions", zap.String("principal_id", principalID), zap.Error(err))
		return fmt.Errorf("end principal sessions: %w", err)
	}
	return nil
}
