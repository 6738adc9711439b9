package usecase

import (
	"context"
	"errors"
	"fmt"
	"net/mail"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/lledo-industries/auth-core/internal/core/domain"
	"github.com/lledo-industries/auth-core/internal/core/port"
	"github.com/lledo-industries/auth-core/internal/repository"
)

// RegisterInput describes a new principal.
type RegisterInput struct {
	Email    string
	Name     string
	Password string
	Company  string
}

// RegistrationService provisions principals.
type RegistrationService struct {
	principals port.PrincipalRepository
	hasher     port.PasswordHasher
	policy     port.PasswordPolicyValidator
	audit      *AuditLog
	now        func() time.Time
}

// NewRegistrationService constructs a RegistrationService.
func NewRegistrationService(principals port.PrincipalRepository, hasher port.PasswordHasher, policy port.PasswordPolicyValidator, audit *AuditLog) *RegistrationService {
	return &RegistrationService{
		principals: principals,
		hasher:     hasher,
		policy:     policy,
		audit:      audit,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Register creates an active CUSTOMER principal.
func (s *RegistrationService) Register(ctx context.Context, in RegisterInput, meta RequestMeta) (*domain.Principal, error) {
	in.Company = ""
	return s.create(ctx, in, domain.RoleCustomer, meta)
}

// CreateAdmin creates an active ADMIN principal. Used by the provisioning command.
func (s *RegistrationService) CreateAdmin(ctx context.Context, in RegisterInput) (*domain.Principal, error) {
	return s.create(ctx, in, domain.RoleAdmin, RequestMeta{})
}

func (s *RegistrationService) create(ctx context.Context, in RegisterInput, role domain.Role, meta RequestMeta) (*domain.Principal, error) {
	email := domain.NormalizeEmail(in.Email)
	if _, err := mail.ParseAddress(email); err != nil || email == "" {
		return nil, &ValidationError{Field: "email", Message: "must be a valid email"}
	}
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return nil, &ValidationError{Field: "name", Message: "is required"}
	}
	if err := validatePassword(s.policy, "password", in.Password); err != nil {
		return nil, err
	}

	hash, err := s.hasher.Hash(in.Password)
	if err != nil {
		return nil, fmt.Errorf("hash password: %w", err)
	}

	now := s.now()
	principal := domain.Principal{
		ID:           uuid.NewString(),
		Email:        email,
		Name:         name,
		PasswordHash: hash,
		Role:         role,
		IsActive:     true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if company := strings.TrimSpace(in.Company); company != "" && role == domain.RoleAdmin {
		principal.Company = &company
	}

	if err := s.principals.Create(ctx, principal); err != nil {
		if errors.Is(err, repository.ErrConflict) {
			return nil, ErrEmailTaken
		}
		return nil, fmt.Errorf("create principal: %w", err)
	}

	s.audit.success(ctx, domain.EventPrincipalCreated, principal, meta, map[string]any{"role": string(role)})
	return &principal, nil
}
