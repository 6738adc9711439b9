package usecase

import (
	"context"
	"errors"
	"testing"

	"github.com/lledo-industries/auth-core/internal/core/domain"
)

func TestRegisterCustomer(t *testing.T) {
	f := newFixture(t)
	svc := NewRegistrationService(f.principals, stubHasher{}, stubPolicy{}, f.audit)
	ctx := context.Background()

	p, err := svc.Register(ctx, RegisterInput{Email: "New@Example.com", Name: "New", Password: "G00dPassword", Company: "ignored"}, testMeta)
	if err != nil {
		t.Fatalf("Register: %v", err)
	}
	if p.Role != domain.RoleCustomer || p.Company != nil || !p.IsActive {
		t.Fatalf("unexpected principal %+v", p)
	}
	if p.Email != "new@example.com" || p.PasswordHash != "hashed:G00dPassword" {
		t.Fatalf("email or hash not normalised: %+v", p)
	}

	if _, err := svc.Register(ctx, RegisterInput{Email: "new@example.com", Name: "Dup", Password: "G00dPassword"}, testMeta); !errors.Is(err, ErrEmailTaken) {
		t.Fatalf("expected ErrEmailTaken, got %v", err)
	}
}

func TestRegisterValidation(t *testing.T) {
	f := newFixture(t)
	svc := NewRegistrationService(f.principals, stubHasher{}, stubPolicy{}, f.audit)

	cases := []struct {
		in    RegisterInput
		field string
	}{
		{RegisterInput{Email: "not-an-email", Name: "x", Password: "G00dPassword"}, "email"},
		{RegisterInput{Email: "a@b.example", Name: " ", Password: "G00dPassword"}, "name"},
		{RegisterInput{Email: "a@b.example", Name: "x", Password: "short"}, "password"},
	}
	for _, tc := range cases {
		_, err := svc.Register(context.Background(), tc.in, testMeta)
		var verr *ValidationError
		if !errors.As(err, &verr) || verr.Field != tc.field {
			t.Fatalf("expected validation error on %s, got %v", tc.field, err)
		}
	}
}

func TestCreateAdminKeepsCompany(t *testing.T) {
	f := newFixture(t)
	svc := NewRegistrationService(f.principals, stubHasher{}, stubPolicy{}, f.audit)

	p, err := svc.CreateAdmin(context.Background(), RegisterInput{Email: "ops@lledo.example", Name: "Ops", Password: "G00dPassword", Company: "LLEDO Aero"})
	if err != nil {
		t.Fatalf("CreateAdmin: %v", err)
	}
	if !p.IsAdmin() || p.CompanyName() != "LLEDO Aero" {
		t.Fatalf("unexpected admin %+v", p)
	}
	if len(f.events.ofType(domain.EventPrincipalCreated)) != 1 {
		t.Fatalf("expected PRINCIPAL_CREATED audit event")
	}
}
