package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"go.uber.org/zap"

	"github.com/lledo-industries/auth-core/internal/infra/app"
	"github.com/lledo-industries/auth-core/internal/infra/config"
	"github.com/lledo-industries/auth-core/internal/usecase"
)

func main() {
	_ = godotenv.Load()

	email := flag.String("email", os.Getenv("ADMIN_EMAIL"), "admin email (ADMIN_EMAIL)")
	name := flag.String("name", envOr("ADMIN_NAME", "Administrator"), "display name (ADMIN_NAME)")
	company := flag.String("company", os.Getenv("ADMIN_COMPANY"), "company (ADMIN_COMPANY)")
	flag.Parse()

	password := os.Getenv("ADMIN_PASSWORD")
	if *email == "" || password == "" {
		log.Fatal("ADMIN_EMAIL (or -email) and ADMIN_PASSWORD are required")
	}

	cfg, err := config.LoadForTools()
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	ctx, cancelTimeout := context.WithTimeout(ctx, 30*time.Second)
	defer cancelTimeout()

	svc, err := app.NewServices(ctx, cfg)
	if err != nil {
		log.Fatalf("failed to init services: %v", err)
	}
	defer svc.Close()

	principal, err := svc.Registration.CreateAdmin(ctx, usecase.RegisterInput{
		Email:    *email,
		Name:     *name,
		Password: password,
		Company:  *company,
	})

	var validation *usecase.ValidationError
	switch {
	case errors.Is(err, usecase.ErrEmailTaken):
		fmt.Printf("admin %s already exists, nothing to do\n", *email)
		return
	case errors.As(err, &validation):
		svc.Close()
		log.Fatalf("invalid %s: %s", validation.Field, validation.Message)
	case err != nil:
		svc.Close()
		log.Fatalf("failed to create admin: %v", err)
	}

	svc.Logger.Info("admin created", zap.String("principal_id", principal.ID), zap.String("email", principal.Email))
	fmt.Printf("admin %s created with id %s\n", principal.Email, principal.ID)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
