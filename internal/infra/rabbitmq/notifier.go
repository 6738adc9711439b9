package rabbitmq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lledo-industries/auth-core/internal/core/port"
)

// Mail templates understood by the mailer consuming the queue.
const (
	TemplateLoginCode       = "login_code"
	TemplatePasswordReset   = "password_reset"
	TemplatePasswordChanged = "password_changed"
)

// Publisher is the subset of Client used by the notifier.
type Publisher interface {
	Publish(ctx context.Context, queue string, body []byte) error
}

// EmailMessage is the payload the mailer renders.
type EmailMessage struct {
	Template  string            `json:"template"`
	To        string            `json:"to"`
	Data      map[string]string `json:"data,omitempty"`
	CreatedAt time.Time         `json:"created_at"`
}

// Notifier implements port.Notifier by queueing email requests.
type Notifier struct {
	publisher Publisher
	queue     string
	now       func() time.Time
}

// NewNotifier returns a notifier publishing to queue.
func NewNotifier(publisher Publisher, queue string) *Notifier {
	return &Notifier{publisher: publisher, queue: queue, now: time.Now}
}

func (n *Notifier) SendLoginCode(ctx context.Context, email string, code string) error {
	return n.send(ctx, TemplateLoginCode, email, map[string]string{"code": code})
}

func (n *Notifier) SendPasswordReset(ctx context.Context, email string, resetURL string) error {
	return n.send(ctx, TemplatePasswordReset, email, map[string]string{"reset_url": resetURL})
}

func (n *Notifier) SendPasswordChanged(ctx context.Context, email string) error {
	return n.send(ctx, TemplatePasswordChanged, email, nil)
}

func (n *Notifier) send(ctx context.Context, template, to string, data map[string]string) error {
	if strings.TrimSpace(to) == "" {
		return errors.New("notification recipient is required")
	}

	body, err := json.Marshal(EmailMessage{
		Template:  template,
		To:        to,
		Data:      data,
		CreatedAt: n.now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal %s notification: %w", template, err)
	}

	return n.publisher.Publish(ctx, n.queue, body)
}

var _ port.Notifier = (*Notifier)(nil)
