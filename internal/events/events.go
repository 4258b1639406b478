// Package events publishes provisioning notifications for downstream
// consumers (welcome mail, billing seat sync, reconciliation tooling).
package events

import (
	"context"
	"log/slog"
	"time"
)

// Event types. They double as AMQP routing keys.
const (
	TypeAccountProvisioned = "account.provisioned"
	TypeCredentialOrphaned = "credential.orphaned"
	TypeIdentityAnomaly    = "identity.anomaly"
)

// Event is one notification.
type Event struct {
	Type       string            `json:"type"`
	UserID     string            `json:"user_id,omitempty"`
	IdentityID string            `json:"identity_id,omitempty"`
	Email      string            `json:"email,omitempty"`
	ClubID     string            `json:"club_id,omitempty"`
	Role       string            `json:"role,omitempty"`
	Path       string            `json:"path,omitempty"`
	OccurredAt time.Time         `json:"occurred_at"`
	Detail     map[string]string `json:"detail,omitempty"`
}

// Publisher delivers events. Publish must not block on a slow broker for
// longer than the context allows.
type Publisher interface {
	Publish(ctx context.Context, e Event) error
}

// BatchPublisher delivers several events at once.
type BatchPublisher interface {
	PublishBatch(ctx context.Context, batch []Event) error
}

// LogPublisher writes events to a logger. Used when no broker is configured.
type LogPublisher struct {
	logger *slog.Logger
}

// NewLogPublisher returns a LogPublisher writing to logger, or the default
// logger when nil.
func NewLogPublisher(logger *slog.Logger) *LogPublisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogPublisher{logger: logger}
}

func (p *LogPublisher) Publish(_ context.Context, e Event) error {
	p.logger.Info("event",
		"type", e.Type,
		"user_id", e.UserID,
		"identity_id", e.IdentityID,
		"club_id", e.ClubID,
		"role", e.Role,
		"path", e.Path,
		"occurred_at", e.OccurredAt,
	)
	return nil
}

func (p *LogPublisher) PublishBatch(ctx context.Context, batch []Event) error {
	for _, e := range batch {
		_ = p.Publish(ctx, e)
	}
	return nil
}

// Discard drops every event.
type Discard struct{}

func (Discard) Publish(context.Context, Event) error { return nil }
