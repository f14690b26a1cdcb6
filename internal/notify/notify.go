// Package notify records notification events produced by the scoring
// pipeline. Delivery (email, push, in-app) belongs to other services.
package notify

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/ChuLiYu/talent-match/pkg/types"
)

// Sink accepts one notification.
type Sink interface {
	Notify(ctx context.Context, n types.Notification) error
}

// New fills in the id and timestamp of a notification.
func New(recipient types.UserID, kind types.NotificationKind, message, link string) types.Notification {
	return types.Notification{
		ID:          uuid.New(),
		RecipientID: recipient,
		Kind:        kind,
		Message:     message,
		Link:        link,
		CreatedAt:   time.Now().UTC(),
	}
}

// LogSink writes notifications to a structured logger.
type LogSink struct {
	log *slog.Logger
}

// NewLogSink returns a sink on logger, or slog.Default when nil.
func NewLogSink(logger *slog.Logger) *LogSink {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogSink{log: logger}
}

func (s *LogSink) Notify(ctx context.Context, n types.Notification) error {
	s.log.InfoContext(ctx, "Notification",
		"id", n.ID,
		"recipient_id", n.RecipientID,
		"kind", n.Kind,
		"message", n.Message,
		"link", n.Link)
	return nil
}

// Fanout delivers to every sink and joins their errors.
type Fanout []Sink

func (f Fanout) Notify(ctx context.Context, n types.Notification) error {
	var errs []error
	for _, s := range f {
		if err := s.Notify(ctx, n); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
