// Package notify forwards committed session events to the real-time
// notification channel over Redis pub/sub.
package notify

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/goodtune/ktime/internal/metrics"
	"github.com/goodtune/ktime/internal/timesheet"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

// AllChannel is the suffix of the channel that receives every event.
const AllChannel = "all"

// Publisher implements timesheet.EventSink
type Publisher struct {
	client *redis.Client
	prefix string
	logger zerolog.Logger
}

// NewPublisher creates a publisher writing to {prefix}:{userID} and {prefix}:all
func NewPublisher(client *redis.Client, prefix string, logger zerolog.Logger) *Publisher {
	return &Publisher{
		client: client,
		prefix: prefix,
		logger: logger.With().Str("component", "notify").Logger(),
	}
}

// UserChannel returns the per-user channel name
func (p *Publisher) UserChannel(userID string) string {
	return p.prefix + ":" + userID
}

// Publish sends the event to the owner's channel and the firehose channel
func (p *Publisher) Publish(ctx context.Context, event timesheet.Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		return fmt.Errorf("failed to encode event: %w", err)
	}

	pipe := p.client.Pipeline()
	userCmd := pipe.Publish(ctx, p.UserChannel(event.UserID), payload)
	pipe.Publish(ctx, p.prefix+":"+AllChannel, payload)

	if _, err := pipe.Exec(ctx); err != nil {
		metrics.EventsPublished.WithLabelValues(string(event.Type), "error").Inc()
		return fmt.Errorf("failed to publish %s: %w", event.Type, err)
	}

	metrics.EventsPublished.WithLabelValues(string(event.Type), "ok").Inc()
	p.logger.Debug().
		Str("event", string(event.Type)).
		Str("user_id", event.UserID).
		Int64("receivers", userCmd.Val()).
		Msg("Event published")

	return nil
}
