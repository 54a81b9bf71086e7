package notify

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/goodtune/ktime/internal/timesheet"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

func TestPublisher_Publish(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer client.Close()

	ctx := context.Background()
	publisher := NewPublisher(client, "notification", zerolog.Nop())

	sub := client.Subscribe(ctx, "notification:u1", "notification:all")
	defer sub.Close()

	// Wait for both subscriptions to be confirmed
	for i := 0; i < 2; i++ {
		if _, err := sub.Receive(ctx); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}

	event := timesheet.Event{
		Type:      timesheet.EventSessionStarted,
		UserID:    "u1",
		SessionID: "s1",
		At:        time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC),
	}
	if err := publisher.Publish(ctx, event); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	seen := map[string]bool{}
	for i := 0; i < 2; i++ {
		msg, err := sub.ReceiveMessage(ctx)
		if err != nil {
			t.Fatalf("ReceiveMessage failed: %v", err)
		}
		seen[msg.Channel] = true

		var got timesheet.Event
		if err := json.Unmarshal([]byte(msg.Payload), &got); err != nil {
			t.Fatalf("Failed to decode payload: %v", err)
		}
		if got.Type != event.Type || got.SessionID != "s1" {
			t.Errorf("Unexpected event on %s: %+v", msg.Channel, got)
		}
	}

	if !seen["notification:u1"] || !seen["notification:all"] {
		t.Errorf("Expected both channels, got %v", seen)
	}
}

func TestPublisher_ConnectionFailure(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	defer client.Close()

	publisher := NewPublisher(client, "notification", zerolog.Nop())
	mr.Close()

	err := publisher.Publish(context.Background(), timesheet.Event{Type: timesheet.EventSessionEnded, UserID: "u1"})
	if err == nil {
		t.Fatal("Expected error when Redis is unreachable")
	}
}
