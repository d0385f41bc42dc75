// Package notify triggers push-notification requests. Actual delivery is
// another service's job; the messaging core only publishes the request and
// treats failures as log-only.
package notify

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"
)

// MessageNotification is the payload handed to the delivery service.
type MessageNotification struct {
	RecipientID string    `json:"recipient_id"`
	SenderID    string    `json:"sender_id"`
	SenderName  string    `json:"sender_name"`
	PreviewText string    `json:"preview_text"`
	ChatID      string    `json:"chat_id"`
	Timestamp   time.Time `json:"timestamp"`
}

// Dispatcher is the fire-and-forget notification collaborator.
type Dispatcher interface {
	CreateMessageNotification(ctx context.Context, n MessageNotification) error
}

// Redis publishes notification requests on per-recipient channels, where
// the delivery worker picks them up.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) CreateMessageNotification(ctx context.Context, n MessageNotification) error {
	if n.Timestamp.IsZero() {
		n.Timestamp = time.Now().UTC()
	}
	data, err := json.Marshal(n)
	if err != nil {
		return err
	}
	return r.client.Publish(ctx, "notify:user:"+n.RecipientID, data).Err()
}

// Nop discards notifications; used in tests and local setups without a
// delivery worker.
type Nop struct{}

func (Nop) CreateMessageNotification(ctx context.Context, n MessageNotification) error {
	return nil
}
