package events

import "time"

// Publisher delivers domain events to external consumers. Delivery is
// best-effort: engines publish after commit and only log failures.
type Publisher interface {
	Publish(topic string, event any) error
}

// Topics
const (
	TopicTransferCompleted = "heartbits.transfer.completed"
	TopicOrderCompleted    = "heartbits.order.completed"
	TopicOrderCancelled    = "heartbits.order.cancelled"
)

// TransferCompleted is emitted after a cheer commits.
type TransferCompleted struct {
	TransferID string    `json:"transfer_id"`
	FromUserID int64     `json:"from_user_id"`
	ToUserID   int64     `json:"to_user_id"`
	Amount     int64     `json:"amount"`
	Message    string    `json:"message,omitempty"`
	OccurredAt time.Time `json:"occurred_at"`
}

// OrderCompleted is emitted after a checkout commits.
type OrderCompleted struct {
	OrderID     string    `json:"order_id"`
	UserID      int64     `json:"user_id"`
	TotalPoints int64     `json:"total_points"`
	OccurredAt  time.Time `json:"occurred_at"`
}

// OrderCancelled is emitted when an order is cancelled and refunded.
type OrderCancelled struct {
	OrderID        string    `json:"order_id"`
	UserID         int64     `json:"user_id"`
	RefundedPoints int64     `json:"refunded_points"`
	OccurredAt     time.Time `json:"occurred_at"`
}

// NopPublisher discards all events. Used when no brokers are configured.
type NopPublisher struct{}

func (NopPublisher) Publish(topic string, event any) error { return nil }
