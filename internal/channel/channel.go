// Package channel holds the delivery primitives for both notification
// channels. The engine only sees the two interfaces; concrete transports
// live behind them.
package channel

import "context"

// DirectSender places one direct message on the wire.
type DirectSender interface {
	SendDirect(ctx context.Context, chatID int64, text string) error
}

// PushNotification is the payload snapshot delivered to a push endpoint.
// It is also what gets persisted on a retry entry.
type PushNotification struct {
	Title string   `json:"title"`
	Body  string   `json:"body"`
	Date  string   `json:"date"`
	Times []string `json:"times,omitempty"`
}

// PushResult is the provider-reported outcome of one push attempt.
// StatusCode drives error classification; 0 means no HTTP response
// (network error or timeout).
type PushResult struct {
	Delivered  bool
	StatusCode int
	Err        error
}

// PushSender delivers one push notification to an endpoint.
type PushSender interface {
	SendPush(ctx context.Context, endpoint string, n PushNotification) PushResult
}
