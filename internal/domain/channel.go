package domain

import "context"

// Channel is an external surface over the messaging core (REST, Telegram).
// Start blocks until ctx is cancelled or the surface fails.
type Channel interface {
	Name() string
	Start(ctx context.Context) error
}
