// Package gateway abstracts the outbound messaging transport.
package gateway

import (
	"context"
	"fmt"
)

// Gateway delivers one rendered message to one chat. Implementations must
// honor ctx deadlines; a timed-out send is a failure, never a silent success.
// Retrying is safe from the engine's point of view: deduplication of a retried
// send is the transport's concern.
type Gateway interface {
	Send(ctx context.Context, chatID int64, text string) error
}

// SendError wraps a transport failure, carrying whether the transport itself
// asked for backoff (rate limiting).
type SendError struct {
	RateLimited bool
	Err         error
}

func (e *SendError) Error() string {
	if e.RateLimited {
		return fmt.Sprintf("gateway: rate limited: %v", e.Err)
	}
	return fmt.Sprintf("gateway: send failed: %v", e.Err)
}

func (e *SendError) Unwrap() error { return e.Err }
