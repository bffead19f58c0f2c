// Package responder talks to the remote language-model-backed responder.
package responder

import (
	"context"
	"errors"

	"github.com/ashureev/caremate/internal/domain"
)

var (
	// ErrTransport wraps network-level failures.
	ErrTransport = errors.New("responder transport failure")
	// ErrStatus wraps non-success responses.
	ErrStatus = errors.New("responder returned non-success status")
	// ErrMalformed wraps unparseable response bodies.
	ErrMalformed = errors.New("responder returned malformed payload")
)

// Responder produces a reply for a bounded message history.
type Responder interface {
	Reply(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error)
}

// Func adapts a function to Responder.
type Func func(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error)

// Reply implements Responder.
func (f Func) Reply(ctx context.Context, history []domain.WireMessage) (domain.SupportReply, error) {
	return f(ctx, history)
}
