package worker

import (
	"context"
	"sync"
	"time"

	"github.com/kimhsiao/fieldsync/internal/errors"
	"github.com/kimhsiao/fieldsync/internal/uuid"
)

// DefaultBridgeTimeout bounds how long a page waits for a worker reply.
const DefaultBridgeTimeout = time.Second

// Bridge correlates page-to-worker requests with their replies.
type Bridge struct {
	timeout time.Duration

	mu      sync.Mutex
	pending map[string]chan Message
}

// NewBridge creates a Bridge. timeout <= 0 uses DefaultBridgeTimeout.
func NewBridge(timeout time.Duration) *Bridge {
	if timeout <= 0 {
		timeout = DefaultBridgeTimeout
	}
	return &Bridge{timeout: timeout, pending: make(map[string]chan Message)}
}

// Call stamps msg with a fresh correlation id, hands it to send and waits
// for the matching reply. The timeout covers the send as well, so a worker
// that stops draining its inbox cannot stall the caller. It fails with
// ErrTimeout when no reply arrives in time.
func (b *Bridge) Call(ctx context.Context, send func(context.Context, Message) error, msg Message) (Message, error) {
	callCtx, cancel := context.WithTimeout(ctx, b.timeout)
	defer cancel()

	msg.ID = uuid.New()
	ch := make(chan Message, 1)

	b.mu.Lock()
	b.pending[msg.ID] = ch
	b.mu.Unlock()

	defer func() {
		b.mu.Lock()
		delete(b.pending, msg.ID)
		b.mu.Unlock()
	}()

	if err := send(callCtx, msg); err != nil {
		return Message{}, err
	}

	select {
	case reply := <-ch:
		return reply, nil
	case <-callCtx.Done():
		if ctx.Err() != nil {
			return Message{}, errors.Wrap(errors.ErrTimeout, "request cancelled", ctx.Err())
		}
		return Message{}, errors.New(errors.ErrTimeout, "worker did not reply to "+msg.Type)
	}
}

// Resolve delivers reply to the waiting caller. Replies whose id is malformed
// or no longer pending are dropped and reported as false.
func (b *Bridge) Resolve(reply Message) bool {
	if !uuid.IsValid(reply.ID) {
		return false
	}
	b.mu.Lock()
	ch, ok := b.pending[reply.ID]
	b.mu.Unlock()
	if !ok {
		return false
	}
	select {
	case ch <- reply:
		return true
	default:
		return false
	}
}

// Pending returns the number of calls awaiting a reply.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
