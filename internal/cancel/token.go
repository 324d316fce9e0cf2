package cancel

import (
	"context"
	"sync"
	"sync/atomic"
)

// Reason records why a token was cancelled.
type Reason int

const (
	// ReasonNone is the reason of a token that has not been cancelled.
	ReasonNone Reason = iota
	ReasonUserRequested
	ReasonTimeout
	ReasonSystemShutdown
	ReasonError
)

// String returns the wire name of the reason.
func (r Reason) String() string {
	switch r {
	case ReasonUserRequested:
		return "user_requested"
	case ReasonTimeout:
		return "timeout"
	case ReasonSystemShutdown:
		return "system_shutdown"
	case ReasonError:
		return "error"
	default:
		return "none"
	}
}

// ParseReason maps a wire name back to a Reason. Unknown names map to
// ReasonUserRequested, the reason used for caller-initiated stops.
func ParseReason(s string) Reason {
	switch s {
	case "timeout":
		return ReasonTimeout
	case "system_shutdown":
		return ReasonSystemShutdown
	case "error":
		return ReasonError
	default:
		return ReasonUserRequested
	}
}

// Token is a write-once cancellation signal. The zero value is not usable;
// create tokens with New or Token.Child.
type Token struct {
	cancelled atomic.Bool

	mu          sync.Mutex
	reason      Reason
	done        chan struct{}
	subscribers []chan Reason
	children    map[*Token]struct{}
	parent      *Token
}

// New creates an uncancelled token with no subscribers.
func New() *Token {
	return &Token{
		done:     make(chan struct{}),
		children: make(map[*Token]struct{}),
	}
}

// Cancel cancels the token and all of its live children. It reports whether
// this call performed the transition; repeated calls are no-ops.
func (t *Token) Cancel(reason Reason) bool {
	if reason == ReasonNone {
		reason = ReasonUserRequested
	}

	t.mu.Lock()
	if t.cancelled.Load() {
		t.mu.Unlock()
		return false
	}
	t.reason = reason
	t.cancelled.Store(true)
	close(t.done)

	subscribers := t.subscribers
	children := t.children
	parent := t.parent
	t.subscribers = nil
	t.children = nil
	t.parent = nil
	t.mu.Unlock()

	// Subscriber channels have capacity 1 and receive exactly one value.
	for _, ch := range subscribers {
		ch <- reason
	}
	for child := range children {
		child.Cancel(reason)
	}
	if parent != nil {
		parent.detach(t)
	}
	return true
}

// IsCancelled reports whether Cancel has been called. It never blocks.
func (t *Token) IsCancelled() bool {
	return t.cancelled.Load()
}

// Reason returns the cancellation reason, or ReasonNone.
func (t *Token) Reason() Reason {
	if !t.cancelled.Load() {
		return ReasonNone
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.reason
}

// Err returns nil while the token is live and a *Error afterwards.
func (t *Token) Err() error {
	if !t.cancelled.Load() {
		return nil
	}
	return &Error{Reason: t.Reason()}
}

// ThrowIfCancelled returns a *Error matching ErrCancelled once the token has
// been cancelled.
func (t *Token) ThrowIfCancelled() error {
	return t.Err()
}

// Done returns a channel that is closed when the token is cancelled.
func (t *Token) Done() <-chan struct{} {
	return t.done
}

// Subscribe returns a channel that receives the reason exactly once when the
// token is cancelled. Subscribing to an already-cancelled token returns a
// channel that is never written; callers must poll IsCancelled for that case.
func (t *Token) Subscribe() <-chan Reason {
	ch := make(chan Reason, 1)

	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelled.Load() {
		return ch
	}
	t.subscribers = append(t.subscribers, ch)
	return ch
}

// Child creates a token linked to t. The child starts cancelled if t already
// is, otherwise it is cancelled with t's reason when t is.
func (t *Token) Child() *Token {
	child := New()

	t.mu.Lock()
	if t.cancelled.Load() {
		reason := t.reason
		t.mu.Unlock()
		child.Cancel(reason)
		return child
	}
	child.parent = t
	t.children[child] = struct{}{}
	t.mu.Unlock()

	return child
}

// detach removes a cancelled child so the parent does not retain it.
func (t *Token) detach(child *Token) {
	t.mu.Lock()
	delete(t.children, child)
	t.mu.Unlock()
}

// liveChildren is used by tests to verify detachment.
func (t *Token) liveChildren() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.children)
}

// WithContext derives a context that is cancelled, with the token's error as
// cause, when the token is cancelled. The returned CancelFunc must be called
// to release the watcher.
func (t *Token) WithContext(parent context.Context) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancelCause(parent)
	if t.IsCancelled() {
		cancel(t.Err())
		return ctx, func() { cancel(context.Canceled) }
	}

	go func() {
		select {
		case <-t.done:
			cancel(t.Err())
		case <-ctx.Done():
		}
	}()

	return ctx, func() { cancel(context.Canceled) }
}
