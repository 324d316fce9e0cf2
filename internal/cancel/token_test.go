package cancel

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

func TestNew(t *testing.T) {
	token := New()

	assert.False(t, token.IsCancelled())
	assert.Equal(t, ReasonNone, token.Reason())
	assert.NoError(t, token.ThrowIfCancelled())
}

func TestToken_Cancel_Idempotent(t *testing.T) {
	token := New()
	events := token.Subscribe()

	assert.True(t, token.Cancel(ReasonTimeout))
	assert.False(t, token.Cancel(ReasonUserRequested))

	assert.True(t, token.IsCancelled())
	assert.Equal(t, ReasonTimeout, token.Reason(), "first reason wins")

	select {
	case reason := <-events:
		assert.Equal(t, ReasonTimeout, reason)
	default:
		t.Fatal("subscriber was not notified")
	}

	select {
	case <-events:
		t.Fatal("subscriber notified twice")
	default:
	}
}

func TestToken_Cancel_NoneDefaultsToUserRequested(t *testing.T) {
	token := New()
	token.Cancel(ReasonNone)

	assert.Equal(t, ReasonUserRequested, token.Reason())
}

func TestToken_ThrowIfCancelled(t *testing.T) {
	token := New()
	token.Cancel(ReasonSystemShutdown)

	err := token.ThrowIfCancelled()
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrCancelled))

	reason, ok := ReasonFromError(err)
	assert.True(t, ok)
	assert.Equal(t, ReasonSystemShutdown, reason)
	assert.Contains(t, err.Error(), "system_shutdown")
}

func TestToken_Subscribe_AfterCancelIsNotReplayed(t *testing.T) {
	token := New()
	token.Cancel(ReasonError)

	late := token.Subscribe()

	select {
	case <-late:
		t.Fatal("late subscriber must not receive a replayed notification")
	case <-time.After(20 * time.Millisecond):
	}
	assert.True(t, token.IsCancelled(), "polling remains authoritative")
}

func TestToken_Done(t *testing.T) {
	token := New()

	select {
	case <-token.Done():
		t.Fatal("done closed before cancel")
	default:
	}

	token.Cancel(ReasonUserRequested)

	select {
	case <-token.Done():
	case <-time.After(time.Second):
		t.Fatal("done not closed after cancel")
	}
}

func TestToken_Child_CancelledByParent(t *testing.T) {
	parent := New()
	child := parent.Child()
	grandchild := child.Child()
	events := grandchild.Subscribe()

	parent.Cancel(ReasonTimeout)

	assert.True(t, child.IsCancelled())
	assert.True(t, grandchild.IsCancelled())
	assert.Equal(t, ReasonTimeout, child.Reason())
	assert.Equal(t, ReasonTimeout, grandchild.Reason())
	assert.Equal(t, ReasonTimeout, <-events)
}

func TestToken_Child_OfCancelledParent(t *testing.T) {
	parent := New()
	parent.Cancel(ReasonSystemShutdown)

	child := parent.Child()

	assert.True(t, child.IsCancelled())
	assert.Equal(t, ReasonSystemShutdown, child.Reason())
}

func TestToken_Child_DoesNotAffectParent(t *testing.T) {
	parent := New()
	child := parent.Child()
	sibling := parent.Child()

	child.Cancel(ReasonUserRequested)

	assert.False(t, parent.IsCancelled())
	assert.False(t, sibling.IsCancelled())
	assert.Equal(t, 1, parent.liveChildren(), "cancelled child is detached")
}

func TestToken_ConcurrentCancel(t *testing.T) {
	token := New()
	events := token.Subscribe()

	var wg sync.WaitGroup
	var mu sync.Mutex
	transitions := 0
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			if token.Cancel(Reason(1 + i%4)) {
				mu.Lock()
				transitions++
				mu.Unlock()
			}
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, transitions)
	assert.Len(t, events, 1)
}

func TestToken_WithContext(t *testing.T) {
	token := New()
	ctx, cancelCtx := token.WithContext(context.Background())
	defer cancelCtx()

	token.Cancel(ReasonTimeout)

	select {
	case <-ctx.Done():
	case <-time.After(time.Second):
		t.Fatal("context not cancelled with token")
	}
	assert.True(t, errors.Is(context.Cause(ctx), ErrCancelled))
}

func TestToken_WithContext_AlreadyCancelled(t *testing.T) {
	token := New()
	token.Cancel(ReasonUserRequested)

	ctx, cancelCtx := token.WithContext(context.Background())
	defer cancelCtx()

	assert.Error(t, ctx.Err())
}

func TestToken_WithContext_ReleasedWithoutCancel(t *testing.T) {
	token := New()
	ctx, cancelCtx := token.WithContext(context.Background())
	cancelCtx()

	assert.Error(t, ctx.Err())
	assert.False(t, token.IsCancelled())
}

func TestReason_String(t *testing.T) {
	tests := []struct {
		reason Reason
		want   string
	}{
		{ReasonNone, "none"},
		{ReasonUserRequested, "user_requested"},
		{ReasonTimeout, "timeout"},
		{ReasonSystemShutdown, "system_shutdown"},
		{ReasonError, "error"},
	}
	for _, tt := range tests {
		t.Run(tt.want, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.reason.String())
			if tt.reason != ReasonNone {
				assert.Equal(t, tt.reason, ParseReason(tt.want))
			}
		})
	}
}

// TestProperty_CancelIdempotent checks that any sequence of cancels leaves the
// token cancelled with the first reason and delivers one notification.
func TestProperty_CancelIdempotent(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		token := New()
		subs := rapid.IntRange(0, 5).Draw(rt, "subscribers")
		channels := make([]<-chan Reason, subs)
		for i := range channels {
			channels[i] = token.Subscribe()
		}

		reasons := rapid.SliceOfN(rapid.IntRange(1, 4), 1, 10).Draw(rt, "reasons")
		for _, r := range reasons {
			token.Cancel(Reason(r))
			if !token.IsCancelled() {
				rt.Fatalf("token not cancelled after Cancel(%d)", r)
			}
		}

		if token.Reason() != Reason(reasons[0]) {
			rt.Fatalf("reason = %v, want %v", token.Reason(), Reason(reasons[0]))
		}
		for i, ch := range channels {
			if len(ch) != 1 {
				rt.Fatalf("subscriber %d saw %d notifications", i, len(ch))
			}
		}
	})
}

// TestProperty_ChildPropagation checks that children created before or after
// a parent cancel always end up cancelled, and never cancel the parent.
func TestProperty_ChildPropagation(t *testing.T) {
	rapid.Check(t, func(rt *rapid.T) {
		parent := New()
		before := rapid.IntRange(0, 5).Draw(rt, "before")
		after := rapid.IntRange(0, 5).Draw(rt, "after")
		cancelChild := rapid.Bool().Draw(rt, "cancel_child_first")

		var children []*Token
		for i := 0; i < before; i++ {
			children = append(children, parent.Child())
		}
		if cancelChild && len(children) > 0 {
			children[0].Cancel(ReasonError)
			if parent.IsCancelled() {
				rt.Fatal("child cancel leaked to parent")
			}
		}

		parent.Cancel(ReasonTimeout)
		for i := 0; i < after; i++ {
			children = append(children, parent.Child())
		}

		for i, c := range children {
			if !c.IsCancelled() {
				rt.Fatalf("child %d not cancelled", i)
			}
		}
	})
}
