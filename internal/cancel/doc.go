// Package cancel provides hierarchical, one-shot cancellation tokens.
//
// A Token is cancelled at most once. The first Cancel call records a Reason,
// closes the Done channel and notifies every subscriber registered before it;
// later calls are ignored.
//
// # Polling and Notification
//
// IsCancelled is the authoritative view of a token. Subscribe is best-effort:
// a subscriber registered after cancellation never receives a value and must
// rely on IsCancelled instead.
//
//	token := cancel.New()
//	events := token.Subscribe()
//	go func() {
//	    reason := <-events
//	    log.Printf("cancelled: %s", reason)
//	}()
//	token.Cancel(cancel.ReasonUserRequested)
//
// # Children
//
// Child tokens are registered on the parent's observer list at creation time.
// Cancelling the parent cancels every live child with the same reason;
// cancelling a child never touches the parent. No goroutine is started per
// child.
//
// # Hot Loops
//
// Checker rate-limits how often a loop consults its token, guaranteeing that
// a cancellation is seen within one check interval.
package cancel
