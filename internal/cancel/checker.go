package cancel

import "time"

// DefaultCheckInterval is the re-check interval used when none is given.
const DefaultCheckInterval = 10 * time.Millisecond

// Checker polls a token at most once per interval. Once cancellation has
// been observed the result is cached, so later calls cost a single branch.
//
// A Checker is meant to be owned by one goroutine and is not safe for
// concurrent use.
type Checker struct {
	token    *Token
	interval time.Duration
	now      func() time.Time

	lastCheck time.Time
	observed  bool
}

// NewChecker wraps token with the given minimum re-check interval.
func NewChecker(token *Token, interval time.Duration) *Checker {
	if interval <= 0 {
		interval = DefaultCheckInterval
	}
	return &Checker{
		token:    token,
		interval: interval,
		now:      time.Now,
	}
}

// Check reports whether cancellation has been observed. The token itself is
// consulted on the first call and then at most once per interval.
func (c *Checker) Check() bool {
	if c.observed {
		return true
	}
	now := c.now()
	if !c.lastCheck.IsZero() && now.Sub(c.lastCheck) < c.interval {
		return false
	}
	c.lastCheck = now
	c.observed = c.token.IsCancelled()
	return c.observed
}

// Err returns the token's error once Check has observed cancellation.
func (c *Checker) Err() error {
	if !c.Check() {
		return nil
	}
	return c.token.Err()
}

// Token returns the wrapped token.
func (c *Checker) Token() *Token {
	return c.token
}
