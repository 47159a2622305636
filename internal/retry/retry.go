// Package retry runs an action through a bounded attempt/backoff state machine:
//
//	PENDING → ATTEMPT(1..max) → SUCCESS | EXHAUSTED
//
// The first attempt is immediate; later attempts wait the configured delay.
// Sleep is injected so tests never wait on a wall clock.
package retry

import (
	"context"
	"log/slog"
	"time"
)

// State is a position in the retry state machine.
type State string

const (
	StatePending   State = "pending"
	StateAttempt   State = "attempt"
	StateSuccess   State = "success"
	StateExhausted State = "exhausted"
)

// Policy bounds the number of attempts and the waits between them.
type Policy struct {
	MaxAttempts int             // Default: 3.
	Delays      []time.Duration // Wait before attempt 2, 3, ...; the last entry repeats. Default: 2s, 4s.
}

// DefaultPolicy is three attempts with 2s then 4s between them.
var DefaultPolicy = Policy{MaxAttempts: 3, Delays: []time.Duration{2 * time.Second, 4 * time.Second}}

func (p Policy) maxAttempts() int {
	if p.MaxAttempts > 0 {
		return p.MaxAttempts
	}
	return DefaultPolicy.MaxAttempts
}

// delayBefore returns the wait before the given 1-based attempt.
func (p Policy) delayBefore(attempt int) time.Duration {
	delays := p.Delays
	if len(delays) == 0 {
		delays = DefaultPolicy.Delays
	}
	if attempt <= 1 {
		return 0
	}
	i := attempt - 2
	if i >= len(delays) {
		i = len(delays) - 1
	}
	return delays[i]
}

// Func performs one attempt. attempt is 1-based.
type Func func(ctx context.Context, attempt int) (string, error)

// Outcome is the terminal result of a Run.
type Outcome struct {
	State    State // StateSuccess or StateExhausted.
	Attempts int
	Result   string // Result of the successful attempt.
	Err      error  // Last error when exhausted.
}

// Succeeded reports whether the sequence ended in SUCCESS.
func (o Outcome) Succeeded() bool { return o.State == StateSuccess }

// Controller drives Func through the state machine.
type Controller struct {
	policy    Policy
	sleep     func(time.Duration)
	permanent func(error) bool
	logger    *slog.Logger
}

// Option configures a Controller.
type Option func(*Controller)

// WithPolicy overrides DefaultPolicy.
func WithPolicy(p Policy) Option {
	return func(c *Controller) { c.policy = p }
}

// WithSleep replaces time.Sleep, typically with a recorder in tests.
func WithSleep(fn func(time.Duration)) Option {
	return func(c *Controller) { c.sleep = fn }
}

// WithPermanent marks errors that end the sequence immediately as EXHAUSTED.
func WithPermanent(fn func(error) bool) Option {
	return func(c *Controller) { c.permanent = fn }
}

// WithLogger logs each failed attempt.
func WithLogger(l *slog.Logger) Option {
	return func(c *Controller) { c.logger = l }
}

// New creates a Controller with DefaultPolicy and time.Sleep.
func New(opts ...Option) *Controller {
	c := &Controller{
		policy: DefaultPolicy,
		sleep:  time.Sleep,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Run executes fn until it succeeds or the attempts are used up.
// Cancellation of ctx does not interrupt the sequence; fn sees ctx and may honour it.
func (c *Controller) Run(ctx context.Context, fn Func) Outcome {
	state := StatePending
	out := Outcome{}
	limit := c.policy.maxAttempts()

	for state != StateSuccess && state != StateExhausted {
		switch state {
		case StatePending:
			state = StateAttempt
		case StateAttempt:
			attempt := out.Attempts + 1
			if d := c.policy.delayBefore(attempt); d > 0 {
				c.sleep(d)
			}
			out.Attempts = attempt

			result, err := fn(ctx, attempt)
			if err == nil {
				out.Result = result
				out.Err = nil
				state = StateSuccess
				continue
			}
			out.Err = err
			if c.logger != nil {
				c.logger.WarnContext(ctx, "attempt failed",
					slog.Int("attempt", attempt),
					slog.Int("max_attempts", limit),
					slog.String("error", err.Error()),
				)
			}
			if attempt >= limit || (c.permanent != nil && c.permanent(err)) {
				state = StateExhausted
			}
		}
	}

	out.State = state
	return out
}
