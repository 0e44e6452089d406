// Package escalate forwards cases a reviewer could not resolve to an
// external issue tracker and reports back the tracker's reference.
package escalate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ErrEscalationFailed is returned when the sink could not accept the case
// after all retries. The case stays escalated without an issue reference so
// the filing can be retried later.
var ErrEscalationFailed = errors.New("escalate: escalation failed")

// Ticket is the payload handed to a sink when a case is escalated.
type Ticket struct {
	CaseID    string  `json:"case_id"`
	QueryText string  `json:"query_text"`
	DraftText string  `json:"draft_text,omitempty"`
	Summary   string  `json:"summary"`
	Citations []int64 `json:"citations,omitempty"`
}

// Sink files escalated cases with an external system. CreateIssue returns an
// opaque reference (ticket id, issue URL) usable to find the issue later.
type Sink interface {
	CreateIssue(ctx context.Context, t Ticket) (string, error)
}

// Escalator wraps a Sink with bounded retries.
type Escalator struct {
	sink        Sink
	log         *slog.Logger
	maxAttempts int
	baseDelay   time.Duration
}

// Option configures an Escalator.
type Option func(*Escalator)

// WithMaxAttempts bounds how many times a filing is tried.
func WithMaxAttempts(n int) Option {
	return func(e *Escalator) {
		if n > 0 {
			e.maxAttempts = n
		}
	}
}

// WithBaseDelay sets the first retry delay; later delays double.
func WithBaseDelay(d time.Duration) Option {
	return func(e *Escalator) {
		if d > 0 {
			e.baseDelay = d
		}
	}
}

// New creates an Escalator over the given sink.
func New(sink Sink, log *slog.Logger, opts ...Option) *Escalator {
	if log == nil {
		log = slog.Default()
	}
	e := &Escalator{
		sink:        sink,
		log:         log,
		maxAttempts: 3,
		baseDelay:   time.Second,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// File pushes a ticket to the sink, retrying transient failures with
// exponential backoff. It returns the sink's issue reference.
func (e *Escalator) File(ctx context.Context, t Ticket) (string, error) {
	if t.CaseID == "" {
		return "", fmt.Errorf("%w: missing case id", ErrEscalationFailed)
	}

	var lastErr error
	for attempt := 1; attempt <= e.maxAttempts; attempt++ {
		if attempt > 1 {
			delay := e.baseDelay * time.Duration(1<<(attempt-2))
			e.log.Warn("escalate: retrying issue filing",
				"case_id", t.CaseID, "attempt", attempt, "delay", delay, "error", lastErr)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return "", fmt.Errorf("%w: %w", ErrEscalationFailed, ctx.Err())
			}
		}

		ref, err := e.sink.CreateIssue(ctx, t)
		if err == nil {
			if ref == "" {
				return "", fmt.Errorf("%w: sink returned empty reference for case %s", ErrEscalationFailed, t.CaseID)
			}
			e.log.Info("escalate: issue filed", "case_id", t.CaseID, "issue_ref", ref)
			return ref, nil
		}
		if ctx.Err() != nil {
			return "", fmt.Errorf("%w: %w", ErrEscalationFailed, ctx.Err())
		}
		lastErr = err
	}
	return "", fmt.Errorf("%w: case %s after %d attempts: %w", ErrEscalationFailed, t.CaseID, e.maxAttempts, lastErr)
}
