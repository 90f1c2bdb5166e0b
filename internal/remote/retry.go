package remote

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/waveto/mr-ray-open/internal/keys"
	"github.com/waveto/mr-ray-open/internal/obs"
)

var (
	// ErrNotParticipant means the service refused the caller as a
	// participant of the document. It is never retried.
	ErrNotParticipant = errors.New("remote: not a participant")
	// ErrTransient means every attempt in the retry budget failed.
	ErrTransient = errors.New("remote: retries exhausted")
)

const (
	notParticipantMarker = "is not a participant of wave id"
	// The service reports submits against documents the robot has lost
	// access to as a bare server error.
	submitRefusedMarker = "RPC Error500"
)

const (
	DefaultLossyRetries     = 2
	DefaultImportantRetries = 4
)

// TransientError wraps the last failure of an exhausted retry budget.
type TransientError struct {
	Op       string
	Attempts int
	Err      error
}

func (e *TransientError) Error() string {
	return fmt.Sprintf("%s failed after %d attempts: %v", e.Op, e.Attempts, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

func (e *TransientError) Is(target error) bool { return target == ErrTransient }

type Options struct {
	// LossyRetries is the budget for best-effort refreshes.
	LossyRetries int
	// ImportantRetries is the budget for user-visible mutations.
	ImportantRetries int
	// Backoff is the delay before the second attempt, doubled for each
	// later one. Zero retries immediately.
	Backoff    time.Duration
	MaxBackoff time.Duration
}

// RetryingClient is the only component that retries document service calls.
type RetryingClient struct {
	service Service
	opts    Options
}

func NewRetryingClient(service Service, opts Options) *RetryingClient {
	if opts.LossyRetries <= 0 {
		opts.LossyRetries = DefaultLossyRetries
	}
	if opts.ImportantRetries <= 0 {
		opts.ImportantRetries = DefaultImportantRetries
	}
	if opts.MaxBackoff <= 0 {
		opts.MaxBackoff = 2 * time.Second
	}
	return &RetryingClient{service: service, opts: opts}
}

func (c *RetryingClient) LossyRetries() int { return c.opts.LossyRetries }

func (c *RetryingClient) ImportantRetries() int { return c.opts.ImportantRetries }

// FetchDocument tries up to retries times.
func (c *RetryingClient) FetchDocument(ctx context.Context, conversation keys.Conversation, retries int) (Document, error) {
	var doc Document
	err := c.run(ctx, "fetch", retries, isNotParticipant, func(ctx context.Context) error {
		var err error
		doc, err = c.service.Fetch(ctx, conversation)
		return err
	})
	return doc, err
}

// SubmitDocument tries up to retries times.
func (c *RetryingClient) SubmitDocument(ctx context.Context, doc Document, retries int) (SubmitResult, error) {
	var result SubmitResult
	err := c.run(ctx, "submit", retries, isSubmitRefused, func(ctx context.Context) error {
		var err error
		result, err = c.service.Submit(ctx, doc)
		return err
	})
	return result, err
}

func (c *RetryingClient) run(ctx context.Context, op string, retries int, fatal func(error) bool, attempt func(context.Context) error) error {
	if retries < 1 {
		retries = 1
	}
	var last error
	for i := 0; i < retries; i++ {
		if i > 0 {
			if err := sleepContext(ctx, c.delay(i)); err != nil {
				return err
			}
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		last = attempt(ctx)
		if last == nil {
			obs.RemoteAttempt(op, "ok")
			return nil
		}
		if fatal(last) {
			obs.RemoteAttempt(op, "not_participant")
			return fmt.Errorf("%s: %w: %v", op, ErrNotParticipant, last)
		}
		obs.RemoteAttempt(op, "error")
		log.Printf("remote %s attempt %d/%d failed: %v", op, i+1, retries, last)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return &TransientError{Op: op, Attempts: retries, Err: last}
}

func (c *RetryingClient) delay(retry int) time.Duration {
	delay := c.opts.Backoff
	if delay <= 0 {
		return 0
	}
	for i := 1; i < retry; i++ {
		delay *= 2
		if delay >= c.opts.MaxBackoff {
			return c.opts.MaxBackoff
		}
	}
	return delay
}

func isNotParticipant(err error) bool {
	return strings.Contains(err.Error(), notParticipantMarker)
}

func isSubmitRefused(err error) bool {
	return isNotParticipant(err) || strings.Contains(err.Error(), submitRefusedMarker)
}

func sleepContext(ctx context.Context, delay time.Duration) error {
	if delay <= 0 {
		return nil
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
