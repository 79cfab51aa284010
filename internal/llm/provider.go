// Package llm holds the upstream adapters and the single boundary that turns
// their failures into visible reply text.
package llm

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"sync/atomic"
	"time"

	"github.com/RichardoC/pad-relay/internal/models"
)

// Request is everything an adapter may use to build its upstream call.
type Request struct {
	SessionID  string
	History    []models.ProjectedMessage
	Text       string
	Attachment *models.Attachment
}

// Adapter talks to one upstream. Stream calls emit once per decoded text
// fragment and returns the upstream failure, if any. A non-nil error from
// emit means the consumer is gone; Stream must return it promptly.
type Adapter interface {
	Stream(ctx context.Context, req Request, emit func(fragment string) error) error
}

// Provider binds an adapter to the id clients select it by.
type Provider struct {
	ID      string
	Kind    Kind
	Timeout time.Duration
	adapter Adapter
}

func NewProvider(id string, kind Kind, timeout time.Duration, adapter Adapter) *Provider {
	return &Provider{ID: id, Kind: kind, Timeout: timeout, adapter: adapter}
}

var errConsumerStopped = errors.New("consumer stopped reading")

// ErrHandshake marks failures to acquire an upstream session credential.
var ErrHandshake = errors.New("handshake failed")

// Reply streams the upstream answer as a lazy, single-use sequence. Adapter
// failures end the sequence with exactly one ErrorFragment; nothing is
// appended when the consumer stops early or ctx is cancelled.
func (p *Provider) Reply(ctx context.Context, req Request) iter.Seq[string] {
	var used atomic.Bool
	return func(yield func(string) bool) {
		if used.Swap(true) {
			return
		}

		callCtx := ctx
		if p.Timeout > 0 {
			var cancel context.CancelFunc
			callCtx, cancel = context.WithTimeout(ctx, p.Timeout)
			defer cancel()
		}

		// yield must not run again once it has returned false, whatever the
		// adapter does with errConsumerStopped.
		stopped := false
		err := p.adapter.Stream(callCtx, req, func(fragment string) error {
			if stopped {
				return errConsumerStopped
			}
			if fragment == "" {
				return nil
			}
			if !yield(fragment) {
				stopped = true
				return errConsumerStopped
			}
			return nil
		})
		if err == nil || stopped || ctx.Err() != nil {
			return
		}
		yield(ErrorFragment(&AdapterError{Provider: p.ID, Op: operation(err), Err: err}))
	}
}

// ErrorFragment renders an upstream failure as chat text.
func ErrorFragment(err error) string {
	return fmt.Sprintf("%s **Connection Error**\n\nI couldn't reach the AI service. Please check your connection or try again later. (Details: %v)",
		models.ErrorMarker, err)
}

// AdapterError tags an upstream failure with the provider it came from and
// the step that failed: "handshake", "request" or "timeout".
type AdapterError struct {
	Provider string
	Op       string
	Err      error
}

func operation(err error) string {
	var status *StatusError
	switch {
	case errors.Is(err, ErrHandshake):
		return "handshake"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	case errors.As(err, &status):
		return status.Op
	default:
		return "request"
	}
}

func (e *AdapterError) Error() string {
	return fmt.Sprintf("provider %s: %v", e.Provider, e.Err)
}

func (e *AdapterError) Unwrap() error {
	return e.Err
}

// StatusError is a non-2xx upstream response.
type StatusError struct {
	Op   string // "request", "handshake"
	Code int
	Body string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("%s returned status %d", e.Op, e.Code)
	}
	return fmt.Sprintf("%s returned status %d: %s", e.Op, e.Code, e.Body)
}
