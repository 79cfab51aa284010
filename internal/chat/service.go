// Package chat runs one chat turn: it records the user's message, builds the
// model context, relays the provider's fragments and commits the reply once
// the stream has been fully delivered.
package chat

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"strings"
	"sync/atomic"
	"unicode/utf8"

	"github.com/RichardoC/pad-relay/internal/history"
	"github.com/RichardoC/pad-relay/internal/llm"
	"github.com/RichardoC/pad-relay/internal/models"
	"go.uber.org/zap"
)

type Action string

const (
	ActionChat     Action = "chat"
	ActionContinue Action = "continue"
	// ActionNewMessage is accepted as an alias of ActionChat.
	ActionNewMessage Action = "new_message"
)

// ContinueInstruction is sent as the final user message of a continuation.
// It is never stored.
const ContinueInstruction = "Continue exactly where your previous reply stopped. " +
	"Do not repeat anything you already wrote and do not add any preamble."

// Store is the part of the transcript store a turn needs.
type Store interface {
	Append(ctx context.Context, sessionID string, role models.Role, content string) error
	AmendLastAssistant(ctx context.Context, sessionID, fragment string) error
	ReadAll(ctx context.Context, sessionID string) ([]models.Message, error)
}

type Turn struct {
	SessionID  string
	Provider   string
	Action     Action
	Text       string
	Attachment *models.Attachment
}

// InputError is a problem with the caller's request. Nothing has been
// written when Start returns one.
type InputError struct {
	Field  string
	Reason string
}

func (e *InputError) Error() string {
	return e.Field + ": " + e.Reason
}

type Options struct {
	// HistoryBudget caps the projected context in characters; 0 disables it.
	HistoryBudget   int
	DefaultProvider string
}

type Service struct {
	store     Store
	projector *history.Projector
	providers *llm.Registry
	opts      Options
	tokens    *history.TokenCounter
	logger    *zap.Logger
}

func NewService(store Store, projector *history.Projector, providers *llm.Registry, opts Options, logger *zap.Logger) *Service {
	return &Service{
		store:     store,
		projector: projector,
		providers: providers,
		opts:      opts,
		logger:    logger,
	}
}

// WithTokenCounter makes the service log an estimated token count for
// every projected context.
func (s *Service) WithTokenCounter(tc *history.TokenCounter) *Service {
	s.tokens = tc
	return s
}

// Start validates the turn, persists the user side and returns a Reply whose
// fragments drive the provider call.
func (s *Service) Start(ctx context.Context, turn Turn) (*Reply, error) {
	action, provider, err := s.validate(turn)
	if err != nil {
		return nil, err
	}

	req := llm.Request{
		SessionID:  turn.SessionID,
		Text:       turn.Text,
		Attachment: turn.Attachment,
	}

	switch action {
	case ActionChat:
		content := turn.Text
		if turn.Attachment != nil {
			content = strings.TrimSpace(turn.Attachment.Label() + "\n" + turn.Text)
		}
		if err := s.store.Append(ctx, turn.SessionID, models.RoleUser, content); err != nil {
			return nil, fmt.Errorf("failed to save user message: %w", err)
		}
		if req.History, err = s.project(ctx, turn.SessionID, s.opts.HistoryBudget); err != nil {
			return nil, err
		}

	case ActionContinue:
		if req.History, err = s.project(ctx, turn.SessionID, s.opts.HistoryBudget); err != nil {
			return nil, err
		}
		req.History = append(req.History, models.ProjectedMessage{Role: models.RoleUser, Content: ContinueInstruction})
		req.Text = ContinueInstruction
	}

	logger := s.logger.With(
		zap.String("session", turn.SessionID),
		zap.String("provider", provider.ID),
		zap.String("action", string(action)))
	fields := []zap.Field{zap.Int("context_messages", len(req.History))}
	if s.tokens != nil {
		fields = append(fields, zap.Int("context_tokens", s.tokens.Count(req.History)))
	}
	logger.Debug("Starting turn", fields...)

	return &Reply{
		ctx:      ctx,
		store:    s.store,
		provider: provider,
		req:      req,
		action:   action,
		logger:   logger,
	}, nil
}

func (s *Service) validate(turn Turn) (Action, *llm.Provider, error) {
	if strings.TrimSpace(turn.SessionID) == "" {
		return "", nil, &InputError{Field: "session", Reason: "is required"}
	}

	action := turn.Action
	switch action {
	case ActionChat, ActionNewMessage:
		action = ActionChat
		if strings.TrimSpace(turn.Text) == "" && turn.Attachment == nil {
			return "", nil, &InputError{Field: "text", Reason: "is required"}
		}
	case ActionContinue:
	case "":
		return "", nil, &InputError{Field: "action", Reason: "is required"}
	default:
		return "", nil, &InputError{Field: "action", Reason: fmt.Sprintf("unknown action %q", turn.Action)}
	}

	id := turn.Provider
	if id == "" {
		id = s.opts.DefaultProvider
	}
	if id == "" {
		return "", nil, &InputError{Field: "model", Reason: "is required"}
	}
	provider, err := s.providers.Lookup(id)
	if err != nil {
		return "", nil, &InputError{Field: "model", Reason: err.Error()}
	}
	return action, provider, nil
}

func (s *Service) project(ctx context.Context, sessionID string, budget int) ([]models.ProjectedMessage, error) {
	messages, err := s.store.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return s.projector.Project(messages, budget), nil
}

// History returns the session's transcript as the user saw it, error
// replies included and without a budget.
func (s *Service) History(ctx context.Context, sessionID string) ([]models.ProjectedMessage, error) {
	messages, err := s.store.ReadAll(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("failed to read history: %w", err)
	}
	return s.projector.View(messages), nil
}

// Reply is one turn's answer in flight.
type Reply struct {
	ctx      context.Context
	store    Store
	provider *llm.Provider
	req      llm.Request
	action   Action
	logger   *zap.Logger

	used atomic.Bool
	err  error
}

// Fragments streams the provider's reply. The accumulated text is committed
// after the last fragment has been handed to the consumer, and only when the
// consumer read to the end and the request context is still live.
func (r *Reply) Fragments() iter.Seq[string] {
	return func(yield func(string) bool) {
		if !r.used.CompareAndSwap(false, true) {
			return
		}

		var buf strings.Builder
		for fragment := range r.provider.Reply(r.ctx, r.req) {
			buf.WriteString(fragment)
			if !yield(fragment) {
				r.logger.Info("Consumer stopped reading, reply not saved", zap.Int("length", buf.Len()))
				return
			}
		}
		if err := r.ctx.Err(); err != nil {
			r.logger.Info("Turn cancelled, reply not saved", zap.Error(err), zap.Int("length", buf.Len()))
			return
		}

		r.err = r.commit(buf.String())
	}
}

func (r *Reply) commit(text string) error {
	if text == "" {
		return nil
	}
	// The request may end the moment the last byte is flushed; the write
	// must still land.
	ctx := context.WithoutCancel(r.ctx)

	var err error
	switch r.action {
	case ActionContinue:
		err = r.store.AmendLastAssistant(ctx, r.req.SessionID, text)
	default:
		text = strings.TrimSpace(text)
		if text == "" {
			return nil
		}
		err = r.store.Append(ctx, r.req.SessionID, models.RoleAssistant, text)
	}
	if err != nil {
		r.logger.Error("Failed to save reply",
			zap.Error(err),
			zap.Int("length", len(text)),
			zap.String("reply", clip(text, maxLoggedReply)))
		return fmt.Errorf("failed to save reply: %w", err)
	}
	r.logger.Debug("Saved reply", zap.Int("length", len(text)))
	return nil
}

// maxLoggedReply bounds the reply text written to the log when saving fails.
const maxLoggedReply = 8 << 10

// clip shortens s to at most n bytes without splitting a rune.
func clip(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "…"
}

// Err reports a failure to save the reply once Fragments has finished.
func (r *Reply) Err() error {
	return r.err
}

// IsInputError reports whether err came from a bad request.
func IsInputError(err error) bool {
	var inputErr *InputError
	return errors.As(err, &inputErr)
}
