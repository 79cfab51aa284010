package llm

import (
	"errors"
	"fmt"
	"sort"

	"github.com/RichardoC/pad-relay/internal/config"
	"go.uber.org/multierr"
	"go.uber.org/zap"
)

// Kind is the closed set of adapter implementations.
type Kind string

const (
	KindOpenAI    Kind = "openai"
	KindOllama    Kind = "ollama"
	KindJSONLines Kind = "jsonlines"
)

var ErrUnknownProvider = errors.New("unknown provider")

// Registry resolves client-facing provider ids. It is read-only after
// construction.
type Registry struct {
	providers map[string]*Provider
}

func NewRegistry(providers ...*Provider) (*Registry, error) {
	r := &Registry{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		if _, exists := r.providers[p.ID]; exists {
			return nil, fmt.Errorf("duplicate provider %q", p.ID)
		}
		r.providers[p.ID] = p
	}
	return r, nil
}

// FromConfig builds every configured provider.
func FromConfig(cfgs []config.ProviderConfig, logger *zap.Logger) (*Registry, error) {
	var errs error
	providers := make([]*Provider, 0, len(cfgs))
	for _, cfg := range cfgs {
		adapter, err := newAdapter(cfg, logger)
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("provider %q: %w", cfg.Name, err))
			continue
		}
		providers = append(providers, NewProvider(cfg.Name, Kind(cfg.Kind), cfg.TimeoutDuration(), adapter))
		logger.Info("registered provider",
			zap.String("provider", cfg.Name),
			zap.String("kind", cfg.Kind),
			zap.Duration("timeout", cfg.TimeoutDuration()))
	}
	if errs != nil {
		return nil, errs
	}
	return NewRegistry(providers...)
}

func newAdapter(cfg config.ProviderConfig, logger *zap.Logger) (Adapter, error) {
	switch Kind(cfg.Kind) {
	case KindOpenAI:
		return NewOpenAIAdapter(cfg)
	case KindOllama:
		return NewOllamaAdapter(cfg)
	case KindJSONLines:
		return NewJSONLinesAdapter(cfg, logger.With(zap.String("provider", cfg.Name)))
	default:
		return nil, fmt.Errorf("unknown kind %q", cfg.Kind)
	}
}

func (r *Registry) Lookup(id string) (*Provider, error) {
	p, ok := r.providers[id]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownProvider, id)
	}
	return p, nil
}

// IDs lists the registered provider ids in sorted order.
func (r *Registry) IDs() []string {
	ids := make([]string, 0, len(r.providers))
	for id := range r.providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
