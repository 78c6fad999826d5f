package provider

import (
	"context"
	"fmt"

	"github.com/ignite/outreach-engine/internal/config"
	"github.com/ignite/outreach-engine/internal/pkg/logger"
)

// Registry maps provider kinds to adapters. An adapter is selected once
// per account and passed around as a capability object; call sites
// never branch on provider name strings.
type Registry struct {
	adapters map[string]Adapter
}

// NewRegistry builds the registry from app configuration. Adapters for
// unconfigured providers are simply absent.
func NewRegistry(ctx context.Context, cfg *config.Config) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}

	if cfg.Google.ClientID != "" {
		r.Register(NewGmailAdapter(cfg.Google))
	}
	if cfg.Microsoft.ClientID != "" {
		r.Register(NewGraphAdapter(cfg.Microsoft))
	}
	if cfg.SES.Enabled && cfg.SES.AccessKey != "" {
		ses, err := NewSESAdapter(ctx, cfg.SES)
		if err != nil {
			logger.Warn("provider: SES adapter unavailable", "error", err.Error())
		} else {
			r.Register(ses)
		}
	}

	return r
}

// Register adds an adapter, replacing any existing one of the same kind.
func (r *Registry) Register(a Adapter) {
	r.adapters[a.Kind()] = a
}

// ForProvider returns the adapter for a provider kind.
func (r *Registry) ForProvider(kind string) (Adapter, error) {
	a, ok := r.adapters[kind]
	if !ok {
		return nil, fmt.Errorf("provider: no adapter registered for %q", kind)
	}
	return a, nil
}
