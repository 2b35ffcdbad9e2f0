package script

import (
	"context"
	"errors"
	"log/slog"

	"github.com/flowpbx/callscript/internal/database/models"
)

// StoreReader is the part of the script repository the resolver needs.
type StoreReader interface {
	GetBySlug(ctx context.Context, slug string) (*models.Script, error)
}

// Resolver finds the script for a slug. The persistent store is consulted
// first, then the file cache; a cache miss triggers one full reload before
// giving up with ErrNotFound.
type Resolver struct {
	store    StoreReader
	registry *Registry
	logger   *slog.Logger
}

// NewResolver creates a resolver. store may be nil when scripts are only
// defined on disk.
func NewResolver(store StoreReader, registry *Registry, logger *slog.Logger) *Resolver {
	return &Resolver{
		store:    store,
		registry: registry,
		logger:   logger.With("component", "resolver"),
	}
}

// Resolve returns the script for slug or ErrNotFound. Store failures and
// undecodable stored scripts are logged and fall through to the cache.
func (r *Resolver) Resolve(ctx context.Context, slug string) (*Script, error) {
	if !ValidSlug(slug) {
		return nil, ErrNotFound
	}

	if r.store != nil {
		m, err := r.store.GetBySlug(ctx, slug)
		switch {
		case err != nil:
			r.logger.Error("script store lookup failed, using cache", "slug", slug, "error", err)
		case m != nil:
			s, err := FromModel(m)
			if err == nil {
				return s, nil
			}
			r.logger.Error("stored script is invalid, using cache", "slug", slug, "error", err)
		}
	}

	if s, ok := r.registry.Get(slug); ok {
		return s, nil
	}

	if _, err := r.registry.Reload(ctx); err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			return nil, err
		}
		r.logger.Warn("script reload failed", "slug", slug, "error", err)
	}

	if s, ok := r.registry.Get(slug); ok {
		return s, nil
	}
	return nil, ErrNotFound
}
