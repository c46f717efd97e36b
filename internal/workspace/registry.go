package workspace

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/Aman-CERP/freshness/internal/config"
	engerrors "github.com/Aman-CERP/freshness/internal/errors"
	"github.com/Aman-CERP/freshness/internal/scanner"
)

// Registry hands out one Coordinator per canonical workspace root.
type Registry struct {
	opts Options

	mu           sync.Mutex
	coordinators map[string]*Coordinator
}

// NewRegistry creates a registry. opts applies to every coordinator it
// opens; a nil Config loads each workspace's own configuration.
func NewRegistry(opts Options) *Registry {
	return &Registry{opts: opts, coordinators: make(map[string]*Coordinator)}
}

// Open returns the coordinator for root, creating it on first use. Paths
// that resolve to the same directory share a coordinator.
func (r *Registry) Open(ctx context.Context, root string) (*Coordinator, error) {
	canon, err := scanner.Canonical(root)
	if err != nil {
		return nil, engerrors.New(engerrors.ErrCodeInvalidPath, "cannot resolve workspace root", err).
			WithDetail("root", root)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if c, ok := r.coordinators[canon]; ok {
		return c, nil
	}

	opts := r.opts
	if opts.Config == nil {
		cfg, err := config.Load(canon)
		if err != nil {
			return nil, err
		}
		opts.Config = cfg
	}
	c, err := New(ctx, canon, opts)
	if err != nil {
		return nil, err
	}
	r.coordinators[canon] = c
	return c, nil
}

// Get returns the open coordinator for root, if any.
func (r *Registry) Get(root string) (*Coordinator, bool) {
	canon, err := scanner.Canonical(root)
	if err != nil {
		return nil, false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	c, ok := r.coordinators[canon]
	return c, ok
}

// Roots lists the open workspace roots, sorted.
func (r *Registry) Roots() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	roots := make([]string, 0, len(r.coordinators))
	for root := range r.coordinators {
		roots = append(roots, root)
	}
	sort.Strings(roots)
	return roots
}

// Close closes every coordinator and empties the registry.
func (r *Registry) Close(ctx context.Context) error {
	r.mu.Lock()
	open := r.coordinators
	r.coordinators = make(map[string]*Coordinator)
	r.mu.Unlock()

	var errs []error
	for _, c := range open {
		if err := c.Close(ctx); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
