package usecase

import (
	"sync"

	"github.com/freesidenomad/commandbus/internal/domain"
)

// Registry is the process-wide handler map (domain, command_type) -> Handler,
// the "explicit registry populated in a composition root" strategy the
// design names for the source's decorator-based handler discovery.
type Registry struct {
	mu       sync.RWMutex
	handlers map[string]domain.Handler
}

// NewRegistry constructs an empty handler registry.
func NewRegistry() *Registry {
	return &Registry{handlers: make(map[string]domain.Handler)}
}

func registryKey(domainName, commandType string) string { return domainName + "\x00" + commandType }

// Register binds a handler to (domainName, commandType). Composition roots
// call this before starting any worker.
func (r *Registry) Register(domainName, commandType string, h domain.Handler) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handlers[registryKey(domainName, commandType)] = h
}

// Resolve looks up the handler for (domainName, commandType).
func (r *Registry) Resolve(domainName, commandType string) (domain.Handler, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	h, ok := r.handlers[registryKey(domainName, commandType)]
	return h, ok
}

var _ domain.HandlerRegistry = (*Registry)(nil)
