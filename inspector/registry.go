package inspector

import (
	"fmt"
	"sort"
	"sync"

	"github.com/xiaonanln/rcuvar/rcu"
)

// Source is anything reporting RCU bookkeeping: a Variable or a type built on one
type Source interface {
	Stats() rcu.Stats
}

// retiredLister is implemented by sources that can list retired versions
type retiredLister interface {
	Retired() []rcu.RetiredVersion
}

// Registry holds the sources exposed by the inspector service
type Registry struct {
	mu      sync.RWMutex
	sources map[string]Source
}

// NewRegistry creates an empty registry
func NewRegistry() *Registry {
	return &Registry{sources: make(map[string]Source)}
}

// Register exposes src under name
func (r *Registry) Register(name string, src Source) error {
	if name == "" {
		return fmt.Errorf("source name cannot be empty")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.sources[name]; exists {
		return fmt.Errorf("source %s already registered", name)
	}
	r.sources[name] = src
	return nil
}

// Unregister removes the source registered under name
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.sources, name)
}

// Get returns the source registered under name
func (r *Registry) Get(name string) (Source, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	src, ok := r.sources[name]
	return src, ok
}

// Names returns the registered names in sorted order
func (r *Registry) Names() []string {
	r.mu.RLock()
	names := make([]string, 0, len(r.sources))
	for name := range r.sources {
		names = append(names, name)
	}
	r.mu.RUnlock()

	sort.Strings(names)
	return names
}
