package provider

import (
	"fmt"
	"strings"
	"sync"

	"github.com/suPer8Hu/pixel-platform/internal/task"
)

type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry() *Registry {
	return &Registry{adapters: make(map[string]Adapter)}
}

func (r *Registry) Register(a Adapter) {
	name := strings.ToLower(strings.TrimSpace(a.Name()))
	r.mu.Lock()
	defer r.mu.Unlock()
	r.adapters[name] = a
}

func (r *Registry) Get(name string) (Adapter, error) {
	name = strings.ToLower(strings.TrimSpace(name))
	r.mu.RLock()
	a, ok := r.adapters[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("unknown provider: %s", name)
	}
	return a, nil
}

// ForKind resolves which adapter handles a task kind.
func (r *Registry) ForKind(k task.Kind) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, a := range r.adapters {
		if a.Supports(k) {
			return a, nil
		}
	}
	return nil, fmt.Errorf("no provider for kind: %s", k)
}
