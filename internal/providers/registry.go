package providers

import (
	"fmt"
	"sort"
	"sync"

	"github.com/carenet/escrow/internal/models"
)

// Registry resolves adapters by provider name.
type Registry struct {
	mu       sync.RWMutex
	adapters map[string]Adapter
}

func NewRegistry(adapters ...Adapter) *Registry {
	r := &Registry{adapters: make(map[string]Adapter)}
	for _, a := range adapters {
		r.Register(a)
	}
	return r
}

func (r *Registry) Register(a Adapter) {
	r.mu.Lock()
	r.adapters[a.Name()] = a
	r.mu.Unlock()
}

func (r *Registry) Get(name string) (Adapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.adapters[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown provider %q", models.ErrValidation, name)
	}
	return a, nil
}

// Parser returns the webhook parser for name.
func (r *Registry) Parser(name string) (WebhookParser, error) {
	a, err := r.Get(name)
	if err != nil {
		return nil, err
	}
	p, ok := a.(WebhookParser)
	if !ok {
		return nil, fmt.Errorf("%w: provider %q does not accept webhooks", models.ErrValidation, name)
	}
	return p, nil
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.adapters))
	for name := range r.adapters {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}
