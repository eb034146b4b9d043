package predict

import "sync"

// Registry hands out one Predictor per tenant (page). Predictors are created
// on first use and never shared between tenants.
type Registry struct {
	mu    sync.Mutex
	items map[string]*Predictor
	opts  []Option
}

func NewRegistry(opts ...Option) *Registry {
	return &Registry{items: map[string]*Predictor{}, opts: opts}
}

func (r *Registry) Get(tenant string) *Predictor {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[tenant]
	if !ok {
		p = New(r.opts...)
		r.items[tenant] = p
	}
	return p
}

// Lookup returns the tenant's predictor without creating one.
func (r *Registry) Lookup(tenant string) (*Predictor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	p, ok := r.items[tenant]
	return p, ok
}
