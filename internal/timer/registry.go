package timer

import "sync"

// Registry holds at most one engine per project so every caller tracking the
// same project shares one clock and one sync cadence.
type Registry struct {
	backend Backend
	opts    Options

	mu      sync.Mutex
	engines map[string]*Engine
}

func NewRegistry(backend Backend, opts Options) *Registry {
	opts.withDefaults()
	return &Registry{
		backend: backend,
		opts:    opts,
		engines: make(map[string]*Engine),
	}
}

// Track returns the engine for projectID, starting one if needed.
func (r *Registry) Track(projectID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.engines[projectID]; ok {
		return e
	}
	e := NewEngine(projectID, r.backend, r.opts)
	r.engines[projectID] = e
	return e
}

// Get returns the engine for projectID, or nil when none is tracked.
func (r *Registry) Get(projectID string) *Engine {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.engines[projectID]
}

// Views reports the current state of every tracked engine.
func (r *Registry) Views() []View {
	r.mu.Lock()
	engines := make([]*Engine, 0, len(r.engines))
	for _, e := range r.engines {
		engines = append(engines, e)
	}
	r.mu.Unlock()

	views := make([]View, 0, len(engines))
	for _, e := range engines {
		views = append(views, e.View())
	}
	return views
}

// Release stops and forgets the engine for projectID.
func (r *Registry) Release(projectID string) {
	r.mu.Lock()
	e := r.engines[projectID]
	delete(r.engines, projectID)
	r.mu.Unlock()
	if e != nil {
		e.Stop()
	}
}

// Close stops every tracked engine.
func (r *Registry) Close() {
	r.mu.Lock()
	engines := r.engines
	r.engines = make(map[string]*Engine)
	r.mu.Unlock()
	for _, e := range engines {
		e.Stop()
	}
}
