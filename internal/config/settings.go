package config

import (
	"sync/atomic"
)

// Runtime holds the runtime-mutable settings behind an atomic pointer.
// Updates replace the whole value (copy-on-write), so readers never observe
// a torn state.
type Runtime struct {
	settings atomic.Pointer[Settings]
}

// NewRuntime seeds the runtime settings.
func NewRuntime(initial Settings) *Runtime {
	r := &Runtime{}
	s := initial.clone()
	r.settings.Store(&s)
	return r
}

// Current returns a copy of the published settings snapshot.
func (r *Runtime) Current() Settings {
	return r.settings.Load().clone()
}

// Update applies fn to a copy of the settings and publishes the result.
func (r *Runtime) Update(fn func(*Settings)) Settings {
	for {
		old := r.settings.Load()
		next := old.clone()
		fn(&next)
		if r.settings.CompareAndSwap(old, &next) {
			return next
		}
	}
}

func (s *Settings) clone() Settings {
	out := *s
	if s.DisabledCategories != nil {
		out.DisabledCategories = make(map[string]bool, len(s.DisabledCategories))
		for k, v := range s.DisabledCategories {
			out.DisabledCategories[k] = v
		}
	}
	return out
}
