package shm

import (
	"sort"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// Registry tracks open segments of this process by name. Segments opened
// with OpenOptions.Registry add themselves and leave on Close.
//
// A registered segment is reachable, so its finalizer never runs; Close it.
type Registry struct {
	segments cmap.ConcurrentMap[string, *Segment]
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{segments: cmap.New[*Segment]()}
}

func (r *Registry) add(s *Segment) {
	r.segments.Set(s.Name(), s)
}

// remove drops s only if it is still the entry for its name.
func (r *Registry) remove(s *Segment) {
	r.segments.RemoveCb(s.Name(), func(_ string, v *Segment, exists bool) bool {
		return exists && v == s
	})
}

// Get returns the segment registered under name.
func (r *Registry) Get(name string) (*Segment, bool) {
	return r.segments.Get(name)
}

// Len returns the number of registered segments.
func (r *Registry) Len() int {
	return r.segments.Count()
}

// Names returns the registered names in sorted order.
func (r *Registry) Names() []string {
	names := r.segments.Keys()
	sort.Strings(names)
	return names
}

// Each calls fn for every registered segment in name order.
func (r *Registry) Each(fn func(name string, s *Segment)) {
	items := r.segments.Items()
	for _, name := range r.Names() {
		if s, ok := items[name]; ok {
			fn(name, s)
		}
	}
}
