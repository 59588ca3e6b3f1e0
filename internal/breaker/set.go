package breaker

import (
	"slices"
	"strings"
	"sync"
)

// Set hands out one breaker per call site, all sharing a config.
type Set struct {
	cfg      Config
	onChange StateChangeFunc

	mu       sync.Mutex
	breakers map[string]*Breaker
}

func NewSet(cfg Config, onChange StateChangeFunc) *Set {
	return &Set{
		cfg:      cfg,
		onChange: onChange,
		breakers: make(map[string]*Breaker),
	}
}

// Get returns the breaker called name, creating it on first use.
func (s *Set) Get(name string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.breakers[name]; ok {
		return b
	}
	b := New(name, s.cfg)
	if s.onChange != nil {
		b.OnStateChange(s.onChange)
	}
	s.breakers[name] = b
	return b
}

// Lookup returns the breaker called name without creating it.
func (s *Set) Lookup(name string) (*Breaker, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[name]
	return b, ok
}

// Metrics returns a snapshot of every breaker, sorted by name.
func (s *Set) Metrics() []Metrics {
	s.mu.Lock()
	list := make([]*Breaker, 0, len(s.breakers))
	for _, b := range s.breakers {
		list = append(list, b)
	}
	s.mu.Unlock()

	out := make([]Metrics, 0, len(list))
	for _, b := range list {
		out = append(out, b.GetMetrics())
	}
	slices.SortFunc(out, func(a, b Metrics) int { return strings.Compare(a.Name, b.Name) })
	return out
}
