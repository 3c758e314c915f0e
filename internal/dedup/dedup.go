package dedup

import (
	"sync"

	policylru "github.com/gogama/policy-lru"
)

// Set remembers recently seen IDs so a message reported twice by a source is
// only handled once. It holds at most max IDs; the least recently added are
// forgotten first. The set lives in memory only.
type Set struct {
	mu     sync.Mutex
	policy *policy
	lru    *policylru.Cache[string, struct{}]
}

type policy struct {
	max   int
	count int
}

// NewSet creates a Set holding at most max IDs. A max of zero or less means
// no bound.
func NewSet(max int) *Set {
	p := &policy{max: max}
	return &Set{
		policy: p,
		lru:    policylru.NewWithHandler[string, struct{}](p, p),
	}
}

// Add records id and reports whether it was new.
func (s *Set) Add(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.lru.Get(id); exists {
		return false
	}
	s.lru.Add(id, struct{}{})
	return true
}

// Remove forgets id so a later Add reports it as new again.
func (s *Set) Remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lru.Remove(id)
}

// Contains reports whether id is currently remembered.
func (s *Set) Contains(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, exists := s.lru.Get(id)
	return exists
}

// Count returns the number of remembered IDs.
func (s *Set) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.policy.count
}

func (p *policy) Evict(_ string, _ struct{}, n int) bool {
	return p.max > 0 && n > p.max
}

func (p *policy) Added(_ string, _, _ struct{}, update bool) {
	if !update {
		p.count++
	}
}

func (p *policy) Removed(_ string, _ struct{}) {
	p.count--
}
