// Package catalog holds the read-only view of rules and notification settings
// the engine evaluates against. Readers take an immutable Snapshot; reloads
// build a new one and swap it in atomically.
package catalog

import (
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"watchalert/internal/domain"
)

// Snapshot is an immutable set of configuration records. Callers must not
// modify the values it returns.
type Snapshot struct {
	rules        map[string]*domain.Rule
	faultCenters map[string]*domain.FaultCenter
	notices      map[string]*domain.NoticeObject
	templates    map[string]*domain.NoticeTemplate
	silences     []domain.Silence
	loadedAt     time.Time
}

// Contents is the raw material of a Snapshot.
type Contents struct {
	Rules         []*domain.Rule
	FaultCenters  []*domain.FaultCenter
	NoticeObjects []*domain.NoticeObject
	Silences      []*domain.Silence
	Templates     []*domain.NoticeTemplate
}

// NewSnapshot indexes c by id.
func NewSnapshot(c Contents, loadedAt time.Time) *Snapshot {
	s := &Snapshot{
		rules:        make(map[string]*domain.Rule, len(c.Rules)),
		faultCenters: make(map[string]*domain.FaultCenter, len(c.FaultCenters)),
		notices:      make(map[string]*domain.NoticeObject, len(c.NoticeObjects)),
		templates:    make(map[string]*domain.NoticeTemplate, len(c.Templates)),
		silences:     make([]domain.Silence, 0, len(c.Silences)),
		loadedAt:     loadedAt,
	}
	for _, r := range c.Rules {
		s.rules[r.ID] = r
	}
	for _, fc := range c.FaultCenters {
		s.faultCenters[fc.ID] = fc
	}
	for _, n := range c.NoticeObjects {
		s.notices[n.ID] = n
	}
	for _, t := range c.Templates {
		s.templates[t.ID] = t
	}
	for _, sil := range c.Silences {
		s.silences = append(s.silences, *sil)
	}
	return s
}

// Rule returns the rule with id.
func (s *Snapshot) Rule(id string) (*domain.Rule, bool) {
	r, ok := s.rules[id]
	return r, ok
}

// Rules returns every rule ordered by id.
func (s *Snapshot) Rules() []*domain.Rule {
	return sortedValues(s.rules, func(r *domain.Rule) string { return r.ID })
}

// FaultCenter returns the fault center with id.
func (s *Snapshot) FaultCenter(id string) (*domain.FaultCenter, bool) {
	fc, ok := s.faultCenters[id]
	return fc, ok
}

// NoticeObject returns the notice object with id.
func (s *Snapshot) NoticeObject(id string) (*domain.NoticeObject, bool) {
	n, ok := s.notices[id]
	return n, ok
}

// Template returns the template with id.
func (s *Snapshot) Template(id string) (*domain.NoticeTemplate, bool) {
	t, ok := s.templates[id]
	return t, ok
}

// FaultCenters returns every fault center ordered by id.
func (s *Snapshot) FaultCenters() []*domain.FaultCenter {
	return sortedValues(s.faultCenters, func(fc *domain.FaultCenter) string { return fc.ID })
}

// NoticeObjects returns every notice object ordered by id.
func (s *Snapshot) NoticeObjects() []*domain.NoticeObject {
	return sortedValues(s.notices, func(n *domain.NoticeObject) string { return n.ID })
}

// Templates returns every template ordered by id.
func (s *Snapshot) Templates() []*domain.NoticeTemplate {
	return sortedValues(s.templates, func(t *domain.NoticeTemplate) string { return t.ID })
}

// Silence returns the silence with id.
func (s *Snapshot) Silence(id string) (*domain.Silence, bool) {
	for i := range s.silences {
		if s.silences[i].ID == id {
			return &s.silences[i], true
		}
	}
	return nil, false
}

func sortedValues[T any](m map[string]*T, id func(*T) string) []*T {
	out := make([]*T, 0, len(m))
	for _, v := range m {
		out = append(out, v)
	}
	sort.Slice(out, func(i, j int) bool { return id(out[i]) < id(out[j]) })
	return out
}

// Silences returns every silence, active or not.
func (s *Snapshot) Silences() []domain.Silence {
	return s.silences
}

// Silenced reports whether an active silence matches an event at now.
func (s *Snapshot) Silenced(now time.Time, faultCenterID string, labels map[string]string) bool {
	return domain.Silenced(s.silences, now, faultCenterID, labels)
}

// LoadedAt is when the snapshot was built.
func (s *Snapshot) LoadedAt() time.Time {
	return s.loadedAt
}

// Catalog publishes the current Snapshot.
type Catalog struct {
	current atomic.Pointer[Snapshot]

	mu        sync.Mutex
	listeners []func(old, new *Snapshot)
}

// New creates a catalog holding an empty snapshot.
func New() *Catalog {
	c := &Catalog{}
	c.current.Store(NewSnapshot(Contents{}, time.Time{}))
	return c
}

// Snapshot returns the current snapshot.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Template looks id up in the current snapshot.
func (c *Catalog) Template(id string) (*domain.NoticeTemplate, bool) {
	return c.Snapshot().Template(id)
}

// OnChange registers fn to run after every swap.
func (c *Catalog) OnChange(fn func(old, new *Snapshot)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.listeners = append(c.listeners, fn)
}

// Swap replaces the current snapshot and notifies listeners.
func (c *Catalog) Swap(s *Snapshot) {
	c.mu.Lock()
	defer c.mu.Unlock()

	old := c.current.Swap(s)
	for _, fn := range c.listeners {
		fn(old, s)
	}
}
