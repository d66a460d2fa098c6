package breaker

import (
	"fmt"
	"sort"
	"sync"
	"time"
)

// Collaborator names used by the content pipeline.
const (
	Generator  = "generator"
	Transcript = "transcript"
	Scraper    = "scraper"
	Video      = "video"
)

// DefaultConfigs mirrors the tuning each collaborator has been run with.
func DefaultConfigs() map[string]Config {
	return map[string]Config{
		Generator:  {Name: Generator, FailureThreshold: 3, Cooldown: 30 * time.Second, CallTimeout: 30 * time.Second},
		Transcript: {Name: Transcript, FailureThreshold: 3, Cooldown: 20 * time.Second, CallTimeout: 20 * time.Second},
		Scraper:    {Name: Scraper, FailureThreshold: 3, Cooldown: 45 * time.Second, CallTimeout: 45 * time.Second},
		Video:      {Name: Video, FailureThreshold: 5, Cooldown: 15 * time.Second, CallTimeout: 15 * time.Second},
	}
}

// Registry holds one breaker per collaborator.
type Registry struct {
	mu       sync.RWMutex
	breakers map[string]*Breaker
	fallback Config
}

// NewRegistry creates breakers for cfgs. Breakers requested later by an unknown
// name get the generator defaults.
func NewRegistry(cfgs map[string]Config) *Registry {
	r := &Registry{
		breakers: make(map[string]*Breaker, len(cfgs)),
		fallback: DefaultConfigs()[Generator],
	}
	for name, cfg := range cfgs {
		cfg.Name = name
		r.breakers[name] = New(cfg)
	}
	return r
}

// Get returns the breaker for name, creating it if needed.
func (r *Registry) Get(name string) *Breaker {
	r.mu.RLock()
	b, ok := r.breakers[name]
	r.mu.RUnlock()
	if ok {
		return b
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[name]; ok {
		return b
	}
	cfg := r.fallback
	cfg.Name = name
	b = New(cfg)
	r.breakers[name] = b
	return b
}

// Snapshots lists every breaker ordered by name.
func (r *Registry) Snapshots() []Snapshot {
	r.mu.RLock()
	out := make([]Snapshot, 0, len(r.breakers))
	for _, b := range r.breakers {
		out = append(out, b.Snapshot())
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Reset closes one breaker, or all of them when name is empty.
func (r *Registry) Reset(name string) error {
	r.mu.RLock()
	defer r.mu.RUnlock()
	if name == "" {
		for _, b := range r.breakers {
			b.Reset()
		}
		return nil
	}
	b, ok := r.breakers[name]
	if !ok {
		return fmt.Errorf("unknown breaker %q", name)
	}
	b.Reset()
	return nil
}
