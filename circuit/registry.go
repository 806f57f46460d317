package circuit

import (
	"sort"
	"sync"
	"time"

	"github.com/allegro/zuul-go/logging"
)

const DefaultIdleTTL = time.Hour

// Registry holds the breakers of the backend hosts. It applies the
// default and the host specific settings, and drops the breakers that
// were not used for longer than their idle TTL.
type Registry struct {
	defaults     BreakerSettings
	hostSettings map[string]BreakerSettings
	log          logging.Logger

	mx     sync.Mutex
	lookup map[BreakerSettings]*Breaker
}

// NewRegistry initializes a registry. Settings with an empty Host field
// are merged into the defaults, and settings with the same host are
// merged together, the later ones taking precedence.
func NewRegistry(log logging.Logger, settings ...BreakerSettings) *Registry {
	if log == nil {
		log = &logging.DefaultLog{}
	}

	var defaults BreakerSettings
	for _, s := range settings {
		if s.Host == "" {
			defaults = defaults.mergeSettings(s)
		}
	}

	if defaults.IdleTTL <= 0 {
		defaults.IdleTTL = DefaultIdleTTL
	}

	hs := make(map[string]BreakerSettings)
	for _, s := range settings {
		if s.Host == "" {
			continue
		}

		if sh, ok := hs[s.Host]; ok {
			hs[s.Host] = s.mergeSettings(sh)
		} else {
			hs[s.Host] = s.mergeSettings(defaults)
		}
	}

	return &Registry{
		defaults:     defaults,
		hostSettings: hs,
		log:          log,
		lookup:       make(map[BreakerSettings]*Breaker),
	}
}

func (r *Registry) mergeDefaults(s BreakerSettings) BreakerSettings {
	defaults, ok := r.hostSettings[s.Host]
	if !ok {
		defaults = r.defaults
	}

	return s.mergeSettings(defaults)
}

func (r *Registry) dropIdle(now time.Time) {
	for s, b := range r.lookup {
		if b.idle(now) {
			delete(r.lookup, s)
		}
	}
}

func (r *Registry) get(s BreakerSettings) *Breaker {
	r.mx.Lock()
	defer r.mx.Unlock()

	now := time.Now()
	b, ok := r.lookup[s]
	if !ok || b.idle(now) {
		r.dropIdle(now)
		b = newBreaker(s, r.log)
		r.lookup[s] = b
	}

	b.ts = now
	return b
}

// Get returns the breaker of a backend host, typically called as:
//
//	r.Get(BreakerSettings{Host: backendHost})
//
// It returns nil when no breaker is configured for the host, or when
// the host is empty.
func (r *Registry) Get(s BreakerSettings) *Breaker {
	if s.Type == BreakerDisabled || s.Host == "" {
		return nil
	}

	s = r.mergeDefaults(s)
	if s.Type == BreakerNone || s.Type == BreakerDisabled {
		return nil
	}

	return r.get(s)
}

// HostState is the state of the breaker of a host.
type HostState struct {
	Host  string `json:"host"`
	State string `json:"state"`
}

// States lists the breakers that are currently active, sorted by host.
func (r *Registry) States() []HostState {
	r.mx.Lock()
	defer r.mx.Unlock()

	states := make([]HostState, 0, len(r.lookup))
	for s, b := range r.lookup {
		states = append(states, HostState{Host: s.Host, State: b.State()})
	}

	sort.Slice(states, func(i, j int) bool { return states[i].Host < states[j].Host })
	return states
}
