package circuitbreaker

import (
	"sort"
	"sync"

	"github.com/clinicflow/bookingsaga/log"
)

// StateListener receives breaker transitions. It's called on its own goroutine.
type StateListener interface {
	OnStateChange(service string, from, to State)
}

// StateListenerFunc adapts a function to StateListener.
type StateListenerFunc func(service string, from, to State)

func (f StateListenerFunc) OnStateChange(service string, from, to State) {
	f(service, from, to)
}

// Registry keeps one breaker per dependency for the whole process.
type Registry struct {
	mutex     sync.RWMutex
	breakers  map[string]*Breaker
	listeners []StateListener
	logger    log.Logger
}

func NewRegistry(logger log.Logger) *Registry {
	return &Registry{
		breakers: make(map[string]*Breaker),
		logger:   logger,
	}
}

// GetOrCreate returns the breaker registered for service, config is applied only when it's created.
func (r *Registry) GetOrCreate(service string, config Config) *Breaker {
	r.mutex.RLock()
	b, exists := r.breakers[service]
	r.mutex.RUnlock()

	if exists {
		return b
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	if b, exists = r.breakers[service]; exists {
		return b
	}

	b = newBreaker(service, config, r.logger, r.notify)
	r.breakers[service] = b

	r.logger.Logf(log.InfoLevel, "created circuit breaker for %s, enabled: %t", service, config.Enabled)

	return b
}

func (r *Registry) Get(service string) (*Breaker, bool) {
	r.mutex.RLock()
	defer r.mutex.RUnlock()

	b, exists := r.breakers[service]

	return b, exists
}

// Snapshots returns views of all registered breakers ordered by service name.
func (r *Registry) Snapshots() []Snapshot {
	r.mutex.RLock()
	breakers := make([]*Breaker, 0, len(r.breakers))
	for _, b := range r.breakers {
		breakers = append(breakers, b)
	}
	r.mutex.RUnlock()

	sort.Slice(breakers, func(i, j int) bool {
		return breakers[i].service < breakers[j].service
	})

	res := make([]Snapshot, len(breakers))
	for i, b := range breakers {
		res[i] = b.Snapshot()
	}

	return res
}

func (r *Registry) AddListener(listener StateListener) {
	if listener == nil {
		r.logger.Log(log.WarnLevel, "attempted to register a nil state listener")
		return
	}

	r.mutex.Lock()
	defer r.mutex.Unlock()

	r.listeners = append(r.listeners, listener)
}

func (r *Registry) notify(service string, from, to State) {
	r.mutex.RLock()
	listeners := make([]StateListener, len(r.listeners))
	copy(listeners, r.listeners)
	r.mutex.RUnlock()

	for _, listener := range listeners {
		go func(l StateListener) {
			defer func() {
				if rec := recover(); rec != nil {
					r.logger.Logf(log.ErrorLevel, "state listener panicked for %s: %v", service, rec)
				}
			}()

			l.OnStateChange(service, from, to)
		}(listener)
	}
}
