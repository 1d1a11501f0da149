package rat

import (
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/industrial-data-space/idscp2-go/shared"
)

// Registry maps driver ids to factories. Two registries exist per process by
// default, one for provers and one for verifiers; explicit registries can be
// passed into the connection builder instead. Registration is rare, lookup
// is hot, a single RWMutex suffices.
type Registry struct {
	role   string
	logger *shared.Logger

	mu      sync.RWMutex
	entries map[string]registryEntry

	generations atomic.Uint64
}

type registryEntry struct {
	factory Factory
	cfg     any
}

// NewRegistry creates an empty registry. role appears in log lines only.
func NewRegistry(role string, logger *shared.Logger) *Registry {
	if logger == nil {
		logger = shared.NewNopLogger()
	}
	return &Registry{
		role:    role,
		logger:  logger,
		entries: make(map[string]registryEntry),
	}
}

// Process-default registries, used by connections built without explicit
// ones.
var (
	DefaultProvers   = NewRegistry("prover", nil)
	DefaultVerifiers = NewRegistry("verifier", nil)
)

// Register binds an id to a factory plus optional driver configuration. A
// later Register for the same id replaces the earlier one.
func (r *Registry) Register(id string, factory Factory, cfg any) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.entries[id] = registryEntry{factory: factory, cfg: cfg}
	r.logger.Debug("Registered RAT driver",
		zap.String("role", r.role), zap.String("driver_id", id))
}

// Unregister removes an id. Unknown ids are ignored.
func (r *Registry) Unregister(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.entries, id)
}

// Has reports whether a driver id is registered.
func (r *Registry) Has(id string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[id]
	return ok
}

// IDs returns the registered driver ids in unspecified order.
func (r *Registry) IDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	return ids
}

// Start instantiates and launches the driver registered under id, delivering
// its notifications to listener. It returns nil when the id is unknown or
// the factory fails; the caller treats a nil handle as a RAT failure. A
// panic out of Run is converted into OnFailed.
func (r *Registry) Start(id string, listener Listener) *Handle {
	r.mu.RLock()
	entry, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		r.logger.Warn("RAT driver not found",
			zap.String("role", r.role), zap.String("driver_id", id))
		return nil
	}

	driver, err := instantiate(entry)
	if err != nil {
		r.logger.Error("RAT driver start failed",
			zap.String("role", r.role), zap.String("driver_id", id), zap.Error(err))
		return nil
	}

	handle := &Handle{
		id:         id,
		generation: r.generations.Add(1),
		driver:     driver,
		done:       make(chan struct{}),
	}

	go func() {
		defer close(handle.done)
		defer func() {
			if rec := recover(); rec != nil {
				r.logger.Error("RAT driver panicked",
					zap.String("role", r.role), zap.String("driver_id", id), zap.Any("panic", rec))
				listener.OnFailed(fmt.Errorf("driver %s panicked: %v", id, rec))
			}
		}()
		driver.Run(listener)
	}()

	return handle
}

// instantiate runs the factory and configuration hook under a panic guard.
func instantiate(entry registryEntry) (driver Driver, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			driver = nil
			err = fmt.Errorf("driver factory panicked: %v", rec)
		}
	}()
	driver = entry.factory()
	if driver == nil {
		return nil, fmt.Errorf("driver factory returned nil")
	}
	if entry.cfg != nil {
		if c, ok := driver.(Configurable); ok {
			c.SetConfig(entry.cfg)
		}
	}
	return driver, nil
}
