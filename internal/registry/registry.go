package registry

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hearth/internal/event"
	"github.com/hbomb79/Hearth/pkg/logger"
)

var log = logger.Get("Registry")

type (
	// ConnMapper exposes a snapshot of the registered connection set,
	// analogous to polling a selector for its registered sockets. It is
	// injectable so tests can simulate OS-level introspection failures
	// without reaching into the registry.
	ConnMapper interface {
		GetMap() (map[uuid.UUID]io.Closer, error)
	}

	Config struct {
		// KeepAliveConnLimit caps how many connections may hold a
		// keep-alive slot at once; further connections are told to
		// close after their response. Zero disables the cap.
		KeepAliveConnLimit int `yaml:"keep_alive_conn_limit" env:"REGISTRY_KEEP_ALIVE_CONN_LIMIT" env-default:"0"`

		// IdleTimeout is how long a connection may sit idle between
		// requests before the sweep evicts it.
		IdleTimeout time.Duration `yaml:"idle_timeout" env:"REGISTRY_IDLE_TIMEOUT" env-default:"30s"`

		// SweepInterval is the period of the eviction sweep. Eviction
		// is therefore not instantaneous; observers must allow up to
		// one interval of slack.
		SweepInterval time.Duration `yaml:"eviction_sweep_interval" env:"REGISTRY_EVICTION_SWEEP_INTERVAL" env-default:"50ms"`
	}

	entry struct {
		id        uuid.UUID
		closer    io.Closer
		idle      bool
		idleSince time.Time
		hasSlot   bool
	}

	// Registry is the single owner of the shared connection set. All
	// mutation (registration, idle transitions, slot accounting,
	// eviction) is funnelled through it under one lock, so the idle
	// count it reports can never diverge from the connections it
	// actually tracks.
	Registry struct {
		*sync.Mutex
		config   Config
		conns    map[uuid.UUID]*entry
		slots    int
		mapper   ConnMapper
		eventBus event.EventDispatcher
	}
)

// MapError is returned by a ConnMapper whose introspection of a single
// connection failed at the OS level; the registry responds by dropping
// that connection and carrying on.
type MapError struct {
	ConnID uuid.UUID
	Err    error
}

func (e *MapError) Error() string {
	return fmt.Sprintf("connection map introspection failed for %s: %v", e.ConnID, e.Err)
}

func (e *MapError) Unwrap() error { return e.Err }

func New(config Config, eventBus event.EventDispatcher) *Registry {
	if config.SweepInterval <= 0 {
		config.SweepInterval = time.Millisecond * 50
	}

	registry := &Registry{
		Mutex:    &sync.Mutex{},
		config:   config,
		conns:    make(map[uuid.UUID]*entry),
		eventBus: eventBus,
	}
	registry.mapper = &selfMapper{registry: registry}

	return registry
}

// SetMapper replaces the connection-set snapshotter used by the
// eviction sweep. Intended for fault-injection in tests; must be
// called before Run.
func (registry *Registry) SetMapper(mapper ConnMapper) {
	registry.mapper = mapper
}

// Register adds a newly accepted connection to the tracked set.
func (registry *Registry) Register(id uuid.UUID, closer io.Closer) {
	registry.Lock()
	defer registry.Unlock()

	registry.conns[id] = &entry{id: id, closer: closer}
}

// Deregister removes a connection, releasing any keep-alive slot it
// held. Safe to call for connections already removed (eviction and
// the serving goroutine may race to clean up the same connection).
func (registry *Registry) Deregister(id uuid.UUID) {
	registry.Lock()
	defer registry.Unlock()

	registry.remove(id)
}

func (registry *Registry) remove(id uuid.UUID) {
	conn, ok := registry.conns[id]
	if !ok {
		return
	}

	if conn.hasSlot {
		registry.slots--
	}
	delete(registry.conns, id)
}

// ReserveKeepAlive attempts to grant the connection a keep-alive slot,
// returning false when the configured limit is already saturated by
// other connections. A connection which already holds a slot keeps it.
func (registry *Registry) ReserveKeepAlive(id uuid.UUID) bool {
	registry.Lock()
	defer registry.Unlock()

	conn, ok := registry.conns[id]
	if !ok {
		return false
	}

	if conn.hasSlot {
		return true
	}

	if registry.config.KeepAliveConnLimit > 0 && registry.slots >= registry.config.KeepAliveConnLimit {
		registry.eventBus.Dispatch(event.KEEPALIVE_REFUSED, id)
		return false
	}

	conn.hasSlot = true
	registry.slots++
	registry.eventBus.Dispatch(event.KEEPALIVE_GRANTED, id)
	return true
}

// ReleaseKeepAlive returns the connections slot without removing the
// connection itself, for responses which were granted a slot but then
// decided to close anyway.
func (registry *Registry) ReleaseKeepAlive(id uuid.UUID) {
	registry.Lock()
	defer registry.Unlock()

	if conn, ok := registry.conns[id]; ok && conn.hasSlot {
		conn.hasSlot = false
		registry.slots--
	}
}

// MarkIdle records that the connection has finished a request/response
// exchange and is now waiting for the next request.
func (registry *Registry) MarkIdle(id uuid.UUID) {
	registry.Lock()
	defer registry.Unlock()

	if conn, ok := registry.conns[id]; ok {
		conn.idle = true
		conn.idleSince = time.Now()
	}
}

// MarkActive records that bytes for a new request have begun arriving
// on the connection, sheltering it from the eviction sweep.
func (registry *Registry) MarkActive(id uuid.UUID) {
	registry.Lock()
	defer registry.Unlock()

	if conn, ok := registry.conns[id]; ok {
		conn.idle = false
	}
}

// IdleCount reports how many registered connections are currently
// between requests.
func (registry *Registry) IdleCount() int {
	registry.Lock()
	defer registry.Unlock()

	count := 0
	for _, conn := range registry.conns {
		if conn.idle {
			count++
		}
	}

	return count
}

// OpenCount reports how many connections are registered in total.
func (registry *Registry) OpenCount() int {
	registry.Lock()
	defer registry.Unlock()

	return len(registry.conns)
}

// CloseIdle force-closes every idle connection; used during graceful
// shutdown so lingering keep-alive clients do not hold the server open.
func (registry *Registry) CloseIdle() {
	for _, conn := range registry.idleSnapshot(time.Duration(0)) {
		registry.evict(conn)
	}
}

// Run drives the periodic eviction sweep until the context is
// cancelled.
func (registry *Registry) Run(ctx context.Context) error {
	ticker := time.NewTicker(registry.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			registry.sweep()
		case <-ctx.Done():
			return nil
		}
	}
}

// sweep evicts connections which have sat idle for longer than the
// configured timeout. Introspection failures for a single connection
// cause that connection to be dropped; the sweep, and the server
// around it, carry on.
func (registry *Registry) sweep() {
	if _, err := registry.mapper.GetMap(); err != nil {
		var mapErr *MapError
		if errors.As(err, &mapErr) {
			log.Emit(logger.WARNING, "Connection set introspection failed for %s (%v), dropping connection\n", mapErr.ConnID, mapErr.Err)
			registry.dropFaulted(mapErr.ConnID)
			return
		}

		log.Emit(logger.ERROR, "Connection set introspection failed (%v), skipping sweep\n", err)
		return
	}

	if registry.config.IdleTimeout <= 0 {
		return
	}

	for _, conn := range registry.idleSnapshot(registry.config.IdleTimeout) {
		log.Emit(logger.REMOVE, "Evicting connection %s, idle for %s\n", conn.id, time.Since(conn.idleSince))
		registry.evict(conn)
	}
}

// idleSnapshot copies the idle entries older than the age provided so
// eviction can close sockets without holding the registry lock.
func (registry *Registry) idleSnapshot(age time.Duration) []*entry {
	registry.Lock()
	defer registry.Unlock()

	idle := make([]*entry, 0)
	for _, conn := range registry.conns {
		if conn.idle && time.Since(conn.idleSince) >= age {
			idle = append(idle, conn)
		}
	}

	return idle
}

func (registry *Registry) evict(conn *entry) {
	registry.Lock()
	registry.remove(conn.id)
	registry.Unlock()

	_ = conn.closer.Close()
	registry.eventBus.Dispatch(event.CONN_EVICTED, conn.id)
}

func (registry *Registry) dropFaulted(id uuid.UUID) {
	registry.Lock()
	conn, ok := registry.conns[id]
	if ok {
		registry.remove(id)
	}
	registry.Unlock()

	if ok {
		_ = conn.closer.Close()
		registry.eventBus.Dispatch(event.CONN_CLOSED, id)
	}
}

// selfMapper is the default ConnMapper: a consistent snapshot of the
// registrys own connection set.
type selfMapper struct {
	registry *Registry
}

func (mapper *selfMapper) GetMap() (map[uuid.UUID]io.Closer, error) {
	mapper.registry.Lock()
	defer mapper.registry.Unlock()

	snapshot := make(map[uuid.UUID]io.Closer, len(mapper.registry.conns))
	for id, conn := range mapper.registry.conns {
		snapshot[id] = conn.closer
	}

	return snapshot, nil
}
