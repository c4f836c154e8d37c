package registry_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hearth/internal/event"
	"github.com/hbomb79/Hearth/internal/registry"
	"github.com/hbomb79/go-chanassert"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// closeRecorder stands in for a connections transport, recording
// whether the registry closed it.
type closeRecorder struct {
	mu     sync.Mutex
	closed bool
}

func (c *closeRecorder) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *closeRecorder) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func startRegistry(t *testing.T, config registry.Config, eventBus event.EventCoordinator) *registry.Registry {
	reg := registry.New(config, eventBus)

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()
		assert.Nil(t, reg.Run(ctx))
	}()

	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	return reg
}

func Test_ReserveKeepAlive_LimitEnforced(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{KeepAliveConnLimit: 2}, event.New())

	ids := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range ids {
		reg.Register(id, &closeRecorder{})
	}

	assert.True(t, reg.ReserveKeepAlive(ids[0]))
	assert.True(t, reg.ReserveKeepAlive(ids[1]))
	assert.False(t, reg.ReserveKeepAlive(ids[2]), "third connection should be refused a keep-alive slot")

	// A connection which already holds a slot keeps it.
	assert.True(t, reg.ReserveKeepAlive(ids[0]))

	// Closing a slot holder frees its slot for the refused connection.
	reg.Deregister(ids[0])
	assert.True(t, reg.ReserveKeepAlive(ids[2]))
}

func Test_ReserveKeepAlive_EventsDispatched(t *testing.T) {
	t.Parallel()

	eventBus := event.New()
	grantedChan := make(chan event.HandlerEvent, 10)
	refusedChan := make(chan event.HandlerEvent, 10)
	eventBus.RegisterHandlerChannel(grantedChan, event.KEEPALIVE_GRANTED)
	eventBus.RegisterHandlerChannel(refusedChan, event.KEEPALIVE_REFUSED)

	grantedExp := chanassert.NewChannelExpecter(grantedChan).Expect(chanassert.ExactlyNOf(2,
		chanassert.MatchPredicate(func(e event.HandlerEvent) bool { return e.Event == event.KEEPALIVE_GRANTED }),
	))
	refusedExp := chanassert.NewChannelExpecter(refusedChan).Expect(chanassert.ExactlyNOf(1,
		chanassert.MatchPredicate(func(e event.HandlerEvent) bool { return e.Event == event.KEEPALIVE_REFUSED }),
	))
	grantedExp.Listen()
	refusedExp.Listen()

	reg := registry.New(registry.Config{KeepAliveConnLimit: 2}, eventBus)
	for i := 0; i < 3; i++ {
		id := uuid.New()
		reg.Register(id, &closeRecorder{})
		reg.ReserveKeepAlive(id)
	}

	grantedExp.AssertSatisfied(t, time.Second)
	refusedExp.AssertSatisfied(t, time.Second)
}

func Test_Sweep_EvictsConnectionsIdlePastTimeout(t *testing.T) {
	t.Parallel()

	eventBus := event.New()
	evictedChan := make(chan event.HandlerEvent, 10)
	eventBus.RegisterHandlerChannel(evictedChan, event.CONN_EVICTED)
	exp := chanassert.NewChannelExpecter(evictedChan).Expect(chanassert.ExactlyNOf(1,
		chanassert.MatchPredicate(func(e event.HandlerEvent) bool { return e.Event == event.CONN_EVICTED }),
	))
	exp.Listen()

	reg := startRegistry(t, registry.Config{
		IdleTimeout:   time.Millisecond * 20,
		SweepInterval: time.Millisecond * 10,
	}, eventBus)

	idleConn := &closeRecorder{}
	activeConn := &closeRecorder{}
	idleID, activeID := uuid.New(), uuid.New()

	reg.Register(idleID, idleConn)
	reg.Register(activeID, activeConn)
	reg.MarkIdle(idleID)
	reg.MarkActive(activeID)

	// Eviction is sweep-driven, so settle within a polling window
	// rather than an exact instant.
	assert.Eventually(t, func() bool {
		return idleConn.Closed() && reg.OpenCount() == 1
	}, time.Second, time.Millisecond*10, "idle connection should be evicted by the sweep")

	assert.False(t, activeConn.Closed(), "active connection must not be evicted")
	exp.AssertSatisfied(t, time.Second)
}

// faultyMapper fails introspection for a single connection on every
// snapshot, the way a dead socket trips up a selector.
type faultyMapper struct {
	faultID uuid.UUID
}

func (mapper *faultyMapper) GetMap() (map[uuid.UUID]io.Closer, error) {
	return nil, &registry.MapError{ConnID: mapper.faultID, Err: errors.New("Error while getting map")}
}

func Test_Sweep_MapFaultDropsOffendingConnectionOnly(t *testing.T) {
	t.Parallel()

	eventBus := event.New()
	reg := registry.New(registry.Config{
		IdleTimeout:   time.Millisecond * 20,
		SweepInterval: time.Millisecond * 10,
	}, eventBus)

	faultyConn := &closeRecorder{}
	healthyConn := &closeRecorder{}
	faultyID, healthyID := uuid.New(), uuid.New()

	reg.Register(faultyID, faultyConn)
	reg.Register(healthyID, healthyConn)
	reg.SetMapper(&faultyMapper{faultID: faultyID})

	wg := sync.WaitGroup{}
	wg.Add(1)
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		defer wg.Done()

		// The sweep must swallow the introspection failure rather than
		// crash the registry loop.
		assert.Nil(t, reg.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	assert.Eventually(t, func() bool {
		return faultyConn.Closed() && reg.OpenCount() == 1
	}, time.Second, time.Millisecond*10, "faulted connection should be dropped")

	assert.False(t, healthyConn.Closed(), "healthy connection must survive the fault")
}

func Test_IdleCount_SettlesAtKeepAliveLimit(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{KeepAliveConnLimit: 2}, event.New())

	// Three connections complete a request; only two may idle with
	// keep-alive, the third is told to close and deregisters.
	conns := []uuid.UUID{uuid.New(), uuid.New(), uuid.New()}
	for _, id := range conns {
		reg.Register(id, &closeRecorder{})
	}

	for _, id := range conns[:2] {
		require.True(t, reg.ReserveKeepAlive(id))
		reg.MarkIdle(id)
	}

	require.False(t, reg.ReserveKeepAlive(conns[2]))
	reg.Deregister(conns[2])

	assert.Equal(t, 2, reg.IdleCount())
	assert.Equal(t, 2, reg.OpenCount())
}

func Test_CloseIdle_ClosesOnlyIdleConnections(t *testing.T) {
	t.Parallel()

	reg := registry.New(registry.Config{}, event.New())

	idleConn := &closeRecorder{}
	activeConn := &closeRecorder{}
	idleID, activeID := uuid.New(), uuid.New()
	reg.Register(idleID, idleConn)
	reg.Register(activeID, activeConn)
	reg.MarkIdle(idleID)

	reg.CloseIdle()

	assert.True(t, idleConn.Closed())
	assert.False(t, activeConn.Closed())
	assert.Equal(t, 1, reg.OpenCount())
}
