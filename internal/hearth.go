package internal

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"github.com/hbomb79/Hearth/internal/event"
	"github.com/hbomb79/Hearth/internal/handler"
	"github.com/hbomb79/Hearth/internal/registry"
	"github.com/hbomb79/Hearth/internal/server"
	"github.com/hbomb79/Hearth/pkg/logger"
)

var log = logger.Get("Core")

type (
	RunnableService interface {
		Run(context.Context) error
	}
)

// Hearth represents the top-level object for the server, responsible
// for composing the connection registry, the acceptor/worker server,
// the handler routes and the event bus, and for supervising their
// lifecycles.
type hearthImpl struct {
	eventBus event.EventCoordinator
	config   HearthConfig
	registry *registry.Registry
	server   *server.Server
	mux      *handler.Mux
}

func New(config HearthConfig) *hearthImpl {
	log.Emit(logger.DEBUG, "Bootstrapping Hearth services using config: %#v\n", config)

	eventBus := event.New()
	connRegistry := registry.New(config.Registry, eventBus)

	mux := handler.NewMux()
	mux.HandleFunc("/hello", handler.Hello())
	mux.HandleFunc("/upload", handler.Upload())
	mux.HandleFunc("/stream", handler.Stream("0123456789"))
	mux.HandleFunc("/static", handler.Static("text/plain", []byte("Hearth is serving you ranges of this very sentence.")))

	hearth := &hearthImpl{
		eventBus: eventBus,
		config:   config,
		registry: connRegistry,
		mux:      mux,
		server:   server.New(config.Server, mux, connRegistry, eventBus),
	}

	eventBus.RegisterAsyncHandlerFunction(event.CONN_EVICTED, func(e event.Event, payload event.Payload) {
		log.Emit(logger.REMOVE, "Connection %s evicted by registry sweep\n", payload.(uuid.UUID))
	})

	return hearth
}

// Mux exposes the route table so embedders can attach their own
// handlers before Run is called.
func (hearth *hearthImpl) Mux() *handler.Mux { return hearth.mux }

// Run brings up the registry sweep and the accept loop, and will not
// return until Hearth is stopped. To stop Hearth, the provided context
// must be cancelled; errors from which Hearth cannot recover will also
// cause it to stop.
func (hearth *hearthImpl) Run(parent context.Context) error {
	ctx, cancel := context.WithCancel(parent)
	defer cancel()

	crashHandler := func(label string, err error) {
		log.Emit(logger.FATAL, "Service crash (%s)! %s\n", label, err.Error())
		cancel()
	}

	if err := hearth.server.Listen(hearth.config.ListenAddr()); err != nil {
		return err
	}

	wg := &sync.WaitGroup{}
	hearth.spawnAsyncService(ctx, wg, hearth.registry, "connection-registry", crashHandler)
	hearth.spawnAsyncService(ctx, wg, hearth.server, "connection-server", crashHandler)
	log.Emit(logger.SUCCESS, "Hearth services spawned!\n")

	wg.Wait()
	return nil
}

// spawnAsyncService will run the provided function/service as it's own
// go-routine, ensuring that the Hearth service waitgroup is updated correctly
func (hearth *hearthImpl) spawnAsyncService(context context.Context, wg *sync.WaitGroup, service RunnableService, serviceLabel string, crashHandler func(string, error)) {
	log.Emit(logger.NEW, "Spawning %s\n", serviceLabel)
	wg.Add(1)

	go func(wg *sync.WaitGroup, label string, crash func(string, error)) {
		defer func() {
			if r := recover(); r != nil {
				crash(label, fmt.Errorf("panic %v", r))
			}
		}()

		defer wg.Done()
		if err := service.Run(context); err != nil {
			crash(label, err)
		}
	}(wg, serviceLabel, crashHandler)
}
