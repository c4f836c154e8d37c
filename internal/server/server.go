package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hearth/internal/event"
	"github.com/hbomb79/Hearth/internal/http1"
	"github.com/hbomb79/Hearth/internal/registry"
	"github.com/hbomb79/Hearth/pkg/logger"
	hearthSync "github.com/hbomb79/Hearth/pkg/sync"
	"github.com/hbomb79/Hearth/pkg/worker"
)

var log = logger.Get("Server")

type (
	// Handler produces the response for a parsed request frame.
	Handler interface {
		Serve(request *http1.Request, w *http1.ResponseWriter)
	}

	// AdmitterHandler is an optional refinement consulted before the
	// server releases a clients withheld request body.
	AdmitterHandler interface {
		AdmitBody(request *http1.Request) *http1.ProtocolError
	}

	Config struct {
		// Timeout is the per-connection read deadline: how long the
		// server waits for (the rest of) a request before giving up on
		// the connection. Doubles as the timeout advertised in
		// Keep-Alive response headers.
		Timeout time.Duration `yaml:"timeout" env:"SERVER_TIMEOUT" env-default:"10s"`

		// MaxRequestBodySize bounds the accepted request body in
		// bytes; zero disables the bound.
		MaxRequestBodySize int64 `yaml:"max_request_body_size" env:"SERVER_MAX_REQUEST_BODY_SIZE" env-default:"0"`

		// DrainOversizedBody selects "read remainder and close" over
		// "close immediately" when rejecting an oversized body.
		DrainOversizedBody bool `yaml:"drain_oversized_body" env:"SERVER_DRAIN_OVERSIZED_BODY" env-default:"true"`

		// AcceptedQueueSize bounds how many accepted connections may
		// wait for a worker before the acceptor starts shedding.
		AcceptedQueueSize int `yaml:"accepted_queue_size" env:"SERVER_ACCEPTED_QUEUE_SIZE" env-default:"64"`

		// AcceptedQueueTimeout is how long the acceptor will hold an
		// accepted connection for a queue slot before dropping it.
		AcceptedQueueTimeout time.Duration `yaml:"accepted_queue_timeout" env:"SERVER_ACCEPTED_QUEUE_TIMEOUT" env-default:"10s"`

		// Workers is the number of connection-serving workers; each
		// drives one connection at a time.
		Workers int `yaml:"workers" env:"SERVER_WORKERS" env-default:"32"`
	}

	// Server owns the listener, the accepted-connection queue and the
	// pool of workers draining it. The registry it is constructed with
	// remains the single authority on connection bookkeeping.
	Server struct {
		config   Config
		handler  Handler
		registry *registry.Registry
		eventBus event.EventCoordinator

		listener net.Listener
		accepted chan Transport
		active   hearthSync.TypedSyncMap[uuid.UUID, *conn]
	}
)

func New(config Config, h Handler, reg *registry.Registry, eventBus event.EventCoordinator) *Server {
	return &Server{
		config:   config,
		handler:  h,
		registry: reg,
		eventBus: eventBus,
		accepted: make(chan Transport, config.AcceptedQueueSize),
	}
}

// Listen binds the server to the address provided. Separate from Run
// so callers (tests especially, which bind port 0) can learn the bound
// address before serving begins.
func (s *Server) Listen(addr string) error {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to bind %s: %w", addr, err)
	}

	s.listener = listener
	log.Emit(logger.NEW, "Listening on %s\n", listener.Addr())
	return nil
}

// Addr returns the bound listen address; nil before Listen.
func (s *Server) Addr() net.Addr {
	if s.listener == nil {
		return nil
	}

	return s.listener.Addr()
}

// Run accepts connections until the context is cancelled, queueing
// each for a worker. Returns once the acceptor has stopped and every
// worker has finished its current connection.
func (s *Server) Run(ctx context.Context) error {
	if s.listener == nil {
		return errors.New("server is not listening; call Listen before Run")
	}

	pool := worker.NewWorkerPool()
	for i := 0; i < s.config.Workers; i++ {
		label := fmt.Sprintf("conn-worker-%d", i)
		if err := pool.PushWorker(worker.NewWorker(label, &connWorkerTask{server: s, ctx: ctx})); err != nil {
			return err
		}
	}
	if err := pool.Start(); err != nil {
		return err
	}

	// Unblock Accept when the context is cancelled. The stopped channel
	// releases the watcher if the accept loop exits of its own accord,
	// and closing the listener on that path is harmless.
	stopped := make(chan struct{})
	go func() {
		select {
		case <-ctx.Done():
		case <-stopped:
		}
		_ = s.listener.Close()
	}()

	err := s.acceptLoop(ctx)

	close(stopped)
	close(s.accepted)
	s.registry.CloseIdle()
	s.closeActive()
	pool.Close()

	return err
}

func (s *Server) acceptLoop(ctx context.Context) error {
	for {
		raw, err := s.listener.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}

			if isExpectedSocketError(err) {
				log.Emit(logger.VERBOSE, "Accept failed with routine socket error: %v\n", err)
				continue
			}

			return fmt.Errorf("accept loop failed: %w", err)
		}

		s.enqueue(ctx, raw)
	}
}

// enqueue hands the accepted connection to the worker queue, shedding
// it if no slot frees up within the configured timeout.
func (s *Server) enqueue(ctx context.Context, raw net.Conn) {
	timer := time.NewTimer(s.config.AcceptedQueueTimeout)
	defer timer.Stop()

	select {
	case s.accepted <- raw:
	case <-timer.C:
		log.Emit(logger.WARNING, "Accepted queue full for %s, dropping connection from %s\n", s.config.AcceptedQueueTimeout, raw.RemoteAddr())
		_ = raw.Close()
	case <-ctx.Done():
		_ = raw.Close()
	}
}

// closeActive severs connections still being served so shutdown does
// not wait on slow or silent clients.
func (s *Server) closeActive() {
	s.active.Range(func(_ uuid.UUID, c *conn) bool {
		_ = c.transport.Close()
		return true
	})
}

// connWorkerTask is the task executed by each pool worker: pull
// accepted connections off the queue and serve them to completion,
// one at a time, until the queue closes.
type connWorkerTask struct {
	server *Server
	ctx    context.Context
}

func (task *connWorkerTask) Execute(w worker.Worker) error {
	for transport := range task.server.accepted {
		c := newConn(transport, task.server)
		log.Emit(logger.VERBOSE, "Worker %s serving connection %s from %s\n", w.Label(), c.id, transport.RemoteAddr())
		c.serve(task.ctx)
	}

	return nil
}
