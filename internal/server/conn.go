package server

import (
	"bufio"
	"context"
	"errors"
	"io"
	"time"

	"github.com/google/uuid"
	"github.com/hbomb79/Hearth/internal/event"
	"github.com/hbomb79/Hearth/internal/http1"
	"github.com/hbomb79/Hearth/pkg/logger"
)

// conn drives one client connection from accept to close, running the
// parse/handle/respond cycle once per request until the keep-alive
// decision, a timeout, or the client ends it.
type conn struct {
	id        uuid.UUID
	transport Transport
	server    *Server
	parser    *http1.Parser
	bw        *bufio.Writer

	served      int
	lastVersion http1.Version
}

func newConn(transport Transport, server *Server) *conn {
	c := &conn{
		id:          uuid.New(),
		transport:   transport,
		server:      server,
		bw:          bufio.NewWriter(transport),
		lastVersion: http1.Version11,
	}

	// The first byte of a new request must shelter the connection from
	// the eviction sweep immediately, not once the head has parsed; a
	// client trickling its request would otherwise still look idle.
	c.parser = http1.NewParser(&activityReader{
		r:      transport,
		notify: func() { server.registry.MarkActive(c.id) },
	}, http1.ParserConfig{
		MaxBodySize:        server.config.MaxRequestBodySize,
		DrainOversizedBody: server.config.DrainOversizedBody,
	})

	return c
}

// activityReader marks the owning connection active the moment bytes
// arrive from the transport.
type activityReader struct {
	r      io.Reader
	notify func()
}

func (r *activityReader) Read(b []byte) (int, error) {
	n, err := r.r.Read(b)
	if n > 0 {
		r.notify()
	}

	return n, err
}

func (c *conn) serve(ctx context.Context) {
	defer func() {
		c.server.registry.Deregister(c.id)
		c.server.active.Delete(c.id)
		_ = c.transport.Close()
		c.server.eventBus.Dispatch(event.CONN_CLOSED, c.id)
	}()

	c.server.registry.Register(c.id, c.transport)
	c.server.active.Store(c.id, c)
	c.server.eventBus.Dispatch(event.CONN_ACCEPTED, c.id)

	for {
		if ctx.Err() != nil {
			return
		}

		if !c.serveOne(ctx) {
			return
		}
	}
}

// serveOne handles a single request/response exchange, returning true
// if the connection survives for another request.
func (c *conn) serveOne(ctx context.Context) bool {
	if err := c.transport.SetReadDeadline(time.Now().Add(c.server.config.Timeout)); err != nil {
		return false
	}

	request, err := c.parser.ParseRequest()
	if err != nil {
		c.handleParseFailure(err)
		return false
	}

	c.server.registry.MarkActive(c.id)
	c.lastVersion = request.Version

	w := http1.NewResponseWriter(c.bw, request, c.server.config.Timeout)

	if !c.admitBody(request, w) {
		return false
	}

	if c.keepAliveEligible(request) {
		w.SetKeepAliveAllowed(c.server.registry.ReserveKeepAlive(c.id))
	} else {
		w.SetKeepAliveAllowed(false)
	}

	c.server.handler.Serve(request, w)

	// The remainder of the request body must be drained before the
	// next pipelined frame can be parsed. A framing error surfacing
	// here (bad chunk, body over limit) still owns the response if the
	// handlers output has not reached the wire yet.
	if err := c.parser.FinishRequest(request); err != nil {
		if !w.HeadWritten() {
			c.respondWithError(err)
		}
		return false
	}

	if err := w.Finalize(); err != nil {
		if !isExpectedSocketError(err) {
			log.Emit(logger.ERROR, "Failed to finalize response on connection %s: %v\n", c.id, err)
		}
		return false
	}

	c.served++
	if w.Overrun() {
		log.Emit(logger.ERROR, "Connection %s: %s\n", c.id, http1.ErrDeclaredLengthExceeded)
	}
	c.server.eventBus.Dispatch(event.REQUEST_SERVED, c.id)

	if w.CloseAfter() {
		c.server.registry.ReleaseKeepAlive(c.id)
		return false
	}

	c.server.registry.MarkIdle(c.id)
	return true
}

// admitBody enforces the request body size limit and the optional
// per-handler admission hook, sequencing both around any
// Expect: 100-continue handshake. Returns false when the connection
// must be torn down.
func (c *conn) admitBody(request *http1.Request, w *http1.ResponseWriter) bool {
	reject := c.parser.AdmitBody(request)
	if reject == nil {
		if admitter, ok := c.server.handler.(AdmitterHandler); ok {
			reject = admitter.AdmitBody(request)
		}
	}

	if reject != nil {
		_ = http1.WriteSimpleResponse(c.bw, request.Version, reject.Code, reject.Body)

		// A client not using 100-continue has already committed to
		// sending the body; optionally read the remainder off the wire
		// so it observes the rejection rather than a reset.
		if !request.ExpectsContinue() && c.server.config.DrainOversizedBody {
			_, _ = io.Copy(io.Discard, request.Body())
		}

		return false
	}

	if request.ExpectsContinue() {
		if err := w.WriteContinue(); err != nil {
			return false
		}
	}

	return true
}

// handleParseFailure translates a failed frame parse into the correct
// wire behaviour: 408 when a timeout interrupts a request (before the
// first one, or with a partial frame pending), silence when it lands
// strictly between two requests with no bytes pending, or the protocol
// errors own status and fixed body.
func (c *conn) handleParseFailure(err error) {
	if isTimeoutError(err) {
		c.server.eventBus.Dispatch(event.CONN_TIMEOUT, c.id)
		if c.served == 0 || c.parser.RequestStarted() {
			_ = http1.WriteSimpleResponse(c.bw, c.lastVersion, 408, "Request Timeout")
		}
		return
	}

	if isExpectedSocketError(err) {
		return
	}

	c.respondWithError(err)
}

func (c *conn) respondWithError(err error) {
	var protoErr *http1.ProtocolError
	if errors.As(err, &protoErr) {
		_ = http1.WriteSimpleResponse(c.bw, c.lastVersion, protoErr.Code, protoErr.Body)
		return
	}

	log.Emit(logger.ERROR, "Unexpected error on connection %s: %v\n", c.id, err)
	_ = http1.WriteSimpleResponse(c.bw, c.lastVersion, 500, "Internal Server Error")
}

// keepAliveEligible applies the protocol-level half of the keep-alive
// decision; the registry applies the capacity half.
func (c *conn) keepAliveEligible(request *http1.Request) bool {
	switch request.Version {
	case http1.Version11:
		return !request.WantsClose()
	case http1.Version10:
		return request.WantsKeepAlive()
	default:
		return false
	}
}
