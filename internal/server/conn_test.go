package server

import (
	"bytes"
	"context"
	"io"
	"net"
	"strings"
	"sync"
	"syscall"
	"testing"
	"time"

	"github.com/hbomb79/Hearth/internal/event"
	"github.com/hbomb79/Hearth/internal/handler"
	"github.com/hbomb79/Hearth/internal/registry"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeTransport scripts the read side of a connection (including
// injected failures) and captures everything written to it, standing
// in for a socket that misbehaves at the OS level.
type fakeTransport struct {
	reader io.Reader

	mu     sync.Mutex
	out    bytes.Buffer
	closed bool
}

func newFakeTransport(readers ...io.Reader) *fakeTransport {
	return &fakeTransport{reader: io.MultiReader(readers...)}
}

func (f *fakeTransport) Read(b []byte) (int, error) { return f.reader.Read(b) }

func (f *fakeTransport) Write(b []byte) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.Write(b)
}

func (f *fakeTransport) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeTransport) SetReadDeadline(time.Time) error { return nil }

func (f *fakeTransport) RemoteAddr() net.Addr {
	return &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1), Port: 0}
}

func (f *fakeTransport) Written() string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.out.String()
}

func (f *fakeTransport) Closed() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

// errReader fails with the error provided as soon as it is read.
type errReader struct {
	err error
}

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

// gatedReader withholds its data until the gate is closed, simulating
// a client that has stalled mid-request.
type gatedReader struct {
	gate chan struct{}
	data io.Reader
}

func (r *gatedReader) Read(b []byte) (int, error) {
	<-r.gate
	return r.data.Read(b)
}

func newTestServer(t *testing.T) *Server {
	t.Helper()

	mux := handler.NewMux()
	mux.HandleFunc("/hello", handler.Hello())

	eventBus := event.New()
	return New(Config{
		Timeout:              time.Second,
		AcceptedQueueSize:    1,
		AcceptedQueueTimeout: time.Second,
		Workers:              1,
	}, mux, registry.New(registry.Config{}, eventBus), eventBus)
}

func Test_Serve_ConnResetSwallowedSilently(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport(errReader{syscall.ECONNRESET})
	c := newConn(transport, newTestServer(t))

	c.serve(context.Background())

	assert.Empty(t, transport.Written(), "a reset connection should receive no response bytes")
	assert.True(t, transport.Closed())
}

func Test_Serve_ResetAfterResponseStillServesFirstRequest(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport(
		strings.NewReader("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"),
		errReader{syscall.ECONNRESET},
	)
	srv := newTestServer(t)
	c := newConn(transport, srv)

	c.serve(context.Background())

	written := transport.Written()
	assert.Contains(t, written, "HTTP/1.1 200 OK\r\n")
	assert.Contains(t, written, "Hello, world!")
	assert.True(t, transport.Closed())
	assert.Equal(t, 0, srv.registry.OpenCount(), "connection must deregister on teardown")
}

func Test_Serve_TrickledSecondRequestSurvivesEvictionSweep(t *testing.T) {
	t.Parallel()

	eventBus := event.New()
	reg := registry.New(registry.Config{
		IdleTimeout:   time.Millisecond * 20,
		SweepInterval: time.Millisecond * 10,
	}, eventBus)

	mux := handler.NewMux()
	mux.HandleFunc("/hello", handler.Hello())
	srv := New(Config{
		Timeout:              time.Second * 5,
		AcceptedQueueSize:    1,
		AcceptedQueueTimeout: time.Second,
		Workers:              1,
	}, mux, reg, eventBus)

	ctx, cancel := context.WithCancel(context.Background())
	wg := sync.WaitGroup{}
	wg.Add(1)
	go func() {
		defer wg.Done()
		assert.Nil(t, reg.Run(ctx))
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})

	// The second request head arrives all but its terminating blank
	// line, then stalls for several sweep intervals.
	gate := make(chan struct{})
	transport := newFakeTransport(
		strings.NewReader("GET /hello HTTP/1.1\r\nHost: localhost\r\n\r\n"),
		strings.NewReader("GET /hello HTTP/1.1\r\nHost: localhost\r\n"),
		&gatedReader{gate: gate, data: strings.NewReader("\r\n")},
	)

	c := newConn(transport, srv)
	serveDone := make(chan struct{})
	go func() {
		c.serve(ctx)
		close(serveDone)
	}()

	time.Sleep(time.Millisecond * 100)
	assert.Equal(t, 1, reg.OpenCount(), "a connection mid-request must not be evicted as idle")
	assert.False(t, transport.Closed(), "the sweep must not sever a connection receiving a request")

	close(gate)

	select {
	case <-serveDone:
	case <-time.After(time.Second * 2):
		t.Fatal("connection did not finish serving after the stall cleared")
	}

	assert.Equal(t, 2, strings.Count(transport.Written(), "Hello, world!"), "both requests should have been answered")
}

func Test_Serve_UnexpectedReadErrorStillYieldsWellFormedStatusLine(t *testing.T) {
	t.Parallel()

	transport := newFakeTransport(errReader{assert.AnError})
	c := newConn(transport, newTestServer(t))

	c.serve(context.Background())

	written := transport.Written()
	require.NotEmpty(t, written)
	assert.True(t, strings.HasPrefix(written, "HTTP/1.1 500 Internal Server Error\r\n"), "raw errors must never reach the client, got %q", written)
}
