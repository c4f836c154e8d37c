package handler

import (
	"github.com/hbomb79/Hearth/internal/http1"
	"github.com/hbomb79/Hearth/pkg/logger"
)

var log = logger.Get("Handler")

type (
	// Handler produces the response for a single parsed request. The
	// writer takes care of framing and the keep-alive decision; a
	// handler only chooses status, headers and body bytes.
	Handler interface {
		Serve(request *http1.Request, w *http1.ResponseWriter)
	}

	HandlerFunc func(request *http1.Request, w *http1.ResponseWriter)

	// BodyAdmitter is an optional extension: handlers implementing it
	// are consulted before the server releases a clients withheld
	// body (Expect: 100-continue), and may refuse it outright.
	BodyAdmitter interface {
		AdmitBody(request *http1.Request) *http1.ProtocolError
	}
)

func (fn HandlerFunc) Serve(request *http1.Request, w *http1.ResponseWriter) {
	fn(request, w)
}

// Mux is a flat path-to-handler table. Paths match exactly; anything
// unmatched receives a 404.
type Mux struct {
	routes map[string]Handler
}

func NewMux() *Mux {
	return &Mux{routes: make(map[string]Handler)}
}

func (mux *Mux) Handle(path string, h Handler) {
	mux.routes[path] = h
}

func (mux *Mux) HandleFunc(path string, fn HandlerFunc) {
	mux.Handle(path, fn)
}

func (mux *Mux) Serve(request *http1.Request, w *http1.ResponseWriter) {
	h, ok := mux.routes[request.Path]
	if !ok {
		log.Emit(logger.VERBOSE, "No route for %s %s\n", request.Method, request.Path)
		w.WriteStatus(404)
		w.SetHeader("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Not Found"))
		return
	}

	h.Serve(request, w)
}

// AdmitBody defers to the matched routes own admission hook, if it
// has one; routes without an opinion admit everything within the
// servers size limits.
func (mux *Mux) AdmitBody(request *http1.Request) *http1.ProtocolError {
	if h, ok := mux.routes[request.Path]; ok {
		if admitter, ok := h.(BodyAdmitter); ok {
			return admitter.AdmitBody(request)
		}
	}

	return nil
}
