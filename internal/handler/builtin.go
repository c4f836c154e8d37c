package handler

import (
	"fmt"
	"io"

	"github.com/hbomb79/Hearth/internal/http1"
)

// Hello responds with a fixed greeting; the smallest possible
// keep-alive-friendly endpoint.
func Hello() HandlerFunc {
	return func(request *http1.Request, w *http1.ResponseWriter) {
		w.SetHeader("Content-Type", "text/plain")
		_, _ = w.Write([]byte("Hello, world!"))
	}
}

// Upload consumes the request body in full and acknowledges it,
// echoing the received bytes back inside the acknowledgement.
func Upload() HandlerFunc {
	return func(request *http1.Request, w *http1.ResponseWriter) {
		body, err := io.ReadAll(request.Body())
		if err != nil {
			w.WriteStatus(500)
			_, _ = fmt.Fprintf(w, "upload failed: %v", err)
			return
		}

		w.SetHeader("Content-Type", "text/plain")
		_, _ = fmt.Fprintf(w, "thanks for '%s'", body)
	}
}

// Stream writes its body without declaring a Content-Length, forcing
// the response writer to either chunk (HTTP/1.1) or close-delimit
// (HTTP/1.0) the body.
func Stream(body string) HandlerFunc {
	return func(request *http1.Request, w *http1.ResponseWriter) {
		w.SetHeader("Content-Type", "text/plain")
		if err := w.Stream(); err != nil {
			return
		}

		for _, b := range []byte(body) {
			if _, err := w.Write([]byte{b}); err != nil {
				return
			}
		}
	}
}
