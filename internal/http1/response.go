package http1

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"time"
)

// httpDateLayout is IMF-fixdate; HTTP dates always carry a literal GMT
// zone token, never the offset name of the rendering host.
const httpDateLayout = "Mon, 02 Jan 2006 15:04:05 GMT"

// ErrDeclaredLengthExceeded is reported internally when a handler
// attempts to write more body bytes than the Content-Length it
// declared. It is never sent over the wire verbatim.
var ErrDeclaredLengthExceeded = errors.New("Response body exceeds the declared Content-Length.")

// ResponseWriter assembles and emits a single response frame. Body
// bytes are buffered by default, allowing the frame (including its
// Content-Length) to be finalised in one piece; handlers producing
// unsized output call Stream to switch to pass-through writing, at
// which point the head is flushed and can no longer change.
type ResponseWriter struct {
	bw      *bufio.Writer
	request *Request

	status  int
	headers HeaderList

	declared int64
	buffer   bytes.Buffer
	written  int64

	streaming   bool
	headWritten bool
	chunker     *chunkedWriter

	keepAliveAllowed bool
	keepAliveTimeout time.Duration
	closeAfter       bool
	overrun          bool
}

func NewResponseWriter(w io.Writer, request *Request, keepAliveTimeout time.Duration) *ResponseWriter {
	bw, ok := w.(*bufio.Writer)
	if !ok {
		bw = bufio.NewWriter(w)
	}

	return &ResponseWriter{
		bw:               bw,
		request:          request,
		status:           200,
		declared:         -1,
		keepAliveAllowed: true,
		keepAliveTimeout: keepAliveTimeout,
	}
}

func (w *ResponseWriter) WriteStatus(code int) { w.status = code }
func (w *ResponseWriter) Status() int          { return w.status }

func (w *ResponseWriter) SetHeader(name string, value string) { w.headers.Set(name, value) }
func (w *ResponseWriter) AddHeader(name string, value string) { w.headers.Add(name, value) }

// DeclareLength announces the exact number of body bytes this response
// will carry. Once declared, writing more than this is a server-side
// error.
func (w *ResponseWriter) DeclareLength(length int64) {
	w.declared = length
}

// SetKeepAliveAllowed is how the connection registry vetoes reuse of
// this connection; a response finalised with this set to false always
// carries Connection: close.
func (w *ResponseWriter) SetKeepAliveAllowed(allowed bool) {
	w.keepAliveAllowed = allowed
}

// CloseAfter reports whether the connection must be closed once this
// response has been flushed. Only meaningful after Finalize.
func (w *ResponseWriter) CloseAfter() bool { return w.closeAfter }

// HeadWritten reports whether the status line has already reached the
// wire, after which the response can no longer be replaced by an
// error frame.
func (w *ResponseWriter) HeadWritten() bool { return w.headWritten }

// WriteContinue emits an interim 100 status line with no headers,
// flushed immediately so a waiting client releases its body.
func (w *ResponseWriter) WriteContinue() error {
	if _, err := fmt.Fprintf(w.bw, "%s 100 Continue\r\n\r\n", w.request.Version); err != nil {
		return err
	}

	return w.bw.Flush()
}

// Stream switches the writer to unbuffered mode: the head is emitted
// now and subsequent writes go straight to the wire. A streamed
// response without a declared length uses chunked framing on HTTP/1.1;
// on HTTP/1.0 the close of the connection delimits the body instead.
func (w *ResponseWriter) Stream() error {
	if w.streaming {
		return nil
	}

	w.streaming = true
	w.decidePersistence()

	if w.declared >= 0 && !w.headers.Has("Content-Length") {
		w.headers.Set("Content-Length", fmt.Sprintf("%d", w.declared))
	}

	if w.declared < 0 && !w.suppressBody() {
		if w.request.Version == Version11 {
			w.headers.Set("Transfer-Encoding", "chunked")
			w.chunker = &chunkedWriter{w: w.bw}
		} else {
			// RFC 7230 s3.3.1: chunked responses must not be sent to an
			// HTTP/1.0 client, so the connection close frames the body.
			w.closeAfter = true
			w.headers.Set("Connection", "close")
		}
	}

	if err := w.writeHead(); err != nil {
		return err
	}

	return w.bw.Flush()
}

func (w *ResponseWriter) Write(b []byte) (int, error) {
	if !w.streaming {
		if w.declared >= 0 && int64(w.buffer.Len()+len(b)) > w.declared {
			w.overrun = true
			return 0, ErrDeclaredLengthExceeded
		}

		return w.buffer.Write(b)
	}

	if w.declared >= 0 && w.written+int64(len(b)) > w.declared {
		// Already partially flushed; all that can be done is truncate
		// the stream and sever the connection.
		wrote := 0
		if allowed := w.declared - w.written; allowed > 0 {
			n, _ := w.bodyWriter().Write(b[:allowed])
			w.written += int64(n)
			wrote = n
		}

		w.overrun = true
		w.closeAfter = true
		return wrote, ErrDeclaredLengthExceeded
	}

	n, err := w.bodyWriter().Write(b)
	w.written += int64(n)
	return n, err
}

func (w *ResponseWriter) bodyWriter() io.Writer {
	if w.chunker != nil {
		return w.chunker
	}

	return w.bw
}

// Overrun reports whether the handler attempted to exceed its declared
// Content-Length.
func (w *ResponseWriter) Overrun() bool { return w.overrun }

// Finalize completes the response frame. For buffered responses this
// is when the head is computed and everything reaches the wire; for
// streamed responses it terminates the body framing. The error
// returned is an I/O failure on the connection, not a protocol
// condition.
func (w *ResponseWriter) Finalize() error {
	if w.streaming {
		return w.finalizeStreamed()
	}

	if w.overrun {
		// The body never reached the wire, so the entire response can
		// be swapped for a server error frame.
		w.status = 500
		w.headers = HeaderList{}
		w.buffer.Reset()
		w.buffer.WriteString(BodyLengthOverrun)
		w.declared = -1
		w.keepAliveAllowed = false
	}

	if w.declared >= 0 && int64(w.buffer.Len()) != w.declared {
		// Underrun of a declared length: the frame cannot be made
		// truthful, so the close of the connection ends it.
		w.keepAliveAllowed = false
	}

	w.decidePersistence()

	if w.suppressBody() {
		w.headers.Del("Content-Length")
		w.headers.Del("Transfer-Encoding")
	} else if !w.headers.Has("Content-Length") {
		w.headers.Set("Content-Length", fmt.Sprintf("%d", w.buffer.Len()))
	}

	if err := w.writeHead(); err != nil {
		return err
	}

	if !w.suppressBody() && w.buffer.Len() > 0 {
		if _, err := w.bw.Write(w.buffer.Bytes()); err != nil {
			return err
		}
	}

	return w.bw.Flush()
}

func (w *ResponseWriter) finalizeStreamed() error {
	if w.declared >= 0 && w.written != w.declared {
		w.closeAfter = true
	}

	if w.chunker != nil && !w.overrun {
		if err := w.chunker.Close(); err != nil {
			return err
		}
	}

	return w.bw.Flush()
}

func (w *ResponseWriter) suppressBody() bool {
	return w.status == 204 || w.status == 304
}

// decidePersistence applies the keep-alive contract: HTTP/1.1 persists
// by default (and says nothing), HTTP/1.0 closes by default and must
// opt in explicitly, and either way a response that cannot frame its
// own end forces a close.
func (w *ResponseWriter) decidePersistence() {
	if w.closeAfter {
		return
	}

	if !w.keepAliveAllowed || w.request.WantsClose() {
		w.closeAfter = true
		w.headers.Set("Connection", "close")
		return
	}

	if w.request.Version == Version10 {
		definite := w.declared >= 0 || !w.streaming || w.suppressBody()
		if !w.request.WantsKeepAlive() || !definite {
			w.closeAfter = true
			return
		}

		w.headers.Set("Connection", "Keep-Alive")
		w.headers.Set("Keep-Alive", fmt.Sprintf("timeout=%d", int(w.keepAliveTimeout.Seconds())))
		return
	}

	// HTTP/1.1 keep-alive is implicit; no Connection header is emitted.
}

func (w *ResponseWriter) writeHead() error {
	if w.headWritten {
		return nil
	}
	w.headWritten = true

	reason := StatusReason(w.status)
	statusLine := fmt.Sprintf("%d %s", w.status, reason)
	if reason == "" {
		statusLine = fmt.Sprintf("%d", w.status)
	}

	if _, err := fmt.Fprintf(w.bw, "%s %s\r\n", w.request.Version, statusLine); err != nil {
		return err
	}

	if !w.headers.Has("Date") {
		w.headers.Add("Date", time.Now().UTC().Format(httpDateLayout))
	}
	if !w.headers.Has("Server") {
		w.headers.Add("Server", "Hearth")
	}

	for _, header := range w.headers {
		if _, err := fmt.Fprintf(w.bw, "%s: %s\r\n", header.Name, header.Value); err != nil {
			return err
		}
	}

	_, err := io.WriteString(w.bw, "\r\n")
	return err
}

// WriteSimpleResponse emits a complete, self-contained response frame
// in one shot. Used for conditions raised outside of a handler, such
// as protocol errors and read timeouts, where the connection is always
// closed afterwards.
func WriteSimpleResponse(w io.Writer, version Version, code int, body string) error {
	if version == VersionUnknown {
		version = Version11
	}

	head := fmt.Sprintf(
		"%s %d %s\r\nContent-Length: %d\r\nContent-Type: text/plain\r\nConnection: close\r\n\r\n%s",
		version, code, StatusReason(code), len(body), body,
	)

	_, err := io.WriteString(w, head)
	if bw, ok := w.(*bufio.Writer); ok && err == nil {
		return bw.Flush()
	}

	return err
}
