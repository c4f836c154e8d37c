package http1

import (
	"fmt"
	"io"
	"strconv"
	"strings"
)

// chunkedReader decodes a Transfer-Encoding: chunked request body. Chunk
// extensions are accepted and discarded; a trailer section following the
// terminal chunk is accumulated onto the owning requests Trailers list.
type chunkedReader struct {
	parser    *Parser
	request   *Request
	max       int64
	remaining int64
	consumed  int64
	done      bool
	err       error
}

func newChunkedReader(parser *Parser, request *Request, max int64) *chunkedReader {
	return &chunkedReader{parser: parser, request: request, max: max}
}

func (r *chunkedReader) Read(b []byte) (int, error) {
	if r.err != nil {
		return 0, r.err
	}
	if r.done {
		return 0, io.EOF
	}

	if r.remaining == 0 {
		if err := r.beginChunk(); err != nil {
			r.err = err
			return 0, err
		}

		if r.done {
			return 0, io.EOF
		}
	}

	if int64(len(b)) > r.remaining {
		b = b[:r.remaining]
	}

	n, err := r.parser.br.Read(b)
	r.remaining -= int64(n)
	r.consumed += int64(n)

	if r.max > 0 && r.consumed > r.max {
		r.err = errEntityTooLarge()
		return n, r.err
	}

	if err == io.EOF {
		err = io.ErrUnexpectedEOF
	}
	if err != nil {
		r.err = err
		return n, err
	}

	// A chunks data is followed by its own CRLF before the next
	// chunk-size line.
	if r.remaining == 0 {
		if err := r.consumeChunkTerminator(); err != nil {
			r.err = err
			return n, err
		}
	}

	return n, nil
}

// beginChunk reads the next chunk-size line. A size of zero marks the
// end of the body, after which any trailer section is consumed.
func (r *chunkedReader) beginChunk() error {
	line, err := r.parser.readLine()
	if err != nil {
		return err
	}

	// Strip any chunk extension; everything beyond the first ';' is
	// metadata we do not act upon.
	sizeToken := line
	if idx := strings.IndexByte(line, ';'); idx >= 0 {
		sizeToken = line[:idx]
	}

	size, err := strconv.ParseInt(strings.TrimSpace(sizeToken), 16, 64)
	if err != nil || size < 0 {
		return &ProtocolError{Code: 400, Body: fmt.Sprintf("Bad chunked transfer size: %q", sizeToken)}
	}

	if size == 0 {
		r.done = true
		return r.consumeTrailers()
	}

	r.remaining = size
	return nil
}

func (r *chunkedReader) consumeChunkTerminator() error {
	line, err := r.parser.readLine()
	if err != nil {
		return err
	}

	if line != "" {
		return errBadCRLF()
	}

	return nil
}

// consumeTrailers reads trailer header lines (which may be absent)
// until the blank line ending the frame.
func (r *chunkedReader) consumeTrailers() error {
	for {
		line, err := r.parser.readLine()
		if err != nil {
			return err
		}

		if line == "" {
			return nil
		}

		name, value, found := strings.Cut(line, ":")
		if !found || name == "" {
			return &ProtocolError{Code: 400, Body: "Illegal trailer line."}
		}

		r.request.Trailers.Add(name, strings.TrimSpace(value))
	}
}

// chunkedWriter frames written bytes as chunks. Close emits the
// terminal zero chunk; it does not close the underlying writer.
type chunkedWriter struct {
	w io.Writer
}

func (w *chunkedWriter) Write(b []byte) (int, error) {
	if len(b) == 0 {
		return 0, nil
	}

	if _, err := fmt.Fprintf(w.w, "%x\r\n", len(b)); err != nil {
		return 0, err
	}

	n, err := w.w.Write(b)
	if err != nil {
		return n, err
	}

	if _, err := io.WriteString(w.w, "\r\n"); err != nil {
		return n, err
	}

	return n, nil
}

func (w *chunkedWriter) Close() error {
	_, err := io.WriteString(w.w, "0\r\n\r\n")
	return err
}
