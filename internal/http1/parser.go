package http1

import (
	"bufio"
	"io"
	"strconv"
	"strings"
)

// parseState is the position of the parser within the current request
// frame. Transitions are strictly forward; a new frame resets the
// parser back to awaitRequestLine.
type parseState int

const (
	awaitRequestLine parseState = iota
	awaitHeaders
	awaitBodyFixed
	awaitBodyChunked
	noBody
	complete
)

func (s parseState) String() string {
	return []string{
		"AWAIT_REQUEST_LINE",
		"AWAIT_HEADERS",
		"AWAIT_BODY_FIXED",
		"AWAIT_BODY_CHUNKED",
		"NO_BODY",
		"COMPLETE",
	}[s]
}

type ParserConfig struct {
	// MaxBodySize is the largest request body (declared or chunked)
	// the parser will admit; zero disables the limit.
	MaxBodySize int64

	// DrainOversizedBody controls behaviour when a body exceeds
	// MaxBodySize mid-read: when true the remainder of the frame is
	// consumed (up to the declared length) before the connection is
	// closed, when false the connection is closed immediately.
	DrainOversizedBody bool
}

// Parser decodes successive request frames from a single connections
// read stream. It owns the buffered reader for the connection, which
// is what makes pipelining work: bytes belonging to a queued request
// simply wait in the buffer until the previous frame completes.
type Parser struct {
	br           *bufio.Reader
	config       ParserConfig
	state        parseState
	frameStarted bool
}

func NewParser(r io.Reader, config ParserConfig) *Parser {
	br, ok := r.(*bufio.Reader)
	if !ok {
		br = bufio.NewReader(r)
	}

	return &Parser{br: br, config: config, state: awaitRequestLine}
}

// State returns the parsers position within the current frame.
func (p *Parser) State() string {
	return p.state.String()
}

// Buffered reports whether bytes from a pipelined successor request
// are already waiting in the read buffer.
func (p *Parser) Buffered() bool {
	return p.br.Buffered() > 0
}

// RequestStarted reports whether any bytes of the current frame have
// arrived, distinguishing a timeout that interrupts a partial request
// from one on a connection sitting quietly between requests.
func (p *Parser) RequestStarted() bool {
	return p.frameStarted
}

// ParseRequest reads the request line and header section of the next
// frame, leaving the body (if any) unconsumed behind the returned
// requests Body reader.
//
// Errors are either a *ProtocolError (the request was understood well
// enough to be refused with a status code) or a raw I/O error from the
// underlying reader (timeout, closed socket), which the caller must
// translate itself.
func (p *Parser) ParseRequest() (*Request, error) {
	p.state = awaitRequestLine
	p.frameStarted = p.br.Buffered() > 0
	request := &Request{ContentLength: -1}

	if err := p.parseRequestLine(request); err != nil {
		return nil, err
	}

	p.state = awaitHeaders
	if err := p.parseHeaders(request); err != nil {
		return nil, err
	}

	if err := p.prepareBody(request); err != nil {
		return nil, err
	}

	return request, nil
}

// AdmitBody checks the declared size of the requests body against the
// configured maximum. It is separate from ParseRequest so the caller
// can sequence the check around any Expect: 100-continue handling.
func (p *Parser) AdmitBody(request *Request) *ProtocolError {
	if p.config.MaxBodySize <= 0 {
		return nil
	}

	if request.Strategy == BodyFixed && request.ContentLength > p.config.MaxBodySize {
		return errEntityTooLarge()
	}

	return nil
}

// FinishRequest consumes whatever remains of the requests body so the
// read buffer is positioned at the start of the next frame. Must be
// called before ParseRequest is invoked again on a kept-alive
// connection.
func (p *Parser) FinishRequest(request *Request) error {
	if request.Strategy == BodyNone {
		p.state = complete
		return nil
	}

	if _, err := io.Copy(io.Discard, request.Body()); err != nil {
		return err
	}

	p.state = complete
	return nil
}

// readLine consumes a single CRLF-terminated line, returning it with
// the terminator stripped. A line terminated by a bare LF is a framing
// violation and yields a 400.
func (p *Parser) readLine() (string, error) {
	line, err := p.br.ReadString('\n')
	if len(line) > 0 {
		p.frameStarted = true
	}
	if err != nil {
		return "", err
	}

	if !strings.HasSuffix(line, "\r\n") {
		return "", errBadCRLF()
	}

	return strings.TrimSuffix(line, "\r\n"), nil
}

func (p *Parser) parseRequestLine(request *Request) error {
	line, err := p.readLine()
	if err != nil {
		return err
	}

	parts := strings.Split(line, " ")
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return &ProtocolError{Code: 400, Body: "Malformed Request-Line"}
	}

	request.Method = parts[0]
	request.Path = parts[1]

	switch parts[2] {
	case "HTTP/1.1":
		request.Version = Version11
	case "HTTP/1.0":
		request.Version = Version10
	default:
		return &ProtocolError{Code: 505, Body: "Cannot fulfill request"}
	}

	return nil
}

func (p *Parser) parseHeaders(request *Request) error {
	for {
		line, err := p.readLine()
		if err != nil {
			return err
		}

		if line == "" {
			return nil
		}

		name, value, found := strings.Cut(line, ":")
		if !found || name == "" || strings.TrimSpace(name) != name {
			return &ProtocolError{Code: 400, Body: "Illegal header line."}
		}

		request.Headers.Add(name, strings.TrimSpace(value))
	}
}

// prepareBody derives the frames body strategy from its headers and
// attaches the matching framed reader.
func (p *Parser) prepareBody(request *Request) error {
	for _, encoding := range request.Headers.Values("Transfer-Encoding") {
		for _, token := range strings.Split(encoding, ",") {
			if strings.EqualFold(strings.TrimSpace(token), "chunked") {
				request.Strategy = BodyChunked
				request.body = newChunkedReader(p, request, p.config.MaxBodySize)
				p.state = awaitBodyChunked
				return nil
			}
		}
	}

	lengths := request.Headers.Values("Content-Length")
	if len(lengths) == 0 {
		request.Strategy = BodyNone
		p.state = noBody
		return nil
	}

	length, err := strconv.ParseInt(strings.TrimSpace(lengths[0]), 10, 64)
	if err != nil || length < 0 {
		return errMalformedContentLength()
	}

	// Duplicate Content-Length headers are tolerated only when they agree.
	for _, other := range lengths[1:] {
		if strings.TrimSpace(other) != strings.TrimSpace(lengths[0]) {
			return errMalformedContentLength()
		}
	}

	request.ContentLength = length
	if length == 0 {
		request.Strategy = BodyNone
		p.state = noBody
		return nil
	}

	request.Strategy = BodyFixed
	request.body = &fixedReader{br: p.br, remaining: length}
	p.state = awaitBodyFixed
	return nil
}

// fixedReader yields exactly the declared Content-Length bytes from
// the connections buffer, then io.EOF.
type fixedReader struct {
	br        *bufio.Reader
	remaining int64
}

func (r *fixedReader) Read(b []byte) (int, error) {
	if r.remaining <= 0 {
		return 0, io.EOF
	}

	if int64(len(b)) > r.remaining {
		b = b[:r.remaining]
	}

	n, err := r.br.Read(b)
	r.remaining -= int64(n)
	if err == io.EOF && r.remaining > 0 {
		return n, io.ErrUnexpectedEOF
	}

	return n, err
}
