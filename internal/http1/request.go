package http1

import (
	"io"
	"strings"
)

type Version int

const (
	VersionUnknown Version = iota
	Version10
	Version11
)

func (v Version) String() string {
	switch v {
	case Version10:
		return "HTTP/1.0"
	case Version11:
		return "HTTP/1.1"
	default:
		return "HTTP/?"
	}
}

// BodyStrategy describes how the bytes of a message body are framed on
// the wire, as negotiated by the headers of the request.
type BodyStrategy int

const (
	BodyNone BodyStrategy = iota
	BodyFixed
	BodyChunked
)

// Header is a single header field. Requests carry their headers as an
// ordered list rather than a map; duplicate keys are legal in HTTP and
// their relative order must survive parsing.
type Header struct {
	Name  string
	Value string
}

type HeaderList []Header

// Get returns the value of the first header matching the name provided
// (case-insensitively), or an empty string if no such header exists.
func (h HeaderList) Get(name string) string {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return header.Value
		}
	}

	return ""
}

// Values returns every value held against the name provided, in the
// order they appear in the list.
func (h HeaderList) Values(name string) []string {
	values := make([]string, 0)
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			values = append(values, header.Value)
		}
	}

	return values
}

func (h HeaderList) Has(name string) bool {
	for _, header := range h {
		if strings.EqualFold(header.Name, name) {
			return true
		}
	}

	return false
}

func (h *HeaderList) Add(name string, value string) {
	*h = append(*h, Header{Name: name, Value: value})
}

// Set replaces every header matching the name provided with a single
// header holding the new value, appending if no match existed.
func (h *HeaderList) Set(name string, value string) {
	out := (*h)[:0]
	replaced := false
	for _, header := range *h {
		if strings.EqualFold(header.Name, name) {
			if !replaced {
				out = append(out, Header{Name: name, Value: value})
				replaced = true
			}
			continue
		}

		out = append(out, header)
	}

	if !replaced {
		out = append(out, Header{Name: name, Value: value})
	}

	*h = out
}

func (h *HeaderList) Del(name string) {
	out := (*h)[:0]
	for _, header := range *h {
		if strings.EqualFold(header.Name, name) {
			continue
		}

		out = append(out, header)
	}

	*h = out
}

// Request is a single parsed request frame. One is created per request
// on a connection and discarded once the matching response has been
// flushed; the connection itself is the long-lived object.
type Request struct {
	Method  string
	Path    string
	Version Version
	Headers HeaderList

	// Trailers is populated after the body has been fully consumed, and
	// only for chunked requests which carried a trailer section.
	Trailers HeaderList

	// ContentLength is the declared body size for BodyFixed requests,
	// and -1 otherwise.
	ContentLength int64
	Strategy      BodyStrategy

	body io.Reader
}

// Body returns a reader over the framed request body. The reader
// yields io.EOF once the declared length (or terminal chunk) has been
// consumed; it never reads past the frame into a pipelined successor.
func (r *Request) Body() io.Reader {
	if r.body == nil {
		return strings.NewReader("")
	}

	return r.body
}

// connectionTokens splits the Connection header(s) into their
// lower-cased tokens.
func (r *Request) connectionTokens() []string {
	tokens := make([]string, 0)
	for _, value := range r.Headers.Values("Connection") {
		for _, token := range strings.Split(value, ",") {
			tokens = append(tokens, strings.ToLower(strings.TrimSpace(token)))
		}
	}

	return tokens
}

// WantsClose reports whether the client explicitly requested the
// connection be closed once this request has been answered.
func (r *Request) WantsClose() bool {
	for _, token := range r.connectionTokens() {
		if token == "close" {
			return true
		}
	}

	return false
}

// WantsKeepAlive reports whether the client explicitly opted in to
// connection reuse. Only meaningful for HTTP/1.0, where close is the
// default behaviour.
func (r *Request) WantsKeepAlive() bool {
	for _, token := range r.connectionTokens() {
		if token == "keep-alive" {
			return true
		}
	}

	return false
}

// ExpectsContinue reports whether the client is withholding the request
// body until the server signals willingness via an interim 100 response.
func (r *Request) ExpectsContinue() bool {
	return strings.EqualFold(strings.TrimSpace(r.Headers.Get("Expect")), "100-continue")
}
