package http1

import "fmt"

// The fixed response bodies emitted for protocol-level failures. Clients
// and the integration suite match these byte-for-byte, so they must never
// be reworded.
const (
	BodyRequireCRLF     = "HTTP requires CRLF terminators"
	BodyMalformedLength = "Malformed Content-Length Header."
	BodyEntityTooLarge  = "The entity sent with the request exceeds the maximum allowed bytes."
	BodyLengthOverrun   = "The requested resource returned more bytes than the declared Content-Length."
)

var statusReasons = map[int]string{
	100: "Continue",
	200: "OK",
	204: "No Content",
	206: "Partial Content",
	304: "Not Modified",
	400: "Bad Request",
	404: "Not Found",
	405: "Method Not Allowed",
	408: "Request Timeout",
	413: "Request Entity Too Large",
	416: "Range Not Satisfiable",
	500: "Internal Server Error",
	501: "Not Implemented",
	505: "HTTP Version Not Supported",
}

// StatusReason returns the canonical reason phrase for the status
// code provided, or an empty string for unknown codes.
func StatusReason(code int) string {
	return statusReasons[code]
}

// ProtocolError describes a request that could not be served due to a
// violation of HTTP framing rules, or a server-side policy (such as the
// maximum request body size). The connection carrying the offending
// request is never eligible for keep-alive.
type ProtocolError struct {
	Code int
	Body string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error %d %s: %s", e.Code, StatusReason(e.Code), e.Body)
}

func errBadCRLF() *ProtocolError {
	return &ProtocolError{Code: 400, Body: BodyRequireCRLF}
}

func errMalformedContentLength() *ProtocolError {
	return &ProtocolError{Code: 400, Body: BodyMalformedLength}
}

func errEntityTooLarge() *ProtocolError {
	return &ProtocolError{Code: 413, Body: BodyEntityTooLarge}
}
