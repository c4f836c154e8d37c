package handler

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/hbomb79/Hearth/internal/http1"
)

// byteRange is a single resolved (inclusive start, exclusive end)
// window over the payload.
type byteRange struct {
	start int64
	end   int64
}

// Static serves a fixed byte payload with single and multi-range
// support. A request without a Range header receives the whole payload
// with a 200; a satisfiable Range receives 206 with either a
// Content-Range header (single range) or a multipart/byteranges body
// (multiple ranges); an unsatisfiable one receives 416.
func Static(contentType string, payload []byte) HandlerFunc {
	return func(request *http1.Request, w *http1.ResponseWriter) {
		rangeHeader := request.Headers.Get("Range")
		if rangeHeader == "" {
			w.SetHeader("Content-Type", contentType)
			w.SetHeader("Accept-Ranges", "bytes")
			_, _ = w.Write(payload)
			return
		}

		ranges, ok := parseRangeHeader(rangeHeader, int64(len(payload)))
		if !ok || len(ranges) == 0 {
			w.WriteStatus(416)
			w.SetHeader("Content-Range", fmt.Sprintf("bytes */%d", len(payload)))
			return
		}

		if len(ranges) == 1 {
			r := ranges[0]
			w.WriteStatus(206)
			w.SetHeader("Content-Type", contentType)
			w.SetHeader("Content-Range", fmt.Sprintf("bytes %d-%d/%d", r.start, r.end-1, len(payload)))
			_, _ = w.Write(payload[r.start:r.end])
			return
		}

		boundary := fmt.Sprintf("%d%d", len(payload), ranges[0].start)
		w.WriteStatus(206)
		w.SetHeader("Content-Type", fmt.Sprintf("multipart/byteranges; boundary=%s", boundary))

		for _, r := range ranges {
			_, _ = fmt.Fprintf(w, "--%s\r\n", boundary)
			_, _ = fmt.Fprintf(w, "Content-Type: %s\r\n", contentType)
			_, _ = fmt.Fprintf(w, "Content-Range: bytes %d-%d/%d\r\n\r\n", r.start, r.end-1, len(payload))
			_, _ = w.Write(payload[r.start:r.end])
			_, _ = w.Write([]byte("\r\n"))
		}
		_, _ = fmt.Fprintf(w, "--%s--\r\n", boundary)
	}
}

// parseRangeHeader resolves a "bytes=" range specifier against the
// payload size. Syntactically invalid specifiers report !ok (the
// request falls back to a 416); individually unsatisfiable ranges are
// simply dropped.
func parseRangeHeader(value string, size int64) ([]byteRange, bool) {
	const prefix = "bytes="
	if !strings.HasPrefix(value, prefix) {
		return nil, false
	}

	ranges := make([]byteRange, 0)
	for _, spec := range strings.Split(value[len(prefix):], ",") {
		spec = strings.TrimSpace(spec)
		startToken, endToken, found := strings.Cut(spec, "-")
		if !found {
			return nil, false
		}

		if startToken == "" {
			// Suffix range: the final N bytes.
			n, err := strconv.ParseInt(endToken, 10, 64)
			if err != nil || n <= 0 {
				return nil, false
			}

			if n > size {
				n = size
			}
			ranges = append(ranges, byteRange{start: size - n, end: size})
			continue
		}

		start, err := strconv.ParseInt(startToken, 10, 64)
		if err != nil || start < 0 {
			return nil, false
		}

		end := size
		if endToken != "" {
			last, err := strconv.ParseInt(endToken, 10, 64)
			if err != nil || last < start {
				return nil, false
			}

			end = last + 1
			if end > size {
				end = size
			}
		}

		if start >= size {
			continue
		}

		ranges = append(ranges, byteRange{start: start, end: end})
	}

	return ranges, true
}
