// Package writer wraps http.ResponseWriter so the HTTP engine can observe
// the status code and byte count of a proxied response without altering
// it: what the backend sent is exactly what reaches the client.
package writer

import "net/http"

// ResponseWriter passes every header and body write straight through to
// the underlying http.ResponseWriter, recording the status code and byte
// count as they go by. It never buffers or inspects the body and never
// synthesizes a status code of its own; status-passthrough is the whole
// point. A ResponseWriter is used by a single goroutine for the life of
// one request and is not safe for concurrent use.
type ResponseWriter struct {
	http.ResponseWriter
	StatusCode    int
	BytesWritten  int64
	headerWritten bool
}

// NewResponseWriter wraps w for a single request/response cycle.
func NewResponseWriter(w http.ResponseWriter) *ResponseWriter {
	return &ResponseWriter{ResponseWriter: w}
}

// WriteHeader records statusCode and forwards it, ignoring calls after
// the first (matching http.ResponseWriter's own documented behavior).
func (rw *ResponseWriter) WriteHeader(statusCode int) {
	if rw.headerWritten {
		return
	}
	rw.headerWritten = true
	rw.StatusCode = statusCode
	rw.ResponseWriter.WriteHeader(statusCode)
}

// Write implicitly sends a 200 if WriteHeader hasn't been called yet,
// matching http.ResponseWriter's documented behavior, then forwards b
// unchanged and tallies the bytes written.
func (rw *ResponseWriter) Write(b []byte) (int, error) {
	if !rw.headerWritten {
		rw.WriteHeader(http.StatusOK)
	}

	n, err := rw.ResponseWriter.Write(b)
	rw.BytesWritten += int64(n)
	return n, err
}

// HeadersWritten reports whether WriteHeader (directly or via Write) has
// already run for this response.
func (rw *ResponseWriter) HeadersWritten() bool {
	return rw.headerWritten
}

// Flush implements http.Flusher when the underlying ResponseWriter does,
// which the streaming HTTP path relies on to push each chunk as it
// arrives rather than waiting for Go's own buffering.
func (rw *ResponseWriter) Flush() {
	if flusher, ok := rw.ResponseWriter.(http.Flusher); ok {
		flusher.Flush()
	}
}

// Metrics returns a snapshot of this response's status and size, for
// logging/metrics call sites.
func (rw *ResponseWriter) Metrics() ResponseMetrics {
	return ResponseMetrics{StatusCode: rw.StatusCode, BytesWritten: rw.BytesWritten}
}

// ResponseMetrics is a point-in-time snapshot of a ResponseWriter's
// status code and byte count.
type ResponseMetrics struct {
	StatusCode   int
	BytesWritten int64
}
