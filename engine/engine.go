// Package engine implements the HTTP re-origination engine: body-size
// gating, the buffered fast path, the chunked streaming fallback, and a
// small taxonomy of backend-facing errors.
package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"reverseit/config"
	"reverseit/headers"
	"reverseit/internal/logging"
	"reverseit/internal/metrics"
	"reverseit/pathrewrite"
	"reverseit/pool"
	"reverseit/writer"
)

// chunkSize is the buffer size used while relaying a streamed body in
// either direction.
const chunkSize = 64 * 1024

// Sentinel error kinds describing why a proxied request failed. Callers
// that need to distinguish outcomes (e.g. for logging) can errors.Is
// against these.
var (
	ErrClientBodyRead  = errors.New("reverseit: client body read failed")
	ErrBodyTooLarge    = errors.New("reverseit: request body exceeds max_body_size")
	ErrBackendConnect  = errors.New("reverseit: backend connect failed")
	ErrBackendRequest  = errors.New("reverseit: backend request failed")
	ErrBackendResponse = errors.New("reverseit: backend response failed")
	ErrTimeout         = errors.New("reverseit: request timed out")
)

// Deps bundles the collaborators engine.Proxy needs beyond the immutable
// Config: the connection pool, an optional metrics registry (nil is
// valid — metrics become a no-op), and a logger.
type Deps struct {
	Pool    pool.Pool
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// Proxy re-originates r against cfg's backend and writes the result to w.
// It never panics and always finalizes the response: once Proxy returns,
// the response lifecycle is sealed and the caller should do nothing
// further with w.
func Proxy(ctx context.Context, cfg *config.Config, deps Deps, w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	lrw := writer.NewResponseWriter(w)

	if deps.Metrics != nil {
		deps.Metrics.ConnectionOpened()
		defer deps.Metrics.ConnectionClosed()
	}

	outURL := outboundURL(cfg, r)

	// Phase A: read the request body under the configured limit.
	firstChunk, overflow, err := readUnderLimit(r.Body, cfg.MaxBodySize)
	if err != nil {
		writeError(lrw, http.StatusBadRequest, "Bad Request")
		finish(deps, cfg, r, lrw, start)
		return
	}

	if !overflow {
		runBuffered(ctx, cfg, deps, lrw, r, outURL, firstChunk)
	} else {
		runStreaming(ctx, cfg, deps, lrw, r, outURL, firstChunk)
	}

	finish(deps, cfg, r, lrw, start)
}

func finish(deps Deps, cfg *config.Config, r *http.Request, lrw *writer.ResponseWriter, start time.Time) {
	duration := time.Since(start)
	if deps.Logger != nil {
		logging.LogRequestCompact(deps.Logger, r, lrw.StatusCode, duration)
		logging.LogResponseMetrics(deps.Logger, r.URL.Path, lrw.Metrics())
	}
	if deps.Metrics != nil {
		deps.Metrics.RecordRequest(r.Method, r.URL.Path, lrw.StatusCode, duration.Seconds())
		deps.Metrics.RecordBytes("inbound", r.ContentLength)
		deps.Metrics.RecordBytes("outbound", lrw.BytesWritten)
	}
}

// readUnderLimit attempts to read the whole body within limit bytes. If
// limit is config.Unlimited, the whole body is always read (overflow
// cannot arise). Otherwise, if more than limit bytes
// remain, it returns the limit+1 bytes already read plus the still-open
// reader wrapped so the caller can keep draining it, and overflow=true.
func readUnderLimit(body io.ReadCloser, limit int64) (buffered *bufferedBody, overflow bool, err error) {
	if limit == config.Unlimited {
		data, readErr := io.ReadAll(body)
		if readErr != nil {
			return nil, false, fmt.Errorf("%w: %v", ErrClientBodyRead, readErr)
		}
		return &bufferedBody{data: data, rest: body}, false, nil
	}

	data := make([]byte, limit+1)
	n, readErr := io.ReadFull(body, data)
	if readErr != nil && readErr != io.ErrUnexpectedEOF && readErr != io.EOF {
		return nil, false, fmt.Errorf("%w: %v", ErrClientBodyRead, readErr)
	}

	if int64(n) <= limit {
		return &bufferedBody{data: data[:n], rest: body}, false, nil
	}

	// More than limit bytes remain: the first limit+1 bytes already read
	// become the first chunk of the streamed body; body is still open for
	// the remainder.
	return &bufferedBody{data: data[:n], rest: body}, true, nil
}

// bufferedBody holds bytes already read from the client plus the
// still-open reader for whatever remains (possibly nothing).
type bufferedBody struct {
	data []byte
	rest io.ReadCloser
}

// reader returns an io.Reader yielding data followed by whatever remains
// unread on rest.
func (b *bufferedBody) reader() io.Reader {
	return io.MultiReader(bytesReader(b.data), b.rest)
}

func bytesReader(b []byte) io.Reader { return &byteSliceReader{b: b} }

type byteSliceReader struct {
	b []byte
	i int
}

func (r *byteSliceReader) Read(p []byte) (int, error) {
	if r.i >= len(r.b) {
		return 0, io.EOF
	}
	n := copy(p, r.b[r.i:])
	r.i += n
	return n, nil
}

// outboundURL computes the backend URL for r under cfg (scheme/host/port
// fixed by config, path/query rewritten per the configured prefix rules).
func outboundURL(cfg *config.Config, r *http.Request) string {
	path := pathrewrite.Rewrite(r.URL.Path, cfg.StripPath, cfg.PathPrefix, r.URL.RawQuery)
	scheme := cfg.Scheme
	switch scheme {
	case "ws":
		scheme = "http"
	case "wss":
		scheme = "https"
	}
	return scheme + "://" + net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)) + path
}

// buildOutboundHeaders applies the full header policy to r's headers for
// forwarding to the backend.
func buildOutboundHeaders(cfg *config.Config, r *http.Request) http.Header {
	out := headers.StripHopByHop(r.Header, false)

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	inboundScheme := "http"
	if r.TLS != nil {
		inboundScheme = "https"
	}
	headers.ApplyForwarded(out, remoteIP, inboundScheme, r.Host)
	headers.RewriteHost(out, cfg.Scheme, cfg.Host, cfg.Port)

	headers.Remove(out, cfg.RemoveHeaders)
	headers.AddPairs(out, cfg.AddHeaders)

	return out
}

// runBuffered implements Phase B: a single buffered round trip through the
// pool.
func runBuffered(ctx context.Context, cfg *config.Config, deps Deps, w http.ResponseWriter, r *http.Request, outURL string, body *bufferedBody) {
	req, err := http.NewRequestWithContext(ctx, r.Method, outURL, bytesReader(body.data))
	if err != nil {
		emitError(w, cfg)
		return
	}
	req.Header = buildOutboundHeaders(cfg, r)
	req.Host = req.Header.Get("host")
	req.ContentLength = int64(len(body.data))

	resp, err := deps.Pool.Issue(ctx, req, pool.IssueOptions{ReceiveTimeout: cfg.Timeout()})
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			emitError(w, cfg)
			return
		}
		emitError(w, cfg)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	_, _ = io.Copy(w, resp.Body)
}

// runStreaming implements Phase C: a one-shot backend connection, a
// chunked request body seeded with the already-buffered prefix, and a
// chunked response relayed to the client as it arrives. A single
// wall-clock deadline bounds the whole phase.
func runStreaming(parent context.Context, cfg *config.Config, deps Deps, w http.ResponseWriter, r *http.Request, outURL string, body *bufferedBody) {
	ctx, cancel := context.WithTimeout(parent, cfg.Timeout())
	defer cancel()

	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return pool.DialBackend(ctx, cfg.Scheme, cfg.Host, cfg.Port, cfg.ConnectTimeout(), cfg.VerifyTLS)
	}
	transport := &http.Transport{
		DisableKeepAlives: true,
		DialContext:       dial,
		DialTLSContext:    dial,
	}
	defer transport.CloseIdleConnections()
	client := &http.Client{Transport: transport}

	pr, pw := io.Pipe()
	go func() {
		buf := make([]byte, chunkSize)
		_, copyErr := io.CopyBuffer(pw, body.reader(), buf)
		pw.CloseWithError(copyErr)
	}()

	req, err := http.NewRequestWithContext(ctx, r.Method, outURL, pr)
	if err != nil {
		emitError(w, cfg)
		return
	}
	req.Header = buildOutboundHeaders(cfg, r)
	req.Host = req.Header.Get("host")
	req.ContentLength = -1 // forces Transfer-Encoding: chunked

	resp, err := client.Do(req)
	if err != nil {
		emitError(w, cfg)
		return
	}
	defer resp.Body.Close()

	copyResponseHeaders(w.Header(), resp.Header)
	w.Header().Del("Content-Length") // the relayed response is always chunked
	w.WriteHeader(resp.StatusCode)
	flusher, _ := w.(http.Flusher)

	buf := make([]byte, chunkSize)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			if _, writeErr := w.Write(buf[:n]); writeErr != nil {
				return // client gone: abort without further writes
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if readErr == io.EOF {
			return
		}
		if readErr != nil {
			return // mid-stream read failure: client already has a 200, abort
		}
		select {
		case <-ctx.Done():
			return
		default:
		}
	}
}

// copyResponseHeaders copies src into dst, stripping hop-by-hop headers.
// Backend status codes are never altered by this step.
func copyResponseHeaders(dst http.Header, src http.Header) {
	filtered := headers.StripHopByHop(src, false)
	for name, values := range filtered {
		dst[http.CanonicalHeaderKey(name)] = values
	}
}

// emitError writes cfg.ErrorResponse as a text/plain body. It is the sole
// site that synthesizes a generic backend-origin failure, so every 502
// consults the same configured error_response.
func emitError(w http.ResponseWriter, cfg *config.Config) {
	writeError(w, cfg.ErrorResponse.Status, cfg.ErrorResponse.Reason)
}

func writeError(w http.ResponseWriter, status int, reason string) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(status)
	_, _ = io.WriteString(w, reason)
}
