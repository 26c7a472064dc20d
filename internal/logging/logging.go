// Package logging provides reverseit's console and structured logger,
// shared by the HTTP engine, the WebSocket tunnel and the demo host.
package logging

import (
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/gorilla/websocket"
	"github.com/lmittmann/tint"

	"reverseit/writer"
)

// Predefined styles for the verbose console dump.
var (
	methodStyle       = color.New(color.FgHiWhite, color.BgGreen).SprintFunc()
	detailStyle       = color.New(color.FgHiWhite, color.BgRed).SprintFunc()
	boldWhiteStyle    = color.New(color.FgWhite, color.Bold).SprintFunc()
	urlStyle          = color.New(color.FgHiWhite, color.BgHiCyan).SprintFunc()
	headersStyle      = color.New(color.FgHiWhite, color.BgHiMagenta).SprintFunc()
	statusStyle       = color.New(color.FgHiWhite, color.BgYellow).SprintFunc()
	responseTimeStyle = color.New(color.FgHiWhite, color.BgHiYellow).SprintFunc()
)

// New builds a slog.Logger at the given level ("debug", "info", "warn",
// "error"), rendering to stdout through tint's colorized console handler.
func New(level string) *slog.Logger {
	levelVar := new(slog.LevelVar)

	var logLevel slog.Level
	switch level {
	case "debug":
		logLevel = slog.LevelDebug
	case "warn":
		logLevel = slog.LevelWarn
	case "error":
		logLevel = slog.LevelError
	default:
		logLevel = slog.LevelInfo
	}
	levelVar.Set(logLevel)

	handler := tint.NewHandler(os.Stdout, &tint.Options{Level: levelVar})
	return slog.New(handler)
}

// LogRequestVerbose logs a detailed, colorized dump of a request/response
// pair for debugging purposes.
func LogRequestVerbose(logger *slog.Logger, r *http.Request, statusCode int, duration time.Duration) {
	var sb strings.Builder
	sb.WriteString("\n")
	sb.WriteString(detailStyle("----------- Request Details -----------"))
	sb.WriteString("\n\n")
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", methodStyle("Method:"), boldWhiteStyle(r.Method)))
	sb.WriteString(fmt.Sprintf("%s: %s\n\n", urlStyle("URL:"), boldWhiteStyle(r.URL.String())))

	sb.WriteString(headersStyle("Request Headers:"))
	sb.WriteString("\n")
	for name, values := range r.Header {
		for _, v := range values {
			sb.WriteString(fmt.Sprintf("\t%s: %s\n", boldWhiteStyle(name), v))
		}
	}

	sb.WriteString("\n")
	sb.WriteString(fmt.Sprintf("%s: %d\n\n", statusStyle("Status Code:"), statusCode))
	sb.WriteString(fmt.Sprintf("%s: %.6f seconds\n\n", boldWhiteStyle("Response Time:"), duration.Seconds()))
	sb.WriteString(detailStyle("----------------------------------------"))

	logger.Debug("verbose request details", slog.String("formatted_output", sb.String()))
}

// LogRequestCompact logs one structured line per proxied request.
func LogRequestCompact(logger *slog.Logger, r *http.Request, statusCode int, duration time.Duration) {
	logger.Info("http request proxied",
		slog.String("client_ip", r.RemoteAddr),
		slog.String("method", r.Method),
		slog.String("path", r.URL.Path),
		slog.String("protocol", r.Proto),
		slog.Int("status_code", statusCode),
		slog.String("user_agent", r.Header.Get("User-Agent")),
		slog.Float64("duration_seconds", duration.Seconds()),
	)
}

// LogWebSocketFrame logs a single WebSocket frame crossing the tunnel in
// either direction, identified by tunnelID (the per-tunnel id the tunnel
// package generates).
func LogWebSocketFrame(logger *slog.Logger, tunnelID, direction string, frameType int, payload []byte, err error, duration time.Duration) {
	attrs := []any{
		slog.String("tunnel_id", tunnelID),
		slog.String("direction", direction),
		slog.String("frame_type", frameTypeString(frameType)),
		slog.Float64("duration_seconds", duration.Seconds()),
	}

	if err != nil {
		logger.Error("websocket frame error", append(attrs, slog.String("error", err.Error()))...)
		return
	}

	switch frameType {
	case websocket.TextMessage:
		logger.Debug("websocket text frame", append(attrs, slog.String("content", truncate(payload)))...)
	case websocket.PingMessage, websocket.PongMessage:
		logger.Debug("websocket control frame", attrs...)
	default:
		logger.Debug("websocket frame", append(attrs, slog.Int("size_bytes", len(payload)))...)
	}
}

// LogResponseMetrics logs the status code and byte count recorded by a
// writer.ResponseWriter for a proxied request's response leg.
func LogResponseMetrics(logger *slog.Logger, path string, metrics writer.ResponseMetrics) {
	logger.Debug("response completed",
		slog.String("path", path),
		slog.Int("status_code", metrics.StatusCode),
		slog.Int64("bytes_written", metrics.BytesWritten),
	)
}

func truncate(b []byte) string {
	const max = 100
	if len(b) > max {
		return string(b[:max]) + "..."
	}
	return string(b)
}

func frameTypeString(t int) string {
	switch t {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.CloseMessage:
		return "close"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	default:
		return "unknown"
	}
}
