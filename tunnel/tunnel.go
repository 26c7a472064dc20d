// Package tunnel implements the WebSocket tunnel: an opportunistic
// backend upgrade performed while the client side has already been
// accepted, a pending-frame buffer bridging the window before the
// backend's 101 arrives, and a bidirectional frame broker for the life
// of the connection.
package tunnel

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"reverseit/config"
	"reverseit/headers"
	"reverseit/internal/logging"
	"reverseit/internal/metrics"
	"reverseit/pathrewrite"
	"reverseit/pool"
)

// clientUpgrader accepts the inbound client upgrade immediately; origin
// policy and deep subprotocol negotiation are out of scope.
var clientUpgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// Deps bundles the tunnel's optional collaborators.
type Deps struct {
	Metrics *metrics.Registry
	Logger  *slog.Logger
}

// source identifies which leg of the tunnel produced an event.
type source int

const (
	sourceClient source = iota
	sourceBackend
)

func (s source) directionInto() string {
	if s == sourceClient {
		return "client_to_backend"
	}
	return "backend_to_client"
}

// frame is one WebSocket message, data or control.
type frame struct {
	msgType int
	data    []byte
}

// event is what a readLoop goroutine posts to the tunnel's single event
// loop: either a frame or a terminal error for that side.
type event struct {
	src   source
	frame frame
	err   error
}

// Upgrade accepts the client-side WebSocket upgrade for r and, on success,
// runs the tunnel to completion. The client handshake does not wait on the
// backend's 101: it completes first, and the backend connection is
// negotiated concurrently in the background while client frames are
// buffered.
//
// Upgrade blocks until the tunnel closes: the hijack performed by
// clientUpgrader.Upgrade already takes over the connection, so the inbound
// request goroutine hosts the tunnel for its whole lifetime.
func Upgrade(cfg *config.Config, deps Deps, w http.ResponseWriter, r *http.Request) error {
	clientConn, err := clientUpgrader.Upgrade(w, r, nil)
	if err != nil {
		return fmt.Errorf("reverseit: websocket upgrade failed: %w", err)
	}

	t := &tunnel{cfg: cfg, deps: deps, id: uuid.NewString()}
	t.run(r.Context(), clientConn, r)
	return nil
}

type tunnel struct {
	cfg  *config.Config
	deps Deps
	id   string
}

// run drives the tunnel's single event loop from INIT through CLOSED. It
// owns both sockets: no other goroutine mutates tunnel state directly.
func (t *tunnel) run(ctx context.Context, clientConn *websocket.Conn, r *http.Request) {
	events := make(chan event, 32)
	go readLoop(clientConn, sourceClient, events)

	backendReady := make(chan *websocket.Conn, 1)
	backendFailed := make(chan error, 1)
	go func() {
		conn, err := dialBackend(ctx, t.cfg, r)
		if err != nil {
			backendFailed <- err
			return
		}
		backendReady <- conn
	}()

	if t.deps.Metrics != nil {
		t.deps.Metrics.TunnelOpened()
	}

	var backendConn *websocket.Conn
	var pending []frame

	defer func() {
		if backendConn != nil {
			backendConn.Close()
		}
		clientConn.Close()
		if t.deps.Metrics != nil {
			t.deps.Metrics.TunnelClosed()
		}
	}()

	for {
		select {
		case conn := <-backendReady:
			backendConn = conn
			backendReady = nil
			go readLoop(backendConn, sourceBackend, events)
			for _, f := range pending {
				t.forward(backendConn, sourceClient, f)
			}
			pending = nil

		case err := <-backendFailed:
			backendFailed = nil
			t.logError("backend upgrade rejected", err)
			_ = clientConn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseInternalServerErr, "backend upgrade failed"),
				time.Now().Add(time.Second))
			return

		case ev := <-events:
			if ev.err != nil {
				return
			}
			if t.handle(ev, clientConn, &backendConn, &pending) {
				return
			}

		case <-ctx.Done():
			return
		}
	}
}

// handle processes one frame event, mutating pending when the backend is
// not yet connected. It returns true when the tunnel should terminate.
func (t *tunnel) handle(ev event, clientConn *websocket.Conn, backendConn **websocket.Conn, pending *[]frame) bool {
	switch ev.src {
	case sourceClient:
		if *backendConn == nil {
			switch ev.frame.msgType {
			case websocket.PingMessage, websocket.PongMessage:
				// dropped silently while waiting on the backend's 101
			case websocket.CloseMessage:
				return true
			default:
				*pending = append(*pending, ev.frame)
			}
			return false
		}
		t.forward(*backendConn, sourceClient, ev.frame)
		return ev.frame.msgType == websocket.CloseMessage

	case sourceBackend:
		t.forward(clientConn, sourceBackend, ev.frame)
		return ev.frame.msgType == websocket.CloseMessage
	}
	return false
}

// forward writes f to dst (the opposite leg from src) and records the hop.
func (t *tunnel) forward(dst *websocket.Conn, src source, f frame) {
	t.writeFrame(dst, f)
	if t.deps.Metrics != nil {
		t.deps.Metrics.RecordTunnelFrame(src.directionInto(), frameTypeLabel(f.msgType))
	}
	if t.deps.Logger != nil {
		logging.LogWebSocketFrame(t.deps.Logger, t.id, src.directionInto(), f.msgType, f.data, nil, 0)
	}
}

func (t *tunnel) writeFrame(conn *websocket.Conn, f frame) {
	var err error
	switch f.msgType {
	case websocket.TextMessage, websocket.BinaryMessage:
		err = conn.WriteMessage(f.msgType, f.data)
	case websocket.PingMessage, websocket.PongMessage, websocket.CloseMessage:
		err = conn.WriteControl(f.msgType, f.data, time.Now().Add(5*time.Second))
	}
	if err != nil && t.deps.Logger != nil {
		logging.LogWebSocketFrame(t.deps.Logger, t.id, "write", f.msgType, nil, err, 0)
	}
}

func (t *tunnel) logError(msg string, err error) {
	if t.deps.Logger != nil {
		t.deps.Logger.Error(msg, slog.String("tunnel_id", t.id), slog.String("error", err.Error()))
	}
}

func frameTypeLabel(t int) string {
	switch t {
	case websocket.TextMessage:
		return "text"
	case websocket.BinaryMessage:
		return "binary"
	case websocket.PingMessage:
		return "ping"
	case websocket.PongMessage:
		return "pong"
	case websocket.CloseMessage:
		return "close"
	default:
		return "unknown"
	}
}

// readLoop drains conn, posting every data frame and every control frame
// (ping/pong/close, captured via the handlers below rather than gorilla's
// default auto-reply behavior) to events as a src-tagged event. It exits,
// posting a terminal event, on the first read error.
func readLoop(conn *websocket.Conn, src source, events chan<- event) {
	conn.SetPingHandler(func(appData string) error {
		events <- event{src: src, frame: frame{msgType: websocket.PingMessage, data: []byte(appData)}}
		return nil
	})
	conn.SetPongHandler(func(appData string) error {
		events <- event{src: src, frame: frame{msgType: websocket.PongMessage, data: []byte(appData)}}
		return nil
	})
	conn.SetCloseHandler(func(code int, text string) error {
		events <- event{src: src, frame: frame{msgType: websocket.CloseMessage, data: websocket.FormatCloseMessage(code, text)}}
		return nil
	})

	for {
		msgType, data, err := conn.ReadMessage()
		if err != nil {
			events <- event{src: src, err: err}
			return
		}
		events <- event{src: src, frame: frame{msgType: msgType, data: data}}
	}
}

// dialBackend performs the backend-side upgrade (the
// INIT→CONNECTING→AWAITING_101 transition): opens TCP/TLS honoring
// connect_timeout_ms, applies the header policy (hop-by-hop + WebSocket
// strip list), and waits for the 101 within timeout_ms.
func dialBackend(ctx context.Context, cfg *config.Config, r *http.Request) (*websocket.Conn, error) {
	scheme := "ws"
	if cfg.Scheme == "https" || cfg.Scheme == "wss" {
		scheme = "wss"
	}
	target := fmt.Sprintf("%s://%s%s", scheme, net.JoinHostPort(cfg.Host, strconv.Itoa(cfg.Port)),
		pathrewrite.Rewrite(r.URL.Path, cfg.StripPath, cfg.PathPrefix, r.URL.RawQuery))

	reqHeader := backendUpgradeHeaders(cfg, r)

	dial := func(ctx context.Context, _, _ string) (net.Conn, error) {
		return pool.DialBackend(ctx, cfg.Scheme, cfg.Host, cfg.Port, cfg.ConnectTimeout(), cfg.VerifyTLS)
	}
	dialer := &websocket.Dialer{
		HandshakeTimeout: cfg.Timeout(),
		// NetDialContext covers plain ws:// dials; NetDialTLSContext covers
		// wss:// ones and is trusted to hand back an already-handshaked
		// connection, so gorilla doesn't redo the TLS handshake that
		// pool.DialBackend already performed.
		NetDialContext:    dial,
		NetDialTLSContext: dial,
	}

	conn, resp, err := dialer.DialContext(ctx, target, reqHeader)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("reverseit: backend upgrade rejected with status %d: %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("reverseit: backend connect failed: %w", err)
	}
	return conn, nil
}

// backendUpgradeHeaders applies the header policy to the upgrade request
// sent to the backend. Sec-WebSocket-* and hop-by-hop
// headers are stripped; the Dialer regenerates its own. The backend Host
// header is implied by dialing cfg.Host:cfg.Port directly rather than set
// explicitly, since Go's WebSocket dialer derives the wire Host from the
// dial target, not from a header entry.
func backendUpgradeHeaders(cfg *config.Config, r *http.Request) http.Header {
	out := headers.StripHopByHop(r.Header, true)
	delete(out, "Host")
	delete(out, "host")

	remoteIP := r.RemoteAddr
	if host, _, err := net.SplitHostPort(remoteIP); err == nil {
		remoteIP = host
	}
	inboundScheme := "http"
	if r.TLS != nil {
		inboundScheme = "https"
	}
	headers.ApplyForwarded(out, remoteIP, inboundScheme, r.Host)

	headers.Remove(out, cfg.RemoveHeaders)
	headers.AddPairs(out, cfg.AddHeaders)

	return out
}
