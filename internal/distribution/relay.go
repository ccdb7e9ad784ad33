package distribution

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/doorcast/relay/internal/metrics"
)

// Viewer connection timing.
const (
	DefaultWaitTimeout = 10 * time.Second
	writeTimeout       = 5 * time.Second
	pongWait           = 30 * time.Second
	pingInterval       = pongWait * 9 / 10
)

// Authorizer validates viewer tokens and device access.
type Authorizer interface {
	ValidateToken(ctx context.Context, token string) (viewerID string, err error)
	CanView(ctx context.Context, viewerID, deviceID string) (bool, error)
}

// Pipelines attaches viewers to live pipelines. AttachViewer waits up to
// wait for the device's pipeline to become active and registers connID as
// an outbound subscriber.
type Pipelines interface {
	AttachViewer(ctx context.Context, deviceID, connID string, wait time.Duration) (*Broadcaster, error)
	DetachViewer(deviceID, connID string)
}

// RelayConfig wires a Relay to its collaborators.
type RelayConfig struct {
	Auth        Authorizer
	Pipelines   Pipelines
	WaitTimeout time.Duration
	Metrics     *metrics.Metrics
	Logger      *slog.Logger
}

// Relay serves viewer WebSockets at /watch/{deviceID}. Each viewer receives
// the init segment, the replay buffer, then live clusters as binary
// messages.
type Relay struct {
	auth      Authorizer
	pipelines Pipelines
	wait      time.Duration
	metrics   *metrics.Metrics
	log       *slog.Logger
	upgrader  websocket.Upgrader
}

// NewRelay creates the viewer handler.
func NewRelay(cfg RelayConfig) *Relay {
	if cfg.WaitTimeout <= 0 {
		cfg.WaitTimeout = DefaultWaitTimeout
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Relay{
		auth:      cfg.Auth,
		pipelines: cfg.Pipelines,
		wait:      cfg.WaitTimeout,
		metrics:   cfg.Metrics,
		log:       log.With("component", "relay"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 64 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (rl *Relay) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}

	token := bearerToken(r)
	if token == "" {
		http.Error(w, "missing token", http.StatusUnauthorized)
		return
	}
	viewerID, err := rl.auth.ValidateToken(r.Context(), token)
	if err != nil {
		rl.log.Info("viewer token rejected", "device", deviceID, "error", err)
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}
	allowed, err := rl.auth.CanView(r.Context(), viewerID, deviceID)
	if err != nil {
		rl.log.Error("access check failed", "device", deviceID, "viewer", viewerID, "error", err)
		http.Error(w, "access check failed", http.StatusInternalServerError)
		return
	}
	if !allowed {
		http.Error(w, "forbidden", http.StatusForbidden)
		return
	}

	conn, err := rl.upgrader.Upgrade(w, r, nil)
	if err != nil {
		rl.log.Debug("viewer upgrade failed", "device", deviceID, "error", err)
		return
	}
	defer conn.Close()

	connID := uuid.NewString()
	log := rl.log.With("device", deviceID, "conn", connID, "viewer", viewerID)

	b, err := rl.pipelines.AttachViewer(r.Context(), deviceID, connID, rl.wait)
	if err != nil {
		log.Info("no stream for viewer", "error", err)
		closeWith(conn, websocket.CloseTryAgainLater, "stream not available")
		return
	}
	defer rl.pipelines.DetachViewer(deviceID, connID)

	rl.metrics.ViewerConnected()
	defer rl.metrics.ViewerDisconnected()
	log.Info("viewer attached")

	err = rl.stream(conn, b, connID)
	switch {
	case err == nil:
		log.Info("viewer detached")
	case errors.Is(err, errViewerGone):
		log.Info("viewer disconnected")
	default:
		log.Info("viewer stream ended", "error", err)
	}
}

var (
	errViewerGone    = errors.New("viewer closed connection")
	errViewerTooSlow = errors.New("viewer fell behind")
)

// stream sends init, catch-up and live segments until the viewer leaves or
// the pipeline goes away.
func (rl *Relay) stream(conn *websocket.Conn, b *Broadcaster, connID string) error {
	init, catchup, sub := b.Subscribe(connID)
	defer b.Unsubscribe(connID)

	gone := make(chan struct{})
	go readPump(conn, gone)

	send := func(payload []byte) error {
		_ = conn.SetWriteDeadline(time.Now().Add(writeTimeout))
		return conn.WriteMessage(websocket.BinaryMessage, payload)
	}

	if init != nil {
		if err := send(init.Payload); err != nil {
			return err
		}
	}
	for _, seg := range catchup {
		if err := send(seg.Payload); err != nil {
			return err
		}
	}
	rl.metrics.SegmentsSent(len(catchup))

	ping := time.NewTicker(pingInterval)
	defer ping.Stop()

	for {
		select {
		case seg, ok := <-sub.Segments():
			if !ok {
				if sub.Overflowed() {
					rl.metrics.ViewerOverflow()
					closeWith(conn, websocket.ClosePolicyViolation, "viewer too slow")
					return errViewerTooSlow
				}
				closeWith(conn, websocket.CloseNormalClosure, "stream ended")
				return nil
			}
			if err := send(seg.Payload); err != nil {
				return err
			}
			rl.metrics.SegmentsSent(1)
		case <-ping.C:
			if err := conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return err
			}
		case <-gone:
			return errViewerGone
		}
	}
}

// readPump discards viewer messages and closes gone when the connection
// drops or pongs stop arriving.
func readPump(conn *websocket.Conn, gone chan<- struct{}) {
	defer close(gone)
	conn.SetReadLimit(4096)
	_ = conn.SetReadDeadline(time.Now().Add(pongWait))
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(time.Now().Add(pongWait))
	})
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}

func bearerToken(r *http.Request) string {
	if t := r.URL.Query().Get("token"); t != "" {
		return t
	}
	h := r.Header.Get("Authorization")
	if t, ok := strings.CutPrefix(h, "Bearer "); ok {
		return strings.TrimSpace(t)
	}
	return ""
}
