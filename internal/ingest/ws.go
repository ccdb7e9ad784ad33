package ingest

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/doorcast/relay/internal/directory"
	"github.com/doorcast/relay/internal/media"
	"github.com/doorcast/relay/internal/metrics"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/stream"
	"github.com/doorcast/relay/internal/wire"
)

// Device WebSocket timing and limits.
const (
	writeTimeout   = 5 * time.Second
	pongWait       = 30 * time.Second
	pingInterval   = pongWait * 9 / 10
	maxMessageSize = 4 << 20
)

// WSConfig wires a WSGateway to its collaborators.
type WSConfig struct {
	Devices   Devices
	Pipelines Pipelines
	Registry  *Registry
	Sequence  reorder.SequenceConfig
	Metrics   *metrics.Metrics
	Logger    *slog.Logger
}

// WSGateway serves device WebSockets at /ingest/{deviceID}. Each binary
// message is one frame in the wire.WSFrame format.
type WSGateway struct {
	cfg      WSConfig
	log      *slog.Logger
	upgrader websocket.Upgrader
}

// NewWSGateway creates the WebSocket ingest handler.
func NewWSGateway(cfg WSConfig) *WSGateway {
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &WSGateway{
		cfg: cfg,
		log: log.With("component", "ws-ingest"),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  64 * 1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
}

func (g *WSGateway) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "deviceID")
	if deviceID == "" {
		http.Error(w, "missing device id", http.StatusBadRequest)
		return
	}
	if _, err := g.cfg.Devices.Lookup(r.Context(), deviceID); err != nil {
		if errors.Is(err, directory.ErrDeviceNotFound) {
			g.log.Info("unknown device", "device", deviceID)
			http.Error(w, "unknown device", http.StatusNotFound)
			return
		}
		g.log.Error("device lookup failed", "device", deviceID, "error", err)
		http.Error(w, "device lookup failed", http.StatusInternalServerError)
		return
	}

	ws, err := g.upgrader.Upgrade(w, r, nil)
	if err != nil {
		g.log.Debug("device upgrade failed", "device", deviceID, "error", err)
		return
	}
	defer ws.Close()

	connID := uuid.NewString()
	log := g.log.With("device", deviceID, "conn", connID)

	stage := reorder.NewSequenceStage(g.cfg.Sequence)
	p, err := g.cfg.Pipelines.RegisterInbound(r.Context(), deviceID, connID, stage)
	if err != nil {
		if errors.Is(err, stream.ErrConflict) {
			log.Warn("device already streaming")
			closeWith(ws, websocket.ClosePolicyViolation, "device already streaming")
			return
		}
		log.Error("pipeline start failed", "error", err)
		closeWith(ws, websocket.CloseInternalServerErr, "pipeline unavailable")
		return
	}
	defer g.cfg.Pipelines.UnregisterInbound(deviceID, connID)

	c := newConn(connID, deviceID, TransportWebSocket, r.RemoteAddr)
	g.cfg.Registry.Add(c)
	defer g.cfg.Registry.Remove(connID)
	log.Info("device connected", "remote", r.RemoteAddr)

	stop := make(chan struct{})
	defer close(stop)
	go keepalive(ws, stop, r.Context().Done())

	err = g.readLoop(ws, p, stage, c, log)
	log.Info("device disconnected", "reason", err, "frames", c.frames.Load())
}

// readLoop decodes binary messages until the connection fails. Sequence
// numbers are assigned per stream in arrival order.
func (g *WSGateway) readLoop(ws *websocket.Conn, p *stream.Pipeline, stage reorder.Stage, c *Conn, log *slog.Logger) error {
	ws.SetReadLimit(maxMessageSize)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	var videoSeq, audioSeq uint32
	for {
		mt, data, err := ws.ReadMessage()
		if err != nil {
			return err
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))
		if mt != websocket.BinaryMessage {
			continue
		}
		c.RecordBytes(len(data))

		wf, ok := wire.DecodeWSFrame(data)
		if !ok {
			c.RecordDrop()
			g.cfg.Metrics.FramesDropped("malformed", 1)
			log.Debug("dropping malformed frame", "size", len(data))
			continue
		}

		f := media.Frame{
			Kind:    wf.Kind,
			Payload: wf.Payload,
			PTS:     int64(wf.PTSMillis),
			DTS:     int64(wf.PTSMillis),
			HasSeq:  true,
			Arrival: time.Now(),
		}
		if wf.Kind == media.KindAudio {
			f.Seq = audioSeq
			audioSeq++
		} else {
			f.Seq = videoSeq
			videoSeq++
		}
		stage.Insert(f)
		p.Notify()
		c.RecordFrame()
		g.cfg.Metrics.FrameReceived(TransportWebSocket, wf.Kind.String())
	}
}

// keepalive pings the device until stop is closed. When done fires first
// the connection is closed so the read loop returns.
func keepalive(ws *websocket.Conn, stop, done <-chan struct{}) {
	ticker := time.NewTicker(pingInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-done:
			closeWith(ws, websocket.CloseGoingAway, "server shutting down")
			_ = ws.Close()
			return
		case <-ticker.C:
			if err := ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				return
			}
		}
	}
}

func closeWith(ws *websocket.Conn, code int, text string) {
	msg := websocket.FormatCloseMessage(code, text)
	_ = ws.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout))
}
