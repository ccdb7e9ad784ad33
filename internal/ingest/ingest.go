// Package ingest accepts device connections over WebSocket and UDP/DTLS,
// decodes their frames and routes them into the owning pipeline's
// reordering stage.
package ingest

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/doorcast/relay/internal/directory"
	"github.com/doorcast/relay/internal/fragment"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/stream"
)

// Transport names used in metrics labels and connection stats.
const (
	TransportWebSocket = "websocket"
	TransportUDP       = "udp"
	TransportDTLS      = "dtls"
)

// Devices resolves and authenticates devices.
type Devices interface {
	Lookup(ctx context.Context, deviceID string) (directory.Device, error)
	AuthenticateDevice(ctx context.Context, deviceID, key string) (directory.Device, error)
}

// Pipelines registers inbound connections with the pipeline manager.
type Pipelines interface {
	RegisterInbound(ctx context.Context, deviceID, connID string, stage reorder.Stage) (*stream.Pipeline, error)
	UnregisterInbound(deviceID, connID string)
}

// ConnStats captures connection-level counters for one device connection,
// exposed via the debug API for monitoring source health.
type ConnStats struct {
	ConnID        string `json:"connId"`
	DeviceID      string `json:"deviceId"`
	Transport     string `json:"transport"`
	RemoteAddr    string `json:"remoteAddr"`
	BytesReceived int64  `json:"bytesReceived"`
	Frames        int64  `json:"frames"`
	Dropped       int64  `json:"dropped"`
	ConnectedAt   int64  `json:"connectedAt"`
	UptimeMs      int64  `json:"uptimeMs"`
	// Fragments is set for datagram transports.
	Fragments *fragment.Stats `json:"fragments,omitempty"`
}

// Conn is one registered device connection.
type Conn struct {
	ID         string
	DeviceID   string
	Transport  string
	RemoteAddr string
	StartedAt  time.Time

	bytesReceived atomic.Int64
	frames        atomic.Int64
	dropped       atomic.Int64
	fragments     func() fragment.Stats
}

func newConn(id, deviceID, transport, remote string) *Conn {
	return &Conn{
		ID:         id,
		DeviceID:   deviceID,
		Transport:  transport,
		RemoteAddr: remote,
		StartedAt:  time.Now(),
	}
}

// RecordBytes counts payload bytes received on the connection.
func (c *Conn) RecordBytes(n int) { c.bytesReceived.Add(int64(n)) }

// RecordFrame counts a frame handed to the reordering stage.
func (c *Conn) RecordFrame() { c.frames.Add(1) }

// RecordDrop counts a message that could not be used.
func (c *Conn) RecordDrop() { c.dropped.Add(1) }

// Stats returns a snapshot of the connection counters.
func (c *Conn) Stats() ConnStats {
	st := ConnStats{
		ConnID:        c.ID,
		DeviceID:      c.DeviceID,
		Transport:     c.Transport,
		RemoteAddr:    c.RemoteAddr,
		BytesReceived: c.bytesReceived.Load(),
		Frames:        c.frames.Load(),
		Dropped:       c.dropped.Load(),
		ConnectedAt:   c.StartedAt.UnixMilli(),
		UptimeMs:      time.Since(c.StartedAt).Milliseconds(),
	}
	if c.fragments != nil {
		fs := c.fragments()
		st.Fragments = &fs
	}
	return st
}

// Registry tracks active device connections across both gateways. It is
// safe for concurrent use; a nil Registry ignores every call.
type Registry struct {
	mu    sync.RWMutex
	conns map[string]*Conn
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	return &Registry{conns: make(map[string]*Conn)}
}

// Add registers c under its connection id.
func (r *Registry) Add(c *Conn) {
	if r == nil {
		return
	}
	r.mu.Lock()
	r.conns[c.ID] = c
	r.mu.Unlock()
}

// Remove drops a connection. Unknown ids are ignored.
func (r *Registry) Remove(connID string) {
	if r == nil {
		return
	}
	r.mu.Lock()
	delete(r.conns, connID)
	r.mu.Unlock()
}

// Get returns the connection with the given id.
func (r *Registry) Get(connID string) (*Conn, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	c, ok := r.conns[connID]
	return c, ok
}

// List returns stats for every connection, ordered by device then start.
func (r *Registry) List() []ConnStats {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	out := make([]ConnStats, 0, len(r.conns))
	for _, c := range r.conns {
		out = append(out, c.Stats())
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool {
		if out[i].DeviceID != out[j].DeviceID {
			return out[i].DeviceID < out[j].DeviceID
		}
		return out[i].ConnectedAt < out[j].ConnectedAt
	})
	return out
}
