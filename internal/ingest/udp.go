package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/semaphore"

	"github.com/doorcast/relay/internal/fragment"
	"github.com/doorcast/relay/internal/media"
	"github.com/doorcast/relay/internal/metrics"
	"github.com/doorcast/relay/internal/reorder"
	"github.com/doorcast/relay/internal/stream"
	"github.com/doorcast/relay/internal/wire"
)

// UDP session defaults.
const (
	DefaultIdleTimeout       = 30 * time.Second
	DefaultMaxConcurrentAuth = 16
	authTimeout              = 15 * time.Second
	minSweepInterval         = 250 * time.Millisecond
)

// UDPConfig wires a UDPGateway to its collaborators.
type UDPConfig struct {
	Devices   Devices
	Pipelines Pipelines
	Registry  *Registry
	Jitter    reorder.JitterConfig
	// FragmentTimeout bounds incomplete frame assembly; zero selects
	// fragment.DefaultTimeout.
	FragmentTimeout time.Duration
	// IdleTimeout ends sessions that send nothing, keepalives included.
	IdleTimeout time.Duration
	// MaxConcurrentAuth bounds key verifications in flight. Auth packets
	// beyond it are dropped unanswered and the device retries.
	MaxConcurrentAuth int
	Metrics           *metrics.Metrics
	Logger            *slog.Logger
}

// UDPGateway terminates the datagram ingest protocol. Plain UDP shares one
// socket across all devices with a session per remote address; each DTLS
// connection is its own session.
type UDPGateway struct {
	cfg UDPConfig
	log *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session

	authSlots *semaphore.Weighted
	// background authentications and releases
	wg sync.WaitGroup
}

// session is the per-address protocol state. Fields below mu are guarded
// by it.
type session struct {
	key       string
	transport string
	remote    string
	reply     func([]byte) error
	assembler *fragment.Assembler

	mu            sync.Mutex
	lastSeen      time.Time
	authPending   bool
	authenticated bool
	closed        bool
	deviceID      string
	connID        string
	stage         *reorder.JitterStage
	pipeline      *stream.Pipeline
	conn          *Conn
}

// NewUDPGateway creates the datagram gateway.
func NewUDPGateway(cfg UDPConfig) *UDPGateway {
	if cfg.IdleTimeout <= 0 {
		cfg.IdleTimeout = DefaultIdleTimeout
	}
	if cfg.FragmentTimeout <= 0 {
		cfg.FragmentTimeout = fragment.DefaultTimeout
	}
	if cfg.MaxConcurrentAuth <= 0 {
		cfg.MaxConcurrentAuth = DefaultMaxConcurrentAuth
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &UDPGateway{
		cfg:       cfg,
		log:       log.With("component", "udp-ingest"),
		sessions:  make(map[string]*session),
		authSlots: semaphore.NewWeighted(int64(cfg.MaxConcurrentAuth)),
	}
}

// Serve reads datagrams from pc until ctx is cancelled or pc fails. All
// sessions are closed before Serve returns.
func (g *UDPGateway) Serve(ctx context.Context, pc net.PacketConn) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = pc.Close()
	}()
	go g.sweepLoop(ctx)
	defer g.closeAll(TransportUDP)

	g.log.Info("udp ingest listening", "addr", pc.LocalAddr().String())
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		n, addr, err := pc.ReadFrom(buf)
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("udp read: %w", err)
		}
		reply := func(b []byte) error {
			_, err := pc.WriteTo(b, addr)
			return err
		}
		g.handle(ctx, TransportUDP, addr.String(), reply, buf[:n], time.Now())
	}
}

// ServeDTLS accepts DTLS connections from ln until ctx is cancelled. Each
// connection carries the same datagram protocol as plain UDP and its
// session ends when the connection closes.
func (g *UDPGateway) ServeDTLS(ctx context.Context, ln net.Listener) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	go func() {
		<-ctx.Done()
		_ = ln.Close()
	}()
	go g.sweepLoop(ctx)
	defer g.closeAll(TransportDTLS)

	g.log.Info("dtls ingest listening", "addr", ln.Addr().String())
	var conns sync.WaitGroup
	defer conns.Wait()
	for {
		c, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				return nil
			}
			return fmt.Errorf("dtls accept: %w", err)
		}
		conns.Add(1)
		go func() {
			defer conns.Done()
			g.serveConn(ctx, c)
		}()
	}
}

func (g *UDPGateway) serveConn(ctx context.Context, c net.Conn) {
	key := TransportDTLS + "/" + c.RemoteAddr().String()
	stop := context.AfterFunc(ctx, func() { _ = c.Close() })
	defer stop()
	defer func() {
		_ = c.Close()
		g.closeSession(key, "connection closed")
	}()

	reply := func(b []byte) error {
		_ = c.SetWriteDeadline(time.Now().Add(writeTimeout))
		_, err := c.Write(b)
		return err
	}
	buf := make([]byte, wire.MaxDatagramSize)
	for {
		_ = c.SetReadDeadline(time.Now().Add(g.cfg.IdleTimeout))
		n, err := c.Read(buf)
		if err != nil {
			g.log.Debug("dtls connection ended", "remote", c.RemoteAddr().String(), "error", err)
			return
		}
		g.handle(ctx, TransportDTLS, key, reply, buf[:n], time.Now())
	}
}

// handle processes one datagram for the session identified by key.
func (g *UDPGateway) handle(ctx context.Context, transport, key string, reply func([]byte) error, data []byte, now time.Time) {
	pkt, ok := wire.DecodeUDPPacket(data)
	if !ok {
		g.cfg.Metrics.FramesDropped("malformed", 1)
		g.log.Debug("dropping malformed datagram", "remote", key, "size", len(data))
		return
	}

	s := g.session(key, transport, reply)
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.lastSeen = now

	switch {
	case pkt.Type == wire.TypeAuth:
		g.authenticate(ctx, s, pkt)
	case pkt.Type == wire.TypeControl:
		g.control(s, pkt)
	case pkt.IsMedia():
		g.media(s, pkt, now)
	}
}

func (g *UDPGateway) session(key, transport string, reply func([]byte) error) *session {
	g.mu.Lock()
	defer g.mu.Unlock()
	s, ok := g.sessions[key]
	if !ok {
		remote := key
		if transport == TransportDTLS {
			remote = key[len(TransportDTLS)+1:]
		}
		s = &session{
			key:       key,
			transport: transport,
			remote:    remote,
			reply:     reply,
			assembler: fragment.NewAssembler(g.cfg.FragmentTimeout, g.log),
		}
		g.sessions[key] = s
		g.log.Debug("udp session created", "remote", remote, "transport", transport)
	}
	return s
}

// authenticate verifies the device key and registers the session as the
// device's inbound connection. Both steps may block on the directory or on
// transcoder start, so they run off the read loop; media arriving before
// AuthOk is dropped. Called with s.mu held.
func (g *UDPGateway) authenticate(ctx context.Context, s *session, pkt wire.UDPPacket) {
	deviceID, key, ok := wire.ParseAuthPayload(pkt.Payload)
	if !ok {
		g.rejectAuth(s, pkt.Seq, "malformed auth payload", nil)
		return
	}
	if s.authenticated {
		if deviceID == s.deviceID {
			g.sendControl(s, wire.ControlAuthOK, pkt.Seq)
			return
		}
		g.rejectAuth(s, pkt.Seq, "session bound to another device", nil)
		return
	}
	if s.authPending {
		return
	}
	if !g.authSlots.TryAcquire(1) {
		g.cfg.Metrics.FramesDropped("auth_busy", 1)
		g.log.Debug("too many authentications in flight, dropping auth", "remote", s.remote)
		return
	}
	s.authPending = true

	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		defer g.authSlots.Release(1)
		actx, cancel := context.WithTimeout(ctx, authTimeout)
		defer cancel()
		g.completeAuth(actx, s, deviceID, key, pkt.Seq)
	}()
}

func (g *UDPGateway) completeAuth(ctx context.Context, s *session, deviceID, key string, seq uint32) {
	_, authErr := g.cfg.Devices.AuthenticateDevice(ctx, deviceID, key)

	connID := uuid.NewString()
	stage := reorder.NewJitterStage(g.cfg.Jitter)
	var p *stream.Pipeline
	var regErr error
	if authErr == nil {
		p, regErr = g.cfg.Pipelines.RegisterInbound(ctx, deviceID, connID, stage)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.authPending = false

	switch {
	case authErr != nil:
		g.rejectAuth(s, seq, "device authentication failed", authErr)
		return
	case regErr != nil:
		if errors.Is(regErr, stream.ErrConflict) {
			g.rejectAuth(s, seq, "device already streaming", regErr)
		} else {
			g.rejectAuth(s, seq, "pipeline start failed", regErr)
		}
		return
	case s.closed:
		// The session ended while the pipeline was starting.
		g.release(deviceID, connID)
		return
	}

	s.authenticated = true
	s.deviceID = deviceID
	s.connID = connID
	s.stage = stage
	s.pipeline = p
	s.conn = newConn(connID, deviceID, s.transport, s.remote)
	s.conn.fragments = s.assembler.Stats
	g.cfg.Registry.Add(s.conn)
	g.sendControl(s, wire.ControlAuthOK, seq)
	g.log.Info("device authenticated", "device", deviceID, "conn", connID, "remote", s.remote, "transport", s.transport)
}

func (g *UDPGateway) rejectAuth(s *session, seq uint32, reason string, err error) {
	g.cfg.Metrics.AuthFailure(s.transport)
	g.log.Warn("udp auth rejected", "remote", s.remote, "reason", reason, "error", err)
	g.sendControl(s, wire.ControlAuthFail, seq)
}

// control handles control packets. Called with s.mu held.
func (g *UDPGateway) control(s *session, pkt wire.UDPPacket) {
	ct, ok := wire.ParseControl(pkt)
	if !ok {
		g.log.Debug("empty control packet", "remote", s.remote)
		return
	}
	switch ct {
	case wire.ControlKeepalive:
		g.sendControl(s, wire.ControlKeepalive, pkt.Seq)
	case wire.ControlStreamEnd:
		g.log.Info("device ended stream", "device", s.deviceID, "remote", s.remote)
		g.endLocked(s, "stream end")
	default:
		g.log.Debug("ignoring control packet", "remote", s.remote, "type", ct)
	}
}

// media routes a media fragment through the assembler into the session's
// jitter stage. Called with s.mu held.
func (g *UDPGateway) media(s *session, pkt wire.UDPPacket, now time.Time) {
	if !s.authenticated {
		g.cfg.Metrics.FramesDropped("unauthenticated", 1)
		g.log.Debug("dropping media from unauthenticated session", "remote", s.remote, "type", pkt.Type)
		return
	}
	s.conn.RecordBytes(len(pkt.Payload))

	payload, complete := s.assembler.Add(pkt, now)
	if !complete {
		return
	}
	kind := media.KindVideo
	if pkt.Type == wire.TypeAudio {
		kind = media.KindAudio
	}
	s.stage.Insert(media.Frame{
		Kind:    kind,
		Payload: payload,
		PTS:     int64(pkt.PTS),
		DTS:     int64(pkt.PTS),
		Arrival: now,
	})
	s.pipeline.Notify()
	s.conn.RecordFrame()
	g.cfg.Metrics.FrameReceived(s.transport, kind.String())
}

func (g *UDPGateway) sendControl(s *session, ct wire.ControlType, seq uint32) {
	if err := s.reply(wire.ControlPacket(ct, seq)); err != nil {
		g.log.Debug("control reply failed", "remote", s.remote, "error", err)
	}
}

// endLocked closes s and releases its inbound registration. Called with
// s.mu held.
func (g *UDPGateway) endLocked(s *session, reason string) {
	if s.closed {
		return
	}
	s.closed = true

	g.mu.Lock()
	if g.sessions[s.key] == s {
		delete(g.sessions, s.key)
	}
	g.mu.Unlock()

	if !s.authenticated {
		g.log.Debug("udp session closed", "remote", s.remote, "reason", reason)
		return
	}
	s.authenticated = false
	g.cfg.Registry.Remove(s.connID)
	g.log.Info("device session closed", "device", s.deviceID, "conn", s.connID, "reason", reason,
		"frames", s.conn.frames.Load())
	g.release(s.deviceID, s.connID)
}

// release unregisters an inbound connection in the background; teardown
// may wait on the transcoder and must not stall other sessions.
func (g *UDPGateway) release(deviceID, connID string) {
	g.wg.Add(1)
	go func() {
		defer g.wg.Done()
		g.cfg.Pipelines.UnregisterInbound(deviceID, connID)
	}()
}

func (g *UDPGateway) closeSession(key, reason string) {
	g.mu.Lock()
	s, ok := g.sessions[key]
	g.mu.Unlock()
	if !ok {
		return
	}
	s.mu.Lock()
	g.endLocked(s, reason)
	s.mu.Unlock()
}

// closeAll ends every session of the given transport and waits for
// background work to finish.
func (g *UDPGateway) closeAll(transport string) {
	for _, s := range g.snapshot() {
		if s.transport != transport {
			continue
		}
		s.mu.Lock()
		g.endLocked(s, "shutdown")
		s.mu.Unlock()
	}
	g.wg.Wait()
}

func (g *UDPGateway) snapshot() []*session {
	g.mu.Lock()
	defer g.mu.Unlock()
	out := make([]*session, 0, len(g.sessions))
	for _, s := range g.sessions {
		out = append(out, s)
	}
	return out
}

// sweepInterval is frequent enough to expire incomplete frames close to
// the fragment timeout, not just idle sessions.
func (g *UDPGateway) sweepInterval() time.Duration {
	return max(min(g.cfg.IdleTimeout/4, g.cfg.FragmentTimeout/2), minSweepInterval)
}

func (g *UDPGateway) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(g.sweepInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			g.Sweep(now)
		}
	}
}

// Sweep ends sessions idle longer than the idle timeout and drops stale
// fragment assemblies. It returns the number of sessions ended.
func (g *UDPGateway) Sweep(now time.Time) int {
	ended := 0
	for _, s := range g.snapshot() {
		if n := s.assembler.Expire(now); n > 0 {
			g.cfg.Metrics.FramesDropped("fragment_timeout", n)
		}
		s.mu.Lock()
		if !s.closed && !s.authPending && now.Sub(s.lastSeen) > g.cfg.IdleTimeout {
			g.endLocked(s, "idle timeout")
			ended++
		}
		s.mu.Unlock()
	}
	g.cfg.Metrics.SetUDPSessions(g.Sessions())
	return ended
}

// Sessions returns the number of open sessions.
func (g *UDPGateway) Sessions() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.sessions)
}
