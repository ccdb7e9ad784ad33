package ingest

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"

	"github.com/doorcast/relay/internal/media"
	"github.com/doorcast/relay/internal/wire"
)

func newIngestServer(t *testing.T, h *harness) (*httptest.Server, *Registry) {
	t.Helper()
	reg := NewRegistry()
	gw := NewWSGateway(WSConfig{Devices: h.devices, Pipelines: h.manager, Registry: reg})
	r := chi.NewRouter()
	r.Get("/ingest/{deviceID}", gw.ServeHTTP)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return srv, reg
}

func wsURL(srv *httptest.Server, path string) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http") + path
}

func dialDevice(t *testing.T, srv *httptest.Server, deviceID string) *websocket.Conn {
	t.Helper()
	conn, _, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ingest/"+deviceID), nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func sendFrame(t *testing.T, conn *websocket.Conn, kind media.StreamKind, pts int32, payload string) {
	t.Helper()
	msg := wire.EncodeWSFrame(wire.WSFrame{Kind: kind, PTSMillis: pts, Payload: []byte(payload)})
	if err := conn.WriteMessage(websocket.BinaryMessage, msg); err != nil {
		t.Fatalf("write: %v", err)
	}
}

func TestWSUnknownDevice(t *testing.T) {
	t.Parallel()
	srv, _ := newIngestServer(t, newHarness(t))

	_, resp, err := websocket.DefaultDialer.Dial(wsURL(srv, "/ingest/nobody"), nil)
	if err == nil {
		t.Fatal("dial succeeded, want rejection")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Fatalf("response = %v, want 404", resp)
	}
}

func TestWSFramesReachTranscoder(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reg := newIngestServer(t, h)

	conn := dialDevice(t, srv, "D1")
	defer conn.Close()

	sendFrame(t, conn, media.KindVideo, 0, "v0")
	sendFrame(t, conn, media.KindAudio, 0, "a0")
	sendFrame(t, conn, media.KindVideo, 33, "v1")
	if err := conn.WriteMessage(websocket.TextMessage, []byte("ignored")); err != nil {
		t.Fatal(err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, []byte{0x00}); err != nil {
		t.Fatal(err)
	}
	sendFrame(t, conn, media.KindAudio, 21, "a1")

	got := h.waitFrames(t, "D1", 4)
	want := []string{"v0", "a0", "a1", "v1"}
	for i, w := range want {
		if got[i].payload != w {
			t.Errorf("frame %d: got %q, want %q (all: %+v)", i, got[i].payload, w, got)
		}
	}

	list := reg.List()
	if len(list) != 1 || list[0].Frames != 4 || list[0].Dropped != 1 {
		t.Errorf("registry: %+v", list)
	}
}

func TestWSSecondConnectionRejected(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, _ := newIngestServer(t, h)

	first := dialDevice(t, srv, "D1")
	defer first.Close()
	sendFrame(t, first, media.KindVideo, 0, "v0")
	h.waitFrames(t, "D1", 1)

	second := dialDevice(t, srv, "D1")
	defer second.Close()
	_ = second.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, _, err := second.ReadMessage()
	if !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("second connection: got %v, want close 1008", err)
	}
	if h.manager.Get("D1") == nil {
		t.Fatal("existing pipeline must survive the rejected connection")
	}
}

func TestWSDisconnectTearsDown(t *testing.T) {
	t.Parallel()
	h := newHarness(t)
	srv, reg := newIngestServer(t, h)

	conn := dialDevice(t, srv, "D1")
	sendFrame(t, conn, media.KindVideo, 0, "v0")
	h.waitFrames(t, "D1", 1)

	_ = conn.Close()
	h.waitGone(t, "D1")

	deadline := time.Now().Add(2 * time.Second)
	for len(reg.List()) != 0 && time.Now().Before(deadline) {
		time.Sleep(5 * time.Millisecond)
	}
	if n := len(reg.List()); n != 0 {
		t.Errorf("registry still has %d connections", n)
	}
}
