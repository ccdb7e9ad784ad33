package transcode

import (
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"time"
)

// Transport selects how frames travel from the engine to the transcoder
// process. All transports look the same to callers of FeedVideo/FeedAudio.
type Transport string

// Supported transports.
const (
	// TransportPipe hands anonymous pipes to the child as extra file
	// descriptors (fd 3 for video, fd 4 for audio).
	TransportPipe Transport = "pipe"
	// TransportTCP listens on loopback ports the transcoder connects to.
	TransportTCP Transport = "tcp"
	// TransportFIFO creates named pipes in the pipeline working directory.
	TransportFIFO Transport = "fifo"
)

// ParseTransport maps a configuration string to a Transport.
func ParseTransport(s string) (Transport, error) {
	switch t := Transport(s); t {
	case TransportPipe, TransportTCP, TransportFIFO:
		return t, nil
	case "":
		return TransportPipe, nil
	default:
		return "", fmt.Errorf("transcode: unknown transport %q", s)
	}
}

// tcpAcceptTimeout bounds how long a loopback sink waits for the transcoder
// to connect.
const tcpAcceptTimeout = 10 * time.Second

// frameSink is one input channel into the transcoder.
type frameSink interface {
	// Input is the URL or path the transcoder reads from.
	Input() string
	// ChildFile is inherited by the child as an extra descriptor, or nil.
	ChildFile() *os.File
	// Open returns the writer for frames, blocking until the transcoder
	// side is connected.
	Open() (io.WriteCloser, error)
	// AfterStart releases the parent's copy of child-side resources.
	AfterStart()
	// Close releases every resource held by the sink. Safe to call twice.
	Close() error
}

func newSink(t Transport, name, workDir string, fdIndex int) (frameSink, error) {
	switch t {
	case TransportPipe, "":
		return newPipeSink(fdIndex)
	case TransportTCP:
		return newTCPSink()
	case TransportFIFO:
		return newFIFOSink(workDir, name)
	default:
		return nil, fmt.Errorf("unknown transport %q", t)
	}
}

type pipeSink struct {
	r, w  *os.File
	input string
}

func newPipeSink(fdIndex int) (*pipeSink, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, fmt.Errorf("create pipe: %w", err)
	}
	return &pipeSink{r: r, w: w, input: "pipe:" + strconv.Itoa(3+fdIndex)}, nil
}

func (s *pipeSink) Input() string                 { return s.input }
func (s *pipeSink) ChildFile() *os.File           { return s.r }
func (s *pipeSink) Open() (io.WriteCloser, error) { return s.w, nil }
func (s *pipeSink) AfterStart()                   { _ = s.r.Close() }

func (s *pipeSink) Close() error {
	_ = s.r.Close()
	_ = s.w.Close()
	return nil
}

type tcpSink struct {
	ln *net.TCPListener
}

func newTCPSink() (*tcpSink, error) {
	ln, err := net.ListenTCP("tcp", &net.TCPAddr{IP: net.IPv4(127, 0, 0, 1)})
	if err != nil {
		return nil, fmt.Errorf("listen loopback: %w", err)
	}
	return &tcpSink{ln: ln}, nil
}

func (s *tcpSink) Input() string       { return "tcp://" + s.ln.Addr().String() }
func (s *tcpSink) ChildFile() *os.File { return nil }
func (s *tcpSink) AfterStart()         {}

func (s *tcpSink) Open() (io.WriteCloser, error) {
	if err := s.ln.SetDeadline(time.Now().Add(tcpAcceptTimeout)); err != nil {
		return nil, err
	}
	conn, err := s.ln.AcceptTCP()
	if err != nil {
		return nil, fmt.Errorf("accept transcoder connection: %w", err)
	}
	_ = conn.SetNoDelay(true)
	return conn, nil
}

func (s *tcpSink) Close() error {
	return s.ln.Close()
}
