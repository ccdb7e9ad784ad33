//go:build unix

package transcode

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"syscall"
)

type fifoSink struct {
	path string
}

func newFIFOSink(workDir, name string) (*fifoSink, error) {
	if workDir == "" {
		return nil, fmt.Errorf("fifo transport requires a working directory")
	}
	path := filepath.Join(workDir, name+".fifo")
	if err := syscall.Mkfifo(path, 0o600); err != nil {
		return nil, fmt.Errorf("mkfifo %s: %w", path, err)
	}
	return &fifoSink{path: path}, nil
}

func (s *fifoSink) Input() string       { return s.path }
func (s *fifoSink) ChildFile() *os.File { return nil }
func (s *fifoSink) AfterStart()         {}

// Open blocks until the transcoder opens the FIFO for reading.
func (s *fifoSink) Open() (io.WriteCloser, error) {
	f, err := os.OpenFile(s.path, os.O_WRONLY, 0)
	if err != nil {
		return nil, fmt.Errorf("open fifo %s: %w", s.path, err)
	}
	return f, nil
}

// Close unblocks a pending Open by briefly opening the read side, then
// removes the FIFO.
func (s *fifoSink) Close() error {
	if f, err := os.OpenFile(s.path, os.O_RDONLY|syscall.O_NONBLOCK, 0); err == nil {
		_ = f.Close()
	}
	if err := os.Remove(s.path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
