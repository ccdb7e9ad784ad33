//go:build !unix

package transcode

import (
	"errors"
	"io"
	"os"
)

type fifoSink struct{}

func newFIFOSink(string, string) (*fifoSink, error) {
	return nil, errors.New("fifo transport is only supported on unix")
}

func (s *fifoSink) Input() string                 { return "" }
func (s *fifoSink) ChildFile() *os.File           { return nil }
func (s *fifoSink) Open() (io.WriteCloser, error) { return nil, errors.New("unsupported") }
func (s *fifoSink) AfterStart()                   {}
func (s *fifoSink) Close() error                  { return nil }
