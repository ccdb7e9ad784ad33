package transcode

import (
	"errors"
	"fmt"
)

// Sentinel errors returned by the engine lifecycle.
var (
	ErrForcedKill     = errors.New("transcode: process did not exit within grace period and was killed")
	ErrAlreadyStarted = errors.New("transcode: engine already started")
	ErrNotStarted     = errors.New("transcode: engine not started")
)

// ResourceError reports a failure to allocate what the transcoder needs to
// run: input channels, pipes, sockets or the subprocess itself. A pipeline
// whose engine fails with a ResourceError never becomes active.
type ResourceError struct {
	Op  string
	Err error
}

func (e *ResourceError) Error() string {
	return fmt.Sprintf("transcode: %s: %v", e.Op, e.Err)
}

func (e *ResourceError) Unwrap() error {
	return e.Err
}
