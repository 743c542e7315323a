package session

import (
	"fmt"

	"github.com/m-mizutani/goerr/v2"
)

var (
	ErrNotConfigured   = goerr.New("session is not configured")
	ErrInvalidState    = goerr.New("session is not idle")
	ErrNotConnected    = goerr.New("session is not connected")
	ErrToolValidation  = goerr.New("invalid tool arguments")
	ErrUnknownTool     = goerr.New("unknown tool")
	ErrTransportClosed = goerr.New("realtime connection closed unexpectedly")
)

const (
	ResourceCapture   = "capture"
	ResourcePlayback  = "playback"
	ResourceTransport = "transport"
)

// AcquisitionError means Connect could not obtain one of its resources.
// Everything acquired before the failure has been released.
type AcquisitionError struct {
	Resource string
	Err      error
}

func (e *AcquisitionError) Error() string {
	if e == nil {
		return ""
	}
	switch e.Resource {
	case ResourceCapture:
		return fmt.Sprintf("microphone could not be started, check that one is connected and access is allowed: %v", e.Err)
	case ResourcePlayback:
		return fmt.Sprintf("audio output could not be started, check the output device: %v", e.Err)
	case ResourceTransport:
		return fmt.Sprintf("could not reach the interview relay, check that it is running: %v", e.Err)
	default:
		return fmt.Sprintf("acquire %s: %v", e.Resource, e.Err)
	}
}

func (e *AcquisitionError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}

// TransportError is a failed send or a dropped connection on a live session.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e == nil {
		return ""
	}
	if e.Op == "" {
		return fmt.Sprintf("realtime transport: %v", e.Err)
	}
	return fmt.Sprintf("realtime transport %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error {
	if e == nil {
		return nil
	}
	return e.Err
}
