package transport

import (
	"errors"
	"fmt"
)

var (
	ErrLoopClosed  = errors.New("transport: loop closed")
	ErrLoopRunning = errors.New("transport: loop already running")
	ErrUnsupported = errors.New("transport: platform not supported")

	// Listener setup failures, matched with errors.Is against a *BindError.
	ErrAddrInUse  = errors.New("address already in use")
	ErrPermission = errors.New("permission denied")
	ErrResources  = errors.New("out of descriptors or memory")
)

// BindError reports a failure to open a listening socket. Kind is one of the
// classification errors above, or nil when the cause is something else.
type BindError struct {
	Op   string
	Addr string
	Kind error
	Err  error
}

func (e *BindError) Error() string {
	if e.Kind != nil {
		return fmt.Sprintf("transport: %s %s: %v: %v", e.Op, e.Addr, e.Kind, e.Err)
	}
	return fmt.Sprintf("transport: %s %s: %v", e.Op, e.Addr, e.Err)
}

func (e *BindError) Unwrap() []error {
	if e.Kind == nil {
		return []error{e.Err}
	}
	return []error{e.Kind, e.Err}
}
