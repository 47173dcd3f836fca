package client

import "fmt"

// TransportError means the persistent channel could not carry an operation:
// disconnected, timed out, or closed mid-call. The dual-transport router
// treats it as the trigger for the REST fallback; it only reaches callers
// when the fallback fails too.
type TransportError struct {
	Op  string
	Err error
}

func (e *TransportError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("channel unavailable for %s", e.Op)
	}
	return fmt.Sprintf("channel unavailable for %s: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }
