package http3

import "time"

// requestError carries enough context for RoundTrip to decide whether a
// failure is scoped to one stream (cancel it) or fatal to the whole
// connection (close it), mirroring RFC 9114 §8's two error scopes.
type requestError struct {
	err       error
	streamErr uint64
	connErr   uint64
}

func newStreamError(code uint64, err error) requestError {
	return requestError{err: err, streamErr: code}
}

func newConnError(code uint64, err error) requestError {
	return requestError{err: err, connErr: code}
}

const qpackPumpInterval = 5 * time.Millisecond

// tick is a small wrapper around time.Tick so the QPACK instruction
// pumps read as a plain range loop.
func tick(d time.Duration) <-chan time.Time { return time.Tick(d) }
