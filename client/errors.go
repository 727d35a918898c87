package client

import "fmt"

// TooManyRedirectsError reports a redirect chain exceeding
// Options.MaxRedirects; no further network request is issued once the
// budget is spent.
type TooManyRedirectsError struct {
	Limit int
}

func (e *TooManyRedirectsError) Error() string {
	return fmt.Sprintf("client: stopped after %d redirects", e.Limit)
}

// TimeoutError reports that the absolute per-request deadline
// (Options.DefaultTimeout, or a per-request override) elapsed before a
// response was available.
type TimeoutError struct{}

func (e *TimeoutError) Error() string { return "client: request timed out" }

// CanceledError distinguishes caller-initiated cancellation from a
// deadline timeout.
type CanceledError struct{}

func (e *CanceledError) Error() string { return "client: request canceled" }
