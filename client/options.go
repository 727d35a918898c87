package client

import "time"

// PredictionModel selects the predictor variant; construction (not
// branching) picks the concrete predict.Model.
type PredictionModel int

const (
	PredictionDisabled PredictionModel = iota
	PredictionBasic
	PredictionAdvanced
	PredictionUserAdaptive
)

// TLSProfile affects only the ClientHello shape; this module does not
// reimplement TLS 1.3, so a profile only selects cipher-suite/curve
// preference ordering passed through to crypto/tls.Config.
type TLSProfile int

const (
	TLSProfileModern TLSProfile = iota
	TLSProfileCompatible
	TLSProfileChrome
	TLSProfileFirefox
	TLSProfileSafari
	TLSProfileRandom
	TLSProfileCustom
)

// Options is the client's configuration surface, collected into one
// plain struct tree.
type Options struct {
	PredictionModel PredictionModel

	FollowRedirects bool
	MaxRedirects    int

	DefaultTimeout time.Duration

	CacheEnabled     bool
	CacheMaxBytes    int64
	CacheMaxEntries  int
	CacheDefaultTTL  time.Duration

	ViewportTrackingEnabled bool
	ViewportWidth           int

	EarlyDataAllowed bool

	KeepAliveInterval time.Duration

	TLSProfile TLSProfile

	// PrefetchTopK bounds the number of dependency-analyzer predictions
	// speculatively prefetched per completed response (default 5).
	PrefetchTopK int

	// DefaultHeaders are merged into every request; a per-request header
	// of the same name wins.
	DefaultHeaders map[string][]string
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		PredictionModel:         PredictionBasic,
		FollowRedirects:         true,
		MaxRedirects:            5,
		DefaultTimeout:          30 * time.Second,
		CacheEnabled:            true,
		CacheMaxBytes:           100 * 1 << 20,
		CacheMaxEntries:         4096,
		CacheDefaultTTL:         24 * time.Hour,
		ViewportTrackingEnabled: true,
		ViewportWidth:           1280,
		EarlyDataAllowed:        true,
		KeepAliveInterval:       15 * time.Second,
		TLSProfile:              TLSProfileModern,
		PrefetchTopK:            5,
	}
}
