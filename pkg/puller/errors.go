package puller

import "errors"

var (
	// ErrTokenExpired is returned by a worker whose pull was rejected with 401.
	ErrTokenExpired = errors.New("tenant API token is expired or revoked")

	// ErrForbidden is returned by a worker whose endpoint is not permitted.
	ErrForbidden = errors.New("tenant API endpoint is forbidden")

	// ErrBackpressure is returned by a maintenance worker that stopped
	// because downstream is behind.
	ErrBackpressure = errors.New("stopped by downstream backpressure")
)
