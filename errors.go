package cbsync

import "errors"

// Error taxonomy shared by the upstream clients, the store, and the
// archive rewriter. Callers classify failures with errors.Is.
var (
	// ErrNotFound means the volume, issue, or file genuinely does not
	// exist upstream. Not retried until upstream data changes.
	ErrNotFound = errors.New("not found")

	// ErrUnavailable covers network failures, timeouts, and non-2xx
	// responses. The operation is deferred; no state is mutated.
	ErrUnavailable = errors.New("upstream unavailable")

	// ErrUnsupportedArchive means the archive container format cannot be
	// extracted or repacked. The original file is left untouched.
	ErrUnsupportedArchive = errors.New("unsupported archive format")

	// ErrNotConfigured means upstream credentials or endpoints are
	// missing. The sync/processing subsystem stays disabled rather than
	// failing repeatedly.
	ErrNotConfigured = errors.New("upstream not configured")
)
