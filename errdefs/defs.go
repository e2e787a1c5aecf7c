// Package errdefs defines the error classes used across the daemon.
// Errors are classified by the behavior they expose rather than by
// concrete type; callers test with the Is* helpers and the HTTP layer
// maps classes to status codes.
package errdefs

// ErrNotFound signals that the requested object doesn't exist.
type ErrNotFound interface {
	NotFound()
}

// ErrInvalidParameter signals that the user input was invalid.
type ErrInvalidParameter interface {
	InvalidParameter()
}

// ErrConflict signals that some internal state conflicts with the
// requested action and can't be performed; a duplicate upload is the
// canonical case.
type ErrConflict interface {
	Conflict()
}

// ErrUnavailable signals that a required backing service (LDAP,
// Postgres) can't be reached right now.
type ErrUnavailable interface {
	Unavailable()
}

// ErrSystem signals a server-side failure that is not the caller's
// fault.
type ErrSystem interface {
	System()
}

// ErrDataLoss indicates data corruption in an input file; parse errors
// that abort the whole file carry this.
type ErrDataLoss interface {
	DataLoss()
}
