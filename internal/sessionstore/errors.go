package sessionstore

import "errors"

var (
	// ErrStoreUnavailable wraps any failure talking to the database.
	ErrStoreUnavailable = errors.New("session store unavailable")

	// ErrMalformedPayload is returned when a stored payload can't be decoded.
	ErrMalformedPayload = errors.New("malformed session payload")

	// ErrUnsupportedValue is returned when encoding a session value the
	// payload schema has no field for.
	ErrUnsupportedValue = errors.New("unsupported session value")
)
