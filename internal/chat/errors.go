package chat

import "errors"

var (
	// ErrInvalidRequest means the request resolved to an empty message sequence.
	ErrInvalidRequest = errors.New("messages or message must be provided")

	// ErrPersistenceUnavailable is returned by every history/stats operation
	// when no store is configured. Nothing is attempted before returning it.
	ErrPersistenceUnavailable = errors.New("redis is not configured")
)

// Failure is the single error surfaced by Service.Send. It carries the
// original cause so the HTTP layer can classify it with errors.Is / errors.As,
// while the message shown to the client is the cause's message unchanged.
type Failure struct {
	Stage string // "resolve" | "backend" | "history" | "stats"
	Err   error
}

func (f *Failure) Error() string { return f.Err.Error() }

func (f *Failure) Unwrap() error { return f.Err }
