package session

import "errors"

// Sentinel errors for user-correctable conditions. The command layer matches
// these with errors.Is and turns them into reply messages; they never crash
// the handler loop.
var (
	// ErrAlreadyInitialized is returned when starting a session whose ID is
	// already known, either resident in memory or persisted.
	ErrAlreadyInitialized = errors.New("session already initialized")

	// ErrUninitialized is returned by operations that require a session that
	// does not exist yet.
	ErrUninitialized = errors.New("session not initialized")

	// ErrDuplicatePersona is returned when activating a persona that is
	// already active in the session.
	ErrDuplicatePersona = errors.New("persona already active")

	// ErrUnknownPersona is returned when a persona name is not in the catalog
	// or not active in the session, depending on the operation.
	ErrUnknownPersona = errors.New("unknown persona")
)
