package transfer

import (
	"errors"
	"fmt"
)

// Consistency errors returned by queue operations.
var (
	ErrNotFound          = errors.New("download not found")
	ErrInvalidTransition = errors.New("operation not valid from current status")
	ErrNoEngine          = errors.New("no engine registered for download type")
	ErrInvalidOptions    = errors.New("invalid download options")
	ErrAlreadyActive     = errors.New("download already active")
)

// NetworkError represents transport failures: timeouts, bad statuses, resets.
type NetworkError struct {
	Operation  string // e.g. "download", "unrestrict_link"
	StatusCode int    // HTTP status code, 0 for non-HTTP errors
	APIMessage string
	Err        error
}

func (e *NetworkError) Error() string {
	if e.StatusCode > 0 {
		return fmt.Sprintf("network error during %s (HTTP %d): %s", e.Operation, e.StatusCode, e.APIMessage)
	}

	return fmt.Sprintf("network error during %s: %s", e.Operation, e.APIMessage)
}

func (e *NetworkError) Unwrap() error {
	return e.Err
}

// FilesystemError represents write or delete failures on the destination.
type FilesystemError struct {
	Path      string
	Operation string
	Err       error
}

func (e *FilesystemError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("filesystem error during %s of '%s': %v", e.Operation, e.Path, e.Err)
	}

	return fmt.Sprintf("filesystem error during %s of '%s'", e.Operation, e.Path)
}

func (e *FilesystemError) Unwrap() error {
	return e.Err
}

// SwarmError represents failures inside the torrent engine.
type SwarmError struct {
	Operation string
	Err       error
}

func (e *SwarmError) Error() string {
	return fmt.Sprintf("swarm error during %s: %v", e.Operation, e.Err)
}

func (e *SwarmError) Unwrap() error {
	return e.Err
}

// ProviderError represents debrid API failures and missing configuration.
type ProviderError struct {
	Provider  string
	Operation string
	Reason    string
	Err       error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider %s failed during %s: %s", e.Provider, e.Operation, e.Reason)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// AuthenticationError represents 401/403 responses or missing credentials.
type AuthenticationError struct {
	Operation string
	Err       error
}

func (e *AuthenticationError) Error() string {
	return fmt.Sprintf("authentication failed during %s", e.Operation)
}

func (e *AuthenticationError) Unwrap() error {
	return e.Err
}

// EngineError is returned when a transfer engine rejects a control operation.
type EngineError struct {
	ID        string
	Operation string
	Err       error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine rejected %s for %s: %v", e.Operation, e.ID, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}
