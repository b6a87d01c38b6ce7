package transfer

import (
	"errors"
	"fmt"
	"testing"
)

// TestNetworkError_Error verifies error message formatting
func TestNetworkError_Error(t *testing.T) {
	tests := []struct {
		name       string
		err        *NetworkError
		wantFormat string
	}{
		{
			name: "with HTTP status code",
			err: &NetworkError{
				Operation:  "download",
				StatusCode: 503,
				APIMessage: "503 Service Unavailable",
			},
			wantFormat: "network error during download (HTTP 503): 503 Service Unavailable",
		},
		{
			name: "without HTTP status code",
			err: &NetworkError{
				Operation:  "download",
				APIMessage: "inactivity timeout",
			},
			wantFormat: "network error during download: inactivity timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.err.Error(); got != tt.wantFormat {
				t.Errorf("Error() = %q, want %q", got, tt.wantFormat)
			}
		})
	}
}

func TestFilesystemError_Error(t *testing.T) {
	err := &FilesystemError{Path: "/games/a.zip", Operation: "delete"}

	expected := "filesystem error during delete of '/games/a.zip'"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestProviderError_Error(t *testing.T) {
	err := &ProviderError{Provider: "putio", Operation: "resolve", Reason: "transfer errored"}

	expected := "provider putio failed during resolve: transfer errored"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

func TestAuthenticationError_Error(t *testing.T) {
	err := &AuthenticationError{Operation: "unrestrict_link"}

	expected := "authentication failed during unrestrict_link"
	if err.Error() != expected {
		t.Errorf("Error() = %q, want %q", err.Error(), expected)
	}
}

// TestErrorTypes_Unwrap verifies error chain traversal for every typed error
func TestErrorTypes_Unwrap(t *testing.T) {
	cause := errors.New("underlying cause")

	tests := []struct {
		name string
		err  error
	}{
		{"NetworkError", &NetworkError{Operation: "download", Err: cause}},
		{"FilesystemError", &FilesystemError{Path: "x", Operation: "write", Err: cause}},
		{"SwarmError", &SwarmError{Operation: "add_magnet", Err: cause}},
		{"ProviderError", &ProviderError{Provider: "realdebrid", Operation: "add_magnet", Err: cause}},
		{"AuthenticationError", &AuthenticationError{Operation: "account", Err: cause}},
		{"EngineError", &EngineError{ID: "1", Operation: "pause", Err: cause}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if unwrapped := errors.Unwrap(tt.err); unwrapped != cause {
				t.Errorf("Unwrap() = %v, want %v", unwrapped, cause)
			}

			wrapped := fmt.Errorf("context: %w", tt.err)
			if !errors.Is(wrapped, cause) {
				t.Error("errors.Is() should find cause in wrapped chain")
			}
		})
	}
}

// TestEngineError_As verifies programmatic error type detection
func TestEngineError_As(t *testing.T) {
	wrapped := fmt.Errorf("pause: %w", &EngineError{ID: "abc", Operation: "pause", Err: ErrNotFound})

	var target *EngineError
	if !errors.As(wrapped, &target) {
		t.Fatal("errors.As() should extract EngineError from wrapped chain")
	}

	if target.ID != "abc" {
		t.Errorf("ID = %q, want %q", target.ID, "abc")
	}

	if !errors.Is(wrapped, ErrNotFound) {
		t.Error("errors.Is() should reach the sentinel through EngineError")
	}
}

func TestErrorTypes_Nil(t *testing.T) {
	tests := []error{
		&NetworkError{Operation: "download"},
		&FilesystemError{Path: "x", Operation: "open"},
		&ProviderError{Provider: "putio", Operation: "resolve", Reason: "boom"},
		&AuthenticationError{Operation: "account"},
	}

	for _, err := range tests {
		if unwrapped := errors.Unwrap(err); unwrapped != nil {
			t.Errorf("Unwrap() = %v, want nil", unwrapped)
		}

		if err.Error() == "" {
			t.Error("Error() should return non-empty string even when Err is nil")
		}
	}
}
