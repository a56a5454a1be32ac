package sync

import (
	"errors"
	"fmt"
)

// ErrSync is matched by every failure of a sync cycle that the caller can
// retry: configuration, transport and server rejection.
var ErrSync = errors.New("sync failed")

var (
	// ErrSyncInProgress is returned when SyncOnce is called while another
	// cycle is still running.
	ErrSyncInProgress = errors.New("sync already in progress")

	ErrAlreadyRunning = errors.New("sync loop already running")
	ErrSyncDisabled   = errors.New("sync is not enabled in configuration")
)

// ConfigurationError means the endpoint or the credential is missing.
type ConfigurationError struct {
	Missing []string
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("sync not configured: missing %v", e.Missing)
}

func (e *ConfigurationError) Is(target error) bool { return target == ErrSync }

// TransportError wraps network failures and timeouts.
type TransportError struct {
	URL string
	Err error
}

func (e *TransportError) Error() string {
	return fmt.Sprintf("failed to send sync request to %s: %v", e.URL, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

func (e *TransportError) Is(target error) bool { return target == ErrSync }

// ServerRejectedError is a non-2xx answer. Body holds the response text.
type ServerRejectedError struct {
	StatusCode int
	Body       string
}

func (e *ServerRejectedError) Error() string {
	return fmt.Sprintf("sync API returned HTTP %d: %s", e.StatusCode, e.Body)
}

func (e *ServerRejectedError) Is(target error) bool { return target == ErrSync }
