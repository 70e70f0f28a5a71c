package platform

import (
	"errors"
	"fmt"
	"time"
)

var (
	ErrUnsupportedPlatform = errors.New("platform: unsupported platform")
	ErrMissingCredential   = errors.New("platform: missing credential")
	ErrListingNotFound     = errors.New("platform: listing not found")
	ErrRequestFailed       = errors.New("platform: request failed")
	ErrUnknownTopic        = errors.New("platform: unknown webhook topic")
)

// AuthError means the credentials were rejected. Runs failing with it are not retried.
type AuthError struct {
	Platform Kind
	Err      error
}

func (e *AuthError) Error() string {
	return fmt.Sprintf("%s: authentication failed: %v", e.Platform, e.Err)
}

func (e *AuthError) Unwrap() error { return e.Err }

// TransientError covers network failures, throttling and upstream 5xx.
type TransientError struct {
	Platform   Kind
	RetryAfter time.Duration
	Err        error
}

func (e *TransientError) Error() string {
	if e.RetryAfter > 0 {
		return fmt.Sprintf("%s: transient failure (retry after %s): %v", e.Platform, e.RetryAfter, e.Err)
	}
	return fmt.Sprintf("%s: transient failure: %v", e.Platform, e.Err)
}

func (e *TransientError) Unwrap() error { return e.Err }

// ValidationError marks a single malformed listing.
type ValidationError struct {
	ExternalID string
	Field      string
	Reason     string
}

func (e *ValidationError) Error() string {
	if e.ExternalID == "" {
		return fmt.Sprintf("invalid listing: %s %s", e.Field, e.Reason)
	}
	return fmt.Sprintf("invalid listing %s: %s %s", e.ExternalID, e.Field, e.Reason)
}

func IsAuth(err error) bool {
	var target *AuthError
	return errors.As(err, &target)
}

func IsTransient(err error) bool {
	var target *TransientError
	return errors.As(err, &target)
}

func IsValidation(err error) bool {
	var target *ValidationError
	return errors.As(err, &target)
}
