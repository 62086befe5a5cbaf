package main

import (
	"errors"
	"fmt"
	"net"
	"strings"
)

var (
	// ErrConfig marks configuration problems found before any network activity.
	ErrConfig = errors.New("configuration error")

	// ErrTokenMissing means the seat page carried no submit_enc value.
	// The current attempt must stop; signing with an empty seed is never valid.
	ErrTokenMissing = errors.New("page token missing")

	// ErrChallengeFailed means a challenge variant ended without a proof.
	ErrChallengeFailed = errors.New("challenge failed")
)

// =============================================================================
// Fatal Errors
// =============================================================================

// FatalError represents an error that should stop the run immediately.
// Configuration mistakes and exhausted OCR balance end up here.
type FatalError struct {
	Err error
}

func (e *FatalError) Error() string {
	return e.Err.Error()
}

func (e *FatalError) Unwrap() error {
	return e.Err
}

// NewFatalError wraps an error as fatal.
func NewFatalError(err error) error {
	return &FatalError{Err: err}
}

// IsFatalError checks if the error is a fatal error that should stop the run.
func IsFatalError(err error) bool {
	if err == nil {
		return false
	}
	var fe *FatalError
	return errors.As(err, &fe)
}

// configErrorf builds a fatal configuration error.
func configErrorf(format string, args ...any) error {
	return NewFatalError(fmt.Errorf("%w: %s", ErrConfig, fmt.Sprintf(format, args...)))
}

// fatalErrorStrings contains substrings from the OCR provider that mean retrying is pointless.
var fatalErrorStrings = []string{
	"余额不足",
	"账号或密码错误",
	"insufficient balance",
}

// ContainsFatalErrorString checks if an error message contains a fatal error indicator.
func ContainsFatalErrorString(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	for _, s := range fatalErrorStrings {
		if strings.Contains(errStr, strings.ToLower(s)) {
			return true
		}
	}
	return false
}

// =============================================================================
// Authentication
// =============================================================================

// AuthError is a rejected login. The account's targets are skipped for the cycle.
type AuthError struct {
	Username string
	Message  string
}

func (e *AuthError) Error() string {
	if e.Message == "" {
		return fmt.Sprintf("login rejected for %s", e.Username)
	}
	return fmt.Sprintf("login rejected for %s: %s", e.Username, e.Message)
}

// IsAuthError reports whether err is (or wraps) an *AuthError.
func IsAuthError(err error) bool {
	var ae *AuthError
	return errors.As(err, &ae)
}

// =============================================================================
// Retryable Errors
// =============================================================================

// retryableErrorPatterns contains error message substrings that indicate retryable errors.
var retryableErrorPatterns = []string{
	"connection refused",
	"connection reset",
	"no such host",
	"i/o timeout",
	"context deadline exceeded",
	"Client.Timeout exceeded",
	"TLS handshake timeout",
	"EOF",
	"malformed HTTP response",
	"transport connection broken",
	"use of closed network connection",
	"timeout",
}

// IsRetryableError checks if the error is a transport hiccup worth another attempt.
func IsRetryableError(err error) bool {
	if err == nil {
		return false
	}

	if IsFatalError(err) || ContainsFatalErrorString(err) {
		return false
	}

	if isNetworkTimeout(err) {
		return true
	}

	return containsRetryablePattern(err.Error())
}

func isNetworkTimeout(err error) bool {
	var netErr net.Error
	if errors.As(err, &netErr) {
		return netErr.Timeout()
	}
	return false
}

func containsRetryablePattern(errStr string) bool {
	for _, pattern := range retryableErrorPatterns {
		if strings.Contains(errStr, pattern) {
			return true
		}
	}
	return false
}
