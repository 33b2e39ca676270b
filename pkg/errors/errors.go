// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package errors provides structured error handling for the relay.
package errors

import (
	"errors"
	"fmt"
)

// Common error types
var (
	// ErrConnectionClosed indicates the connection was closed.
	ErrConnectionClosed = errors.New("connection closed")

	// ErrUpstreamUnavailable indicates the upstream could not be dialed.
	ErrUpstreamUnavailable = errors.New("upstream unavailable")

	// ErrHandshakeFailed indicates the TLS handshake with the client failed.
	ErrHandshakeFailed = errors.New("tls handshake failed")

	// ErrConnectionLimit indicates the concurrent connection limit was reached.
	ErrConnectionLimit = errors.New("connection limit reached")
)

// RelayError wraps an error with session context.
type RelayError struct {
	Op         string // Operation that failed (accept, handshake, dial, relay)
	Listener   string // Listen address of the acceptor
	SessionID  string // Session identifier
	RemoteAddr string // Client address
	Err        error  // Underlying error
}

// Error implements the error interface.
func (e *RelayError) Error() string {
	if e.SessionID != "" {
		return fmt.Sprintf("%s %s [%s] %s: %v", e.Listener, e.Op, e.SessionID, e.RemoteAddr, e.Err)
	}
	return fmt.Sprintf("%s %s %s: %v", e.Listener, e.Op, e.RemoteAddr, e.Err)
}

// Unwrap returns the underlying error.
func (e *RelayError) Unwrap() error {
	return e.Err
}

// New creates a new RelayError.
func New(op, listener, sessionID, remoteAddr string, err error) error {
	if err == nil {
		return nil
	}
	return &RelayError{
		Op:         op,
		Listener:   listener,
		SessionID:  sessionID,
		RemoteAddr: remoteAddr,
		Err:        err,
	}
}

// Wrap wraps an error with context.
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}
