// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package tcp implements the accept-then-relay server.
//
// # Overview
//
// The server binds one listen address and, for each accepted connection,
// dials one fixed upstream address and copies bytes bidirectionally
// between the two until either side closes. It is protocol-agnostic:
// relayed bytes are never parsed or inspected. When a TLS configuration
// is supplied the listener terminates TLS at the edge and forwards
// decrypted bytes onward in plaintext.
//
// # Connection Flow
//
//  1. Client connects to the listener
//  2. Secure listener only: server-side TLS handshake; failure drops
//     just that connection
//  3. Server dials the upstream; failure closes the client connection
//     and the loop keeps accepting
//  4. Both directions are relayed concurrently (pkg/relay) until the
//     session ends
//  5. Both connections closed, buffers returned to the pool
//
// Acceptance of the next connection is never blocked by in-flight
// sessions; each session runs in its own goroutine with no shared
// mutable state.
//
// # Error Handling
//
//   - Bind failure: returned from Listen, fatal to this acceptor
//   - Per-connection accept error: logged, loop continues
//   - Listener failure: terminates the loop, returned from Listen
//   - TLS handshake or upstream dial failure: isolated to that
//     connection
//   - Mid-relay I/O error: ends that session only, first error observed
//     is the session's outcome
//
// # Graceful Shutdown
//
// When the context is cancelled the listener closes, in-flight sessions
// are drained for up to ShutdownTimeout, then force-closed.
// ErrShutdownTimeout is returned if the deadline was exceeded.
package tcp
