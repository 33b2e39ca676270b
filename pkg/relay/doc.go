// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package relay implements the bidirectional byte relay at the core of
// the proxy.
//
// # Overview
//
// A relay is a dumb byte-for-byte pipe between two already-established
// duplex streams. No framing, inspection, or rate limiting is applied;
// correctness is defined purely by preserving byte order and count per
// direction and by propagating closure promptly in both directions.
//
// # Connection Flow
//
//	┌─────────┐            ┌─────────┐            ┌──────────┐
//	│ Client  │ ←─stream─→ │  Relay  │ ←─stream─→ │ Upstream │
//	└─────────┘            └─────────┘            └──────────┘
//
// Each session runs two independent copy loops:
//
//	ToUpstream goroutine:  Pipe(upstream, client, buf)
//	ToClient goroutine:    Pipe(client, upstream, buf)
//
// A copy loop reads into a fixed-capacity buffer and writes the exact
// bytes read before reading again. A clean end-of-stream half-closes the
// writer so the remote peer on that leg observes end-of-stream after
// receiving all relayed bytes; the opposite direction keeps running
// until it ends on its own.
//
// # Failure Semantics
//
// The two directions are independent failure domains. Join waits for
// both to finish and reports the first error observed; bytes already
// buffered in the surviving direction are still delivered before it
// ends.
package relay
