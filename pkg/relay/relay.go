// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"errors"
	"io"
	"net"
)

// DefaultBufferSize is the capacity of a per-direction copy buffer.
const DefaultBufferSize = 4096

// Direction indicates which way bytes flow through a session.
type Direction int

const (
	// ToUpstream represents bytes flowing from the client to the upstream server.
	ToUpstream Direction = iota

	// ToClient represents bytes flowing from the upstream server to the client.
	ToClient
)

// String returns a string representation of the direction.
func (d Direction) String() string {
	switch d {
	case ToUpstream:
		return "to_upstream"
	case ToClient:
		return "to_client"
	default:
		return "unknown"
	}
}

// Stats counts the bytes relayed in each direction of a session.
type Stats struct {
	// BytesToUpstream is the number of bytes copied from client to upstream.
	BytesToUpstream int64

	// BytesToClient is the number of bytes copied from upstream to client.
	BytesToClient int64
}

// halfCloser is implemented by connections that support shutting down
// only their write side. Both *net.TCPConn and *tls.Conn satisfy it.
type halfCloser interface {
	CloseWrite() error
}

// Pipe copies bytes from src to dst until src reaches end-of-stream or
// either side fails. Bytes are staged through buf; if buf is empty a
// buffer of DefaultBufferSize is allocated. A short write is completed
// before the next read so byte order and count are preserved.
//
// On clean end-of-stream the write side of dst is shut down when dst
// supports half-close, signalling the peer that no more data will arrive
// from this direction, and Pipe returns nil. Any other I/O error is
// returned as-is; no retry is attempted.
func Pipe(dst io.Writer, src io.Reader, buf []byte) (int64, error) {
	if len(buf) == 0 {
		buf = make([]byte, DefaultBufferSize)
	}

	var written int64
	for {
		nr, er := src.Read(buf)
		for off := 0; off < nr; {
			nw, ew := dst.Write(buf[off:nr])
			written += int64(nw)
			off += nw
			if ew != nil {
				return written, ew
			}
			if nw == 0 {
				return written, io.ErrShortWrite
			}
		}
		if er != nil {
			if errors.Is(er, io.EOF) {
				return written, closeWrite(dst)
			}
			return written, er
		}
	}
}

// closeWrite propagates a half-close to the peer when the writer supports it.
func closeWrite(w io.Writer) error {
	if hc, ok := w.(halfCloser); ok {
		return hc.CloseWrite()
	}
	return nil
}

// Join relays bytes between client and upstream concurrently in both
// directions. It returns only after both directions have finished. The
// returned error is the first failure observed in either direction;
// clean end-of-stream in a direction is not a failure and leaves the
// opposite direction running. On failure both streams are closed so the
// surviving direction finishes instead of blocking on an idle peer.
//
// toUpstreamBuf and toClientBuf stage the two copy loops; either may be
// nil to allocate a DefaultBufferSize buffer.
func Join(client, upstream io.ReadWriter, toUpstreamBuf, toClientBuf []byte) (Stats, error) {
	type outcome struct {
		dir Direction
		n   int64
		err error
	}

	results := make(chan outcome, 2)

	go func() {
		n, err := Pipe(upstream, client, toUpstreamBuf)
		results <- outcome{dir: ToUpstream, n: n, err: err}
	}()

	go func() {
		n, err := Pipe(client, upstream, toClientBuf)
		results <- outcome{dir: ToClient, n: n, err: err}
	}()

	var stats Stats
	var first error
	for i := 0; i < 2; i++ {
		r := <-results
		switch r.dir {
		case ToUpstream:
			stats.BytesToUpstream = r.n
		case ToClient:
			stats.BytesToClient = r.n
		}
		if r.err != nil && first == nil {
			first = r.err
			// A failed leg must not leave the surviving direction
			// blocked on a healthy, idle peer: tear both streams down
			// so the session ends promptly.
			closeStream(client)
			closeStream(upstream)
		}
	}

	return stats, first
}

func closeStream(v io.ReadWriter) {
	if c, ok := v.(io.Closer); ok {
		c.Close()
	}
}

// Session pairs one accepted client connection with its upstream
// connection. No state is shared across sessions; each is relayed
// independently and concurrently with all others.
type Session struct {
	// ID is a unique identifier for this session.
	ID string

	// Client is the accepted client-side connection. For the secure
	// listener this is the decrypted TLS stream.
	Client net.Conn

	// Upstream is the dialed upstream-side connection.
	Upstream net.Conn
}

// Relay runs both copy directions of the session and blocks until both
// have finished. It does not close the underlying connections; the
// caller owns their lifetime.
func (s *Session) Relay(toUpstreamBuf, toClientBuf []byte) (Stats, error) {
	return Join(s.Client, s.Upstream, toUpstreamBuf, toClientBuf)
}
