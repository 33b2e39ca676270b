// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package relay

import (
	"bytes"
	"crypto/rand"
	"errors"
	"io"
	"net"
	"testing"
	"time"
)

// tcpPair returns the two ends of an established TCP connection.
func tcpPair(t *testing.T) (client, server net.Conn) {
	t.Helper()

	l, err := net.Listen("tcp", "localhost:0")
	if err != nil {
		t.Fatalf("Failed to create listener: %v", err)
	}
	defer l.Close()

	type accepted struct {
		conn net.Conn
		err  error
	}
	ch := make(chan accepted, 1)
	go func() {
		conn, err := l.Accept()
		ch <- accepted{conn, err}
	}()

	client, err = net.Dial("tcp", l.Addr().String())
	if err != nil {
		t.Fatalf("Failed to dial: %v", err)
	}

	a := <-ch
	if a.err != nil {
		client.Close()
		t.Fatalf("Failed to accept: %v", a.err)
	}

	t.Cleanup(func() {
		client.Close()
		a.conn.Close()
	})
	return client, a.conn
}

func TestPipe_CopiesAllBytes(t *testing.T) {
	data := make([]byte, 64*1024+13) // force multiple buffer refills
	if _, err := rand.Read(data); err != nil {
		t.Fatalf("Failed to generate payload: %v", err)
	}

	var dst bytes.Buffer
	n, err := Pipe(&dst, bytes.NewReader(data), nil)
	if err != nil {
		t.Fatalf("Pipe returned error: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("Expected %d bytes written, got %d", len(data), n)
	}
	if !bytes.Equal(dst.Bytes(), data) {
		t.Error("Relayed bytes differ from source")
	}
}

// shortWriter accepts at most 3 bytes per call without reporting an
// error, exercising the short-write completion path.
type shortWriter struct {
	buf bytes.Buffer
}

func (w *shortWriter) Write(p []byte) (int, error) {
	if len(p) > 3 {
		p = p[:3]
	}
	return w.buf.Write(p)
}

func TestPipe_CompletesShortWrites(t *testing.T) {
	data := []byte("no byte reordering, no drops, no duplication")

	var dst shortWriter
	n, err := Pipe(&dst, bytes.NewReader(data), make([]byte, 8))
	if err != nil {
		t.Fatalf("Pipe returned error: %v", err)
	}
	if n != int64(len(data)) {
		t.Errorf("Expected %d bytes written, got %d", len(data), n)
	}
	if !bytes.Equal(dst.buf.Bytes(), data) {
		t.Errorf("Got %q, want %q", dst.buf.Bytes(), data)
	}
}

type errWriter struct{ err error }

func (w errWriter) Write(p []byte) (int, error) { return 0, w.err }

func TestPipe_WriteErrorStopsCopy(t *testing.T) {
	wantErr := errors.New("broken pipe")
	_, err := Pipe(errWriter{err: wantErr}, bytes.NewReader([]byte("data")), nil)
	if !errors.Is(err, wantErr) {
		t.Errorf("Expected write error to surface, got %v", err)
	}
}

func TestPipe_PropagatesHalfClose(t *testing.T) {
	srcClient, srcServer := tcpPair(t)
	dstClient, dstServer := tcpPair(t)

	pipeDone := make(chan error, 1)
	go func() {
		_, err := Pipe(dstClient, srcServer, nil)
		pipeDone <- err
	}()

	payload := []byte("hello")
	if _, err := srcClient.Write(payload); err != nil {
		t.Fatalf("Failed to write: %v", err)
	}
	if err := srcClient.(*net.TCPConn).CloseWrite(); err != nil {
		t.Fatalf("Failed to half-close: %v", err)
	}

	// ReadAll finishes only when the half-close reaches the far end.
	dstServer.SetReadDeadline(time.Now().Add(5 * time.Second))
	got, err := io.ReadAll(dstServer)
	if err != nil {
		t.Fatalf("Failed to read relayed bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Got %q, want %q", got, payload)
	}

	select {
	case err := <-pipeDone:
		if err != nil {
			t.Errorf("Pipe returned error on clean end-of-stream: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Pipe did not return after end-of-stream")
	}
}

func TestJoin_EchoRoundTrip(t *testing.T) {
	clientConn, relayClientSide := tcpPair(t)
	relayUpstreamSide, upstreamConn := tcpPair(t)

	// Echo upstream that closes once the client is done sending.
	go func() {
		io.Copy(upstreamConn, upstreamConn)
		upstreamConn.Close()
	}()

	type joined struct {
		stats Stats
		err   error
	}
	done := make(chan joined, 1)
	go func() {
		stats, err := Join(relayClientSide, relayUpstreamSide, nil, nil)
		done <- joined{stats, err}
	}()

	payload := make([]byte, 256*1024)
	if _, err := rand.Read(payload); err != nil {
		t.Fatalf("Failed to generate payload: %v", err)
	}

	writeErr := make(chan error, 1)
	go func() {
		if _, err := clientConn.Write(payload); err != nil {
			writeErr <- err
			return
		}
		writeErr <- clientConn.(*net.TCPConn).CloseWrite()
	}()

	clientConn.SetReadDeadline(time.Now().Add(10 * time.Second))
	got, err := io.ReadAll(clientConn)
	if err != nil {
		t.Fatalf("Failed to read echoed bytes: %v", err)
	}
	if err := <-writeErr; err != nil {
		t.Fatalf("Failed to send payload: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Echoed bytes differ from payload (got %d bytes, want %d)", len(got), len(payload))
	}

	select {
	case j := <-done:
		if j.err != nil {
			t.Errorf("Join returned error on clean close: %v", j.err)
		}
		if j.stats.BytesToUpstream != int64(len(payload)) {
			t.Errorf("Expected %d bytes to upstream, got %d", len(payload), j.stats.BytesToUpstream)
		}
		if j.stats.BytesToClient != int64(len(payload)) {
			t.Errorf("Expected %d bytes to client, got %d", len(payload), j.stats.BytesToClient)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Join did not return after both directions closed")
	}
}

func TestJoin_SurfacesFirstError(t *testing.T) {
	clientConn, relayClientSide := tcpPair(t)
	relayUpstreamSide, upstreamConn := tcpPair(t)
	_ = upstreamConn

	done := make(chan error, 1)
	go func() {
		_, err := Join(relayClientSide, relayUpstreamSide, nil, nil)
		done <- err
	}()

	// Kill the upstream leg mid-relay, then release the client leg so
	// both directions can finish.
	relayUpstreamSide.Close()
	time.Sleep(50 * time.Millisecond)
	clientConn.Close()
	relayClientSide.Close()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected Join to surface the upstream failure")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after connection failure")
	}
}

func TestJoin_DeliversBytesBeforeUpstreamReset(t *testing.T) {
	clientConn, relayClientSide := tcpPair(t)
	relayUpstreamSide, upstreamConn := tcpPair(t)

	done := make(chan error, 1)
	go func() {
		_, err := Join(relayClientSide, relayUpstreamSide, nil, nil)
		done <- err
	}()

	// Bytes the upstream wrote before failing must still reach the
	// client; the failure of one direction must not discard in-flight
	// data from the other.
	payload := []byte("delivered before the reset")
	if _, err := upstreamConn.Write(payload); err != nil {
		t.Fatalf("Failed to write from upstream: %v", err)
	}

	got := make([]byte, len(payload))
	clientConn.SetReadDeadline(time.Now().Add(5 * time.Second))
	if _, err := io.ReadFull(clientConn, got); err != nil {
		t.Fatalf("Failed to read relayed bytes: %v", err)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("Got %q, want %q", got, payload)
	}

	// Reset the upstream leg while the client keeps sending.
	upstreamConn.(*net.TCPConn).SetLinger(0)
	upstreamConn.Close()

	go func() {
		chunk := bytes.Repeat([]byte{'x'}, 1024)
		for {
			if _, err := clientConn.Write(chunk); err != nil {
				return
			}
		}
	}()

	select {
	case err := <-done:
		if err == nil {
			t.Error("Expected Join to surface the upstream reset")
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Join did not return after upstream reset")
	}
}

func TestSession_RelayIndependentSessions(t *testing.T) {
	// Two sessions relayed concurrently must never cross-deliver bytes.
	type session struct {
		tag        byte
		clientConn net.Conn
	}

	var sessions []session
	for _, tag := range []byte{'a', 'b'} {
		clientConn, relayClientSide := tcpPair(t)
		relayUpstreamSide, upstreamConn := tcpPair(t)

		go func() {
			io.Copy(upstreamConn, upstreamConn)
			upstreamConn.Close()
		}()

		sess := &Session{ID: string(tag), Client: relayClientSide, Upstream: relayUpstreamSide}
		go sess.Relay(nil, nil)

		sessions = append(sessions, session{tag: tag, clientConn: clientConn})
	}

	results := make(chan error, len(sessions))
	for _, sess := range sessions {
		sess := sess
		go func() {
			payload := bytes.Repeat([]byte{sess.tag}, 32*1024)
			go func() {
				sess.clientConn.Write(payload)
				sess.clientConn.(*net.TCPConn).CloseWrite()
			}()

			sess.clientConn.SetReadDeadline(time.Now().Add(10 * time.Second))
			got, err := io.ReadAll(sess.clientConn)
			if err != nil {
				results <- err
				return
			}
			if !bytes.Equal(got, payload) {
				results <- errors.New("session received bytes from another session")
				return
			}
			results <- nil
		}()
	}

	for range sessions {
		select {
		case err := <-results:
			if err != nil {
				t.Errorf("Session failed: %v", err)
			}
		case <-time.After(15 * time.Second):
			t.Fatal("Timed out waiting for sessions")
		}
	}
}
