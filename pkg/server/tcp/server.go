// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

package tcp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/google/uuid"

	rerrors "github.com/absmach/relay/pkg/errors"
	"github.com/absmach/relay/pkg/metrics"
	"github.com/absmach/relay/pkg/relay"
)

const (
	// DefaultDialTimeout is the default timeout for dialing the upstream.
	DefaultDialTimeout = 10 * time.Second

	// DefaultShutdownTimeout is the default timeout for graceful shutdown.
	DefaultShutdownTimeout = 30 * time.Second
)

// ErrShutdownTimeout is returned when graceful shutdown exceeds the configured timeout.
var ErrShutdownTimeout = errors.New("shutdown timeout exceeded")

// Config holds the acceptor configuration.
type Config struct {
	// Address is the listen address (host:port)
	Address string

	// TargetAddress is the fixed upstream address every session dials (host:port)
	TargetAddress string

	// TLSConfig, when set, terminates TLS on this listener. Each accepted
	// connection performs a server-side handshake before the upstream is
	// dialed; the upstream leg is always plaintext.
	TLSConfig *tls.Config

	// DialTimeout bounds the upstream dial. Defaults to DefaultDialTimeout.
	DialTimeout time.Duration

	// ShutdownTimeout is the maximum time to wait for active sessions to
	// drain during graceful shutdown. After this timeout, remaining
	// sessions are forcefully closed.
	ShutdownTimeout time.Duration

	// MaxConnections limits concurrent sessions on this listener.
	// Zero means unlimited.
	MaxConnections int

	// BufferSize is the capacity of each per-direction relay buffer.
	// Defaults to relay.DefaultBufferSize.
	BufferSize int

	// TCPKeepAlive enables TCP keep-alive with the given period on both
	// legs when non-zero.
	TCPKeepAlive time.Duration

	// DisableNoDelay disables TCP_NODELAY on both legs.
	DisableNoDelay bool

	// Logger for server events
	Logger *slog.Logger

	// Metrics, when set, records session and error counters.
	Metrics *metrics.Metrics
}

// Server accepts connections on one address and relays each of them,
// byte for byte, to the fixed upstream address.
type Server struct {
	config     Config
	wg         sync.WaitGroup
	connSem    chan struct{}
	bufferPool *sync.Pool
	mu         sync.Mutex
	addr       net.Addr
}

// New creates a new relay server with the given configuration.
func New(cfg Config) *Server {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = DefaultDialTimeout
	}
	if cfg.ShutdownTimeout == 0 {
		cfg.ShutdownTimeout = DefaultShutdownTimeout
	}
	if cfg.BufferSize == 0 {
		cfg.BufferSize = relay.DefaultBufferSize
	}

	s := &Server{
		config: cfg,
		bufferPool: &sync.Pool{
			New: func() interface{} {
				buf := make([]byte, cfg.BufferSize)
				return &buf
			},
		},
	}
	if cfg.MaxConnections > 0 {
		s.connSem = make(chan struct{}, cfg.MaxConnections)
	}

	return s
}

// Addr returns the bound listen address, or nil before Listen has bound
// it. Useful when Config.Address requests an ephemeral port.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.addr
}

// Listen starts the acceptor and blocks until the context is cancelled
// or the listener becomes unusable. It implements graceful shutdown with
// session draining.
func (s *Server) Listen(ctx context.Context) error {
	listener, err := net.Listen("tcp", s.config.Address)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.config.Address, err)
	}

	// Wrap with TLS if configured
	if s.config.TLSConfig != nil {
		listener = tls.NewListener(listener, s.config.TLSConfig)
		s.config.Logger.Info("TLS termination enabled", slog.String("address", s.config.Address))
	}

	s.mu.Lock()
	s.addr = listener.Addr()
	s.mu.Unlock()

	s.config.Logger.Info("relay server started",
		slog.String("address", listener.Addr().String()),
		slog.String("upstream", s.config.TargetAddress))

	// Sessions get their own context so forced closure during shutdown
	// is decoupled from the accept loop's lifetime.
	connCtx, connCancel := context.WithCancel(context.Background())
	defer connCancel()

	acceptErr := make(chan error, 1)
	go func() {
		acceptErr <- s.acceptLoop(ctx, connCtx, listener)
	}()

	var loopErr error
	loopDone := false
	select {
	case loopErr = <-acceptErr:
		loopDone = true
	case <-ctx.Done():
		s.config.Logger.Info("shutdown signal received, closing listener")
	}

	// Close the listener to stop accepting new connections
	if err := listener.Close(); err != nil {
		s.config.Logger.Error("error closing listener", slog.String("error", err.Error()))
	}
	if !loopDone {
		loopErr = <-acceptErr
	}

	// Wait for active sessions to drain with timeout
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		s.config.Logger.Info("all sessions closed gracefully")
		return loopErr
	case <-time.After(s.config.ShutdownTimeout):
		s.config.Logger.Warn("shutdown timeout exceeded, forcing session closure")
		connCancel()
		select {
		case <-done:
		case <-time.After(1 * time.Second):
		}
		if loopErr == nil {
			loopErr = ErrShutdownTimeout
		}
		return loopErr
	}
}

// acceptLoop accepts connections until the context is cancelled or the
// listener fails. Per-connection errors never stop the loop; an error
// from the listener itself terminates the acceptor and is surfaced to
// the caller.
func (s *Server) acceptLoop(ctx, connCtx context.Context, listener net.Listener) error {
	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				// Expected error during shutdown
				return nil
			default:
			}

			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				if s.config.Metrics != nil {
					s.config.Metrics.AcceptErrors.WithLabelValues(s.config.Address).Inc()
				}
				s.config.Logger.Warn("transient accept error", slog.String("error", err.Error()))
				continue
			}
			return fmt.Errorf("accept on %s failed: %w", s.config.Address, err)
		}

		if s.connSem != nil {
			select {
			case s.connSem <- struct{}{}:
			default:
				lerr := rerrors.New("accept", s.config.Address, "", conn.RemoteAddr().String(),
					rerrors.ErrConnectionLimit)
				s.config.Logger.Warn("dropping connection", slog.String("error", lerr.Error()))
				conn.Close()
				continue
			}
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			if s.connSem != nil {
				defer func() { <-s.connSem }()
			}
			if err := s.handleConn(connCtx, conn); err != nil && !errors.Is(err, io.EOF) {
				s.config.Logger.Debug("session ended with error",
					slog.String("remote", conn.RemoteAddr().String()),
					slog.String("error", err.Error()))
			}
		}()
	}
}

// handleConn relays a single client connection by:
// 1. Completing the TLS handshake when this listener terminates TLS
// 2. Dialing the fixed upstream
// 3. Running both copy directions until the session ends
// 4. Closing both connections when done
func (s *Server) handleConn(ctx context.Context, inbound net.Conn) error {
	defer inbound.Close()

	sessionID := uuid.New().String()
	remote := inbound.RemoteAddr().String()

	// Terminate TLS before touching the upstream; a failed handshake
	// must not cost a dial.
	if tlsConn, ok := inbound.(*tls.Conn); ok {
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			if s.config.Metrics != nil {
				s.config.Metrics.HandshakeErrors.WithLabelValues(s.config.Address).Inc()
			}
			return rerrors.New("handshake", s.config.Address, sessionID, remote,
				fmt.Errorf("%w: %v", rerrors.ErrHandshakeFailed, err))
		}
	}
	s.tuneConn(inbound)

	outbound, err := net.DialTimeout("tcp", s.config.TargetAddress, s.config.DialTimeout)
	if err != nil {
		if s.config.Metrics != nil {
			s.config.Metrics.DialErrors.WithLabelValues(s.config.Address).Inc()
		}
		return rerrors.New("dial", s.config.Address, sessionID, remote,
			fmt.Errorf("%w: %v", rerrors.ErrUpstreamUnavailable, err))
	}
	defer outbound.Close()
	s.tuneConn(outbound)

	// Force-close both legs if the server gives up draining.
	stop := context.AfterFunc(ctx, func() {
		inbound.Close()
		outbound.Close()
	})
	defer stop()

	s.config.Logger.Debug("session established",
		slog.String("session", sessionID),
		slog.String("client", remote),
		slog.String("upstream", s.config.TargetAddress))

	sess := &relay.Session{ID: sessionID, Client: inbound, Upstream: outbound}

	toUpstream := s.bufferPool.Get().(*[]byte)
	toClient := s.bufferPool.Get().(*[]byte)
	defer s.bufferPool.Put(toUpstream)
	defer s.bufferPool.Put(toClient)

	var stats relay.Stats
	var relayErr error
	run := func() (relay.Stats, error) {
		stats, relayErr = sess.Relay(*toUpstream, *toClient)
		return stats, relayErr
	}
	if s.config.Metrics != nil {
		s.config.Metrics.ObserveSession(s.config.Address, run)
	} else {
		run()
	}

	s.config.Logger.Debug("session closed",
		slog.String("session", sessionID),
		slog.Int64("bytes_to_upstream", stats.BytesToUpstream),
		slog.Int64("bytes_to_client", stats.BytesToClient))

	if relayErr != nil {
		// An error after forced closure is the shutdown, not the peer.
		if ctx.Err() != nil {
			relayErr = fmt.Errorf("%w: %v", rerrors.ErrConnectionClosed, relayErr)
		}
		return rerrors.New("relay", s.config.Address, sessionID, remote, relayErr)
	}
	return nil
}

// tuneConn applies the configured TCP options to one leg of a session.
func (s *Server) tuneConn(conn net.Conn) {
	if tlsConn, ok := conn.(*tls.Conn); ok {
		conn = tlsConn.NetConn()
	}
	tcpConn, ok := conn.(*net.TCPConn)
	if !ok {
		return
	}

	if s.config.TCPKeepAlive > 0 {
		tcpConn.SetKeepAlive(true)
		tcpConn.SetKeepAlivePeriod(s.config.TCPKeepAlive)
	}
	tcpConn.SetNoDelay(!s.config.DisableNoDelay)
}
