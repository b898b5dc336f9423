package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/migadu/maildrop/logger"
	"github.com/migadu/maildrop/pkg/metrics"
	serverPkg "github.com/migadu/maildrop/server"
	"golang.org/x/sync/semaphore"
)

const drainTimeout = 30 * time.Second

type POP3Server struct {
	addr      string
	name      string
	hostname  string
	backend   Backend
	appCtx    context.Context
	cancel    context.CancelFunc
	tlsConfig *tls.Config

	maxLineLength  int
	commandTimeout time.Duration

	// Connection limiting; nil means unlimited.
	slots *semaphore.Weighted

	// Connection counters
	totalConnections         atomic.Int64
	authenticatedConnections atomic.Int64

	// Active connections for graceful shutdown
	activeConnsMutex sync.Mutex
	activeConns      map[net.Conn]struct{}
	sessionsWg       sync.WaitGroup
}

type POP3ServerOptions struct {
	TLS            bool
	TLSCertFile    string
	TLSKeyFile     string
	MaxConnections int           // 0 = unlimited
	MaxLineLength  int           // 0 = DefaultMaxLineLength
	CommandTimeout time.Duration // idle time before disconnection, 0 = disabled
}

func New(appCtx context.Context, name, hostname, popAddr string, backend Backend, options POP3ServerOptions) (*POP3Server, error) {
	if backend == nil {
		return nil, errors.New("pop3: backend is required")
	}

	serverCtx, serverCancel := context.WithCancel(appCtx)

	server := &POP3Server{
		hostname:       hostname,
		name:           name,
		addr:           popAddr,
		backend:        backend,
		appCtx:         serverCtx,
		cancel:         serverCancel,
		maxLineLength:  options.MaxLineLength,
		commandTimeout: options.CommandTimeout,
		activeConns:    make(map[net.Conn]struct{}),
	}
	if server.maxLineLength <= 0 {
		server.maxLineLength = DefaultMaxLineLength
	}
	if options.MaxConnections > 0 {
		server.slots = semaphore.NewWeighted(int64(options.MaxConnections))
	}

	if options.TLS {
		if options.TLSCertFile == "" || options.TLSKeyFile == "" {
			serverCancel()
			return nil, errors.New("pop3: TLS enabled but tls_cert_file or tls_key_file is missing")
		}
		cert, err := tls.LoadX509KeyPair(options.TLSCertFile, options.TLSKeyFile)
		if err != nil {
			serverCancel()
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
		server.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ClientAuth:   tls.NoClientCert,
			ServerName:   hostname,
			NextProtos:   []string{"pop3"},
		}
	}

	return server, nil
}

// Start listens on the configured address and serves until the server is
// closed. Fatal listener errors are sent to errChan.
func (s *POP3Server) Start(errChan chan error) {
	listener, err := net.Listen("tcp", s.addr)
	if err != nil {
		s.cancel()
		errChan <- fmt.Errorf("failed to create listener: %w", err)
		return
	}

	if s.tlsConfig != nil {
		listener = tls.NewListener(listener, s.tlsConfig)
		logger.Info("POP3 server listening with TLS", "name", s.name, "addr", s.addr)
	} else {
		logger.Info("POP3 server listening", "name", s.name, "addr", s.addr, "tls", false)
	}

	if err := s.Serve(listener); err != nil {
		errChan <- err
	}
}

// Serve accepts connections on listener until the server is closed. It
// returns nil after a graceful stop.
func (s *POP3Server) Serve(listener net.Listener) error {
	defer listener.Close()

	go func() {
		<-s.appCtx.Done()
		logger.Debug("POP3: stopping", "name", s.name)
		listener.Close()
	}()

	for {
		conn, err := listener.Accept()
		if err != nil {
			select {
			case <-s.appCtx.Done():
				logger.Info("POP3 server stopped gracefully", "name", s.name)
				return nil
			default:
				return err
			}
		}

		if s.slots != nil && !s.slots.TryAcquire(1) {
			metrics.ConnectionsRejected.WithLabelValues(protocolLabel).Inc()
			logger.Debug("POP3: connection rejected, server at capacity", "name", s.name, "remote", conn.RemoteAddr().String())
			conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
			io.WriteString(conn, msgTooManyConns+"\r\n")
			conn.Close()
			continue
		}

		s.trackConn(conn, true)
		s.sessionsWg.Add(1)
		go func() {
			defer s.sessionsWg.Done()
			defer func() {
				if s.slots != nil {
					s.slots.Release(1)
				}
			}()
			s.handleConn(conn)
		}()
	}
}

func (s *POP3Server) handleConn(conn net.Conn) {
	start := time.Now()
	totalCount := s.totalConnections.Add(1)
	metrics.ConnectionsTotal.WithLabelValues(protocolLabel).Inc()
	metrics.ConnectionsCurrent.WithLabelValues(protocolLabel).Inc()

	defer func() {
		conn.Close()
		s.trackConn(conn, false)
		s.totalConnections.Add(-1)
		metrics.ConnectionsCurrent.WithLabelValues(protocolLabel).Dec()
		metrics.ConnectionDuration.WithLabelValues(protocolLabel).Observe(time.Since(start).Seconds())
	}()

	sessionCtx, sessionCancel := context.WithCancel(s.appCtx)
	defer sessionCancel()

	session := NewSession(sessionCtx, newTextConn(conn, s.maxLineLength, s.commandTimeout), s.backend)
	session.srv = s
	session.Id = uuid.NewString()
	session.RemoteIP = remoteIP(conn.RemoteAddr())
	session.ServerName = s.name
	session.Stats = s

	logger.Debug("POP3: new connection", "name", s.name, "remote", session.RemoteIP, "total_connections", totalCount, "authenticated_connections", s.authenticatedConnections.Load())

	if err := session.Serve(); err != nil {
		session.WarnLog("session ended with error: %v", err)
	}
	session.Log("closed")
}

func remoteIP(addr net.Addr) string {
	if addr == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}

func (s *POP3Server) trackConn(conn net.Conn, add bool) {
	s.activeConnsMutex.Lock()
	defer s.activeConnsMutex.Unlock()
	if add {
		s.activeConns[conn] = struct{}{}
	} else {
		delete(s.activeConns, conn)
	}
}

// Close stops accepting, tells connected clients the server is going away
// and waits for their sessions to release their mailboxes.
func (s *POP3Server) Close() {
	if s.cancel != nil {
		s.cancel()
	}

	s.activeConnsMutex.Lock()
	conns := make([]net.Conn, 0, len(s.activeConns))
	for conn := range s.activeConns {
		conns = append(conns, conn)
	}
	s.activeConnsMutex.Unlock()

	if len(conns) > 0 {
		logger.Debug("POP3: closing active connections", "name", s.name, "count", len(conns))
	}
	for _, conn := range conns {
		conn.SetWriteDeadline(time.Now().Add(time.Second))
		io.WriteString(conn, msgShuttingDown+"\r\n")
		// Unblocks the session read; the session then releases its mailbox.
		conn.Close()
	}

	s.waitForSessionsDrain(drainTimeout)
}

// waitForSessionsDrain waits for all active sessions to finish with a timeout
func (s *POP3Server) waitForSessionsDrain(timeout time.Duration) {
	done := make(chan struct{})
	go func() {
		s.sessionsWg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Debug("POP3: All sessions drained gracefully", "name", s.name)
	case <-time.After(timeout):
		logger.Warn("POP3: Session drain timeout, forcing shutdown", "name", s.name, "timeout", timeout)
	}
}

// GetTotalConnections returns the current total connection count
func (s *POP3Server) GetTotalConnections() int64 {
	return s.totalConnections.Load()
}

// GetAuthenticatedConnections returns the current authenticated connection count
func (s *POP3Server) GetAuthenticatedConnections() int64 {
	return s.authenticatedConnections.Load()
}

var _ serverPkg.ConnectionStatsProvider = (*POP3Server)(nil)
