// Package pop3 implements the POP3 server: a per-connection command loop
// over the three-state session (authorization, transaction, update) with a
// closed command table per state. The transaction state works on a message
// list snapshotted at login; deletion marks are session-local until the
// update state commits them in one store transaction.
package pop3

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/logger"
	serverPkg "github.com/brevmail/brev/server"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/server/uploader"
	"github.com/brevmail/brev/store"
)

// Error tolerance before a misbehaving client is disconnected; each error
// also delays the response to slow down guessing.
const (
	maxClientErrors   = 3
	defaultErrorDelay = 3 * time.Second
)

type Server struct {
	hostname    string
	store       *store.Store
	content     *uploader.ContentReader
	sink        events.Sink
	limiter     *serverPkg.ConnectionLimiter
	tlsConfig   *tls.Config
	idleTimeout time.Duration
	errorDelay  time.Duration

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(hostname string, st *store.Store, content *uploader.ContentReader, sink events.Sink, cfg config.POP3ServerConfig) (*Server, error) {
	idleTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	s := &Server{
		hostname:    hostname,
		store:       st,
		content:     content,
		sink:        sink,
		limiter:     serverPkg.NewConnectionLimiter("pop3", cfg.MaxConnections),
		idleTimeout: idleTimeout,
		errorDelay:  defaultErrorDelay,
		conns:       make(map[*conn]struct{}),
	}

	if cfg.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load pop3 tls certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ServerName:   hostname,
		}
	}
	return s, nil
}

// ListenAndServe blocks until the listener fails or Close is called. With
// TLS configured the listener speaks implicit TLS (POP3S).
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("pop3 listen %s: %w", addr, err)
	}
	if s.tlsConfig != nil {
		ln = tls.NewListener(ln, s.tlsConfig)
	}
	logger.Info("pop3 listening", "addr", ln.Addr().String(), "tls", s.tlsConfig != nil)
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln, one goroutine per connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("pop3 server closed")
	}
	s.listener = ln
	s.mu.Unlock()

	for {
		netConn, err := ln.Accept()
		if err != nil {
			s.mu.Lock()
			closed := s.closed
			s.mu.Unlock()
			if closed {
				return nil
			}
			var ne net.Error
			if errors.As(err, &ne) && ne.Timeout() {
				continue
			}
			return fmt.Errorf("pop3 accept: %w", err)
		}

		release, err := s.limiter.Acquire()
		if err != nil {
			logger.Warn("pop3 connection rejected", "remote", netConn.RemoteAddr().String(), "error", err)
			netConn.Close()
			continue
		}

		c := newConn(s, netConn)
		s.track(c)
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer release()
			defer s.untrack(c)
			c.serve(ctx)
		}()
	}
}

// Close stops accepting and tears down live sessions.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	ln := s.listener
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	if ln != nil {
		ln.Close()
	}
	for _, c := range conns {
		c.shutdown()
	}
	s.wg.Wait()
}

func (s *Server) track(c *conn) {
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
}

func (s *Server) untrack(c *conn) {
	s.mu.Lock()
	delete(s.conns, c)
	s.mu.Unlock()
}
