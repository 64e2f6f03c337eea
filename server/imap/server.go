// Package imap implements the IMAP4rev1 server: a per-connection command
// loop over a four-state session (not-authenticated, authenticated, selected,
// logged out) with a closed command table per state. Mailbox state lives in
// the store; message content is read through the cache/blob pipeline and
// written through the shared delivery path.
package imap

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
	"github.com/brevmail/brev/server/delivery"
	"github.com/brevmail/brev/server/events"
	"github.com/brevmail/brev/server/uploader"
	"github.com/brevmail/brev/store"
)

// DefaultAppendLimit bounds APPEND literals.
const DefaultAppendLimit = 25 * 1024 * 1024

type Server struct {
	hostname    string
	store       *store.Store
	pipeline    *delivery.Pipeline
	content     *uploader.ContentReader
	sink        events.Sink
	limiter     *serverPkg.ConnectionLimiter
	tlsConfig   *tls.Config
	startTLS    bool
	idleTimeout time.Duration
	appendLimit int64

	mu       sync.Mutex
	listener net.Listener
	conns    map[*conn]struct{}
	closed   bool
	wg       sync.WaitGroup
}

func New(hostname string, st *store.Store, pipeline *delivery.Pipeline, content *uploader.ContentReader, sink events.Sink, cfg config.IMAPServerConfig) (*Server, error) {
	idleTimeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	s := &Server{
		hostname:    hostname,
		store:       st,
		pipeline:    pipeline,
		content:     content,
		sink:        sink,
		limiter:     serverPkg.NewConnectionLimiter("imap", cfg.MaxConnections),
		idleTimeout: idleTimeout,
		appendLimit: DefaultAppendLimit,
		conns:       make(map[*conn]struct{}),
	}

	if cfg.TLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load imap tls certificate: %w", err)
		}
		s.tlsConfig = &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ServerName:   hostname,
		}
		s.startTLS = true
	}
	return s, nil
}

// ListenAndServe blocks until the listener fails or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("imap listen %s: %w", addr, err)
	}
	logger.Info("imap listening", "addr", ln.Addr().String())
	return s.Serve(ctx, ln)
}

// Serve accepts connections from ln, one goroutine per connection.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return errors.New("imap server closed")
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
			return fmt.Errorf("imap accept: %w", err)
		}

		release, err := s.limiter.Acquire()
		if err != nil {
			logger.Warn("imap connection rejected", "remote", netConn.RemoteAddr().String(), "error", err)
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
