// Package smtp implements the inbound SMTP frontend on the go-smtp engine.
// The engine owns the wire protocol; the backend here resolves recipients
// against the account store and commits accepted messages through the
// delivery pipeline, one store transaction per message.
package smtp

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"sync"

	"github.com/emersion/go-smtp"

	"github.com/brevmail/brev/config"
	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/logger"
	serverPkg "github.com/brevmail/brev/server"
	"github.com/brevmail/brev/server/delivery"
	"github.com/brevmail/brev/server/idgen"
	"github.com/brevmail/brev/store"
)

type Server struct {
	engine  *smtp.Server
	backend *backend

	// implicitTLS, when set, wraps the listener so the port speaks TLS
	// from the first byte (SMTPS) instead of advertising STARTTLS.
	implicitTLS *tls.Config

	mu     sync.Mutex
	closed bool
}

func New(hostname string, st *store.Store, pipeline *delivery.Pipeline, cfg config.SMTPServerConfig) (*Server, error) {
	timeout, err := cfg.GetCommandTimeout()
	if err != nil {
		return nil, err
	}

	maxMessageBytes := cfg.MaxMessageBytes
	if maxMessageBytes <= 0 {
		maxMessageBytes = consts.MaxMessageSize
	}
	maxRecipients := cfg.MaxRecipients
	if maxRecipients <= 0 {
		maxRecipients = consts.MaxSMTPRecipients
	}

	b := &backend{
		hostname:     hostname,
		store:        st,
		pipeline:     pipeline,
		authRequired: cfg.AuthRequired,
		limiter:      serverPkg.NewConnectionLimiter("smtp", cfg.MaxConnections),
		ctx:          context.Background(),
	}

	engine := smtp.NewServer(b)
	engine.Domain = hostname
	engine.ReadTimeout = timeout
	engine.WriteTimeout = timeout
	engine.MaxMessageBytes = maxMessageBytes
	engine.MaxRecipients = maxRecipients
	// Without any TLS there is no secure channel to insist on; with
	// STARTTLS the engine refuses AUTH until the session is encrypted.
	engine.AllowInsecureAuth = !cfg.TLS && !cfg.TLSUseStartTLS

	s := &Server{engine: engine, backend: b}

	if cfg.TLS || cfg.TLSUseStartTLS {
		cert, err := tls.LoadX509KeyPair(cfg.TLSCertFile, cfg.TLSKeyFile)
		if err != nil {
			return nil, fmt.Errorf("load smtp tls certificate: %w", err)
		}
		tlsConfig := &tls.Config{
			Certificates: []tls.Certificate{cert},
			MinVersion:   tls.VersionTLS12,
			ServerName:   hostname,
		}
		if cfg.TLSUseStartTLS {
			engine.TLSConfig = tlsConfig
		} else {
			s.implicitTLS = tlsConfig
		}
	}
	return s, nil
}

// ListenAndServe blocks until the listener fails or Close is called.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("smtp listen %s: %w", addr, err)
	}
	logger.Info("smtp listening", "addr", ln.Addr().String(),
		"starttls", s.engine.TLSConfig != nil, "tls", s.implicitTLS != nil)
	return s.Serve(ctx, ln)
}

// Serve hands the listener to the engine. ctx becomes the parent of every
// session context, so cancelling it aborts in-flight store work.
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	if s.implicitTLS != nil {
		ln = tls.NewListener(ln, s.implicitTLS)
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		ln.Close()
		return fmt.Errorf("smtp server closed")
	}
	s.mu.Unlock()

	s.backend.setContext(ctx)
	err := s.engine.Serve(ln)

	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return nil
	}
	return err
}

// Close stops accepting and closes live sessions.
func (s *Server) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()
	s.engine.Close()
}

// backend builds one session per connection and carries the shared
// dependencies.
type backend struct {
	hostname     string
	store        *store.Store
	pipeline     *delivery.Pipeline
	authRequired bool
	limiter      *serverPkg.ConnectionLimiter

	mu  sync.Mutex
	ctx context.Context
}

func (b *backend) setContext(ctx context.Context) {
	b.mu.Lock()
	b.ctx = ctx
	b.mu.Unlock()
}

func (b *backend) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.ctx
}

func (b *backend) NewSession(c *smtp.Conn) (smtp.Session, error) {
	release, err := b.limiter.Acquire()
	if err != nil {
		return nil, &smtp.SMTPError{
			Code:         421,
			EnhancedCode: smtp.EnhancedCode{4, 3, 2},
			Message:      "Too many connections, try again later",
		}
	}

	ctx, cancel := context.WithCancel(b.context())
	s := &session{
		backend: b,
		conn:    c,
		ctx:     ctx,
		cancel:  cancel,
		release: release,
	}
	s.Session = serverPkg.Session{
		ID:       idgen.New(),
		Protocol: "smtp",
		RemoteIP: remoteIP(c),
		HostName: b.hostname,
	}
	s.Log("connected")
	return s, nil
}

func remoteIP(c *smtp.Conn) string {
	netConn := c.Conn()
	if netConn == nil {
		return "unknown"
	}
	host, _, err := net.SplitHostPort(netConn.RemoteAddr().String())
	if err != nil {
		return netConn.RemoteAddr().String()
	}
	return host
}
