package imap

import (
	"bufio"
	"context"
	"crypto/tls"
	"encoding/base64"
	"errors"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/pkg/metrics"
	"github.com/brevmail/brev/store"
)

func (c *conn) cmdLogin(ctx context.Context, tag string, p *parser) error {
	if err := p.space(); err != nil {
		return err
	}
	address, err := p.astring()
	if err != nil {
		return err
	}
	if err := p.space(); err != nil {
		return err
	}
	password, err := p.astring()
	if err != nil {
		return err
	}
	if err := p.end(); err != nil {
		return err
	}

	user, err := c.server.store.Authenticate(ctx, address, password)
	if err != nil {
		metrics.AuthenticationAttempts.WithLabelValues("imap", "failure").Inc()
		if errors.Is(err, consts.ErrAuthFailed) {
			c.session.Log("login failed for %q", address)
			return noCode("AUTHENTICATIONFAILED", "authentication failed")
		}
		return mapStoreError(err)
	}
	return c.loginSucceeded(tag, user)
}

func (c *conn) loginSucceeded(tag string, user *store.User) error {
	metrics.AuthenticationAttempts.WithLabelValues("imap", "success").Inc()
	c.user = user
	c.session.User = user
	c.state = stateAuthenticated
	c.session.Log("authenticated")
	return c.okCode(tag, "CAPABILITY "+c.capabilities(), "logged in")
}

func (c *conn) cmdAuthenticate(ctx context.Context, tag string, p *parser) error {
	if err := p.space(); err != nil {
		return err
	}
	mech, err := p.atom()
	if err != nil {
		return err
	}
	var initial []byte
	hasInitial := false
	if !p.empty() {
		if err := p.space(); err != nil {
			return err
		}
		raw := p.line
		p.line = ""
		hasInitial = true
		if raw != "=" {
			initial, err = base64.StdEncoding.DecodeString(raw)
			if err != nil {
				return bad("bad base64 initial response")
			}
		} else {
			initial = []byte{}
		}
	}
	if !strings.EqualFold(mech, "PLAIN") {
		return no("unsupported authentication mechanism %q", mech)
	}

	var user *store.User
	saslServer := sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return errors.New("authorization identity not supported")
		}
		u, authErr := c.server.store.Authenticate(ctx, username, password)
		if authErr != nil {
			return authErr
		}
		user = u
		return nil
	})

	response := initial
	if !hasInitial {
		response = nil
	}
	for {
		challenge, done, err := saslServer.Next(response)
		if err != nil {
			metrics.AuthenticationAttempts.WithLabelValues("imap", "failure").Inc()
			c.session.Log("authenticate failed: %v", err)
			return noCode("AUTHENTICATIONFAILED", "authentication failed")
		}
		if done {
			break
		}
		if err := c.writeFlush("+ %s", base64.StdEncoding.EncodeToString(challenge)); err != nil {
			return err
		}
		line, err := c.readLine()
		if err != nil {
			return err
		}
		if line == "*" {
			return bad("authentication aborted")
		}
		response, err = base64.StdEncoding.DecodeString(line)
		if err != nil {
			return bad("bad base64 response")
		}
	}
	return c.loginSucceeded(tag, user)
}

func (c *conn) cmdStartTLS(ctx context.Context, tag string, p *parser) error {
	if err := p.end(); err != nil {
		return bad("starttls takes no arguments")
	}
	if !c.server.startTLS {
		return no("TLS not configured")
	}
	if c.tls {
		return no("TLS already active")
	}
	if err := c.ok(tag, "begin TLS negotiation"); err != nil {
		return err
	}

	tlsConn := tls.Server(c.netConn, c.server.tlsConfig)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		c.session.DebugLog("tls handshake failed: %v", err)
		return err
	}
	c.netConn = tlsConn
	c.br = bufio.NewReader(tlsConn)
	c.bw = bufio.NewWriter(tlsConn)
	c.tls = true
	return nil
}
