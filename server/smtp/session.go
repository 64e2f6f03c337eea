package smtp

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/emersion/go-sasl"
	"github.com/emersion/go-smtp"

	"github.com/brevmail/brev/consts"
	"github.com/brevmail/brev/pkg/metrics"
	serverPkg "github.com/brevmail/brev/server"
	"github.com/brevmail/brev/server/delivery"
	"github.com/brevmail/brev/store"
)

var (
	errNoSuchUser = &smtp.SMTPError{
		Code:         550,
		EnhancedCode: smtp.EnhancedCode{5, 1, 1},
		Message:      "No such user here",
	}
	errTempFailure = &smtp.SMTPError{
		Code:         451,
		EnhancedCode: smtp.EnhancedCode{4, 3, 0},
		Message:      "Temporary server error, try again later",
	}
)

// session is one SMTP connection. The envelope accumulates across
// MAIL/RCPT and commits at DATA; Reset discards it.
type session struct {
	serverPkg.Session
	backend *backend
	conn    *smtp.Conn
	ctx     context.Context
	cancel  context.CancelFunc
	release func()

	authenticated bool
	sender        string
	recipients    []*store.User
	accepted      map[int64]bool
}

func (s *session) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain {
		return nil, smtp.ErrAuthUnsupported
	}
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if identity != "" && identity != username {
			return fmt.Errorf("authorization identity not supported")
		}
		addr, err := serverPkg.NewAddress(username)
		if err != nil {
			metrics.AuthenticationAttempts.WithLabelValues("smtp", "failure").Inc()
			return smtp.ErrAuthFailed
		}
		user, err := s.backend.store.Authenticate(s.ctx, addr.BaseAddress(), password)
		if err != nil {
			metrics.AuthenticationAttempts.WithLabelValues("smtp", "failure").Inc()
			if errors.Is(err, consts.ErrAuthFailed) {
				s.Log("login failed for %q", username)
				return smtp.ErrAuthFailed
			}
			return errTempFailure
		}
		metrics.AuthenticationAttempts.WithLabelValues("smtp", "success").Inc()
		s.User = user
		s.authenticated = true
		s.Log("authenticated")
		return nil
	}), nil
}

func (s *session) Mail(from string, opts *smtp.MailOptions) error {
	start := time.Now()
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("smtp", "MAIL", status).Inc()
		metrics.CommandDuration.WithLabelValues("smtp", "MAIL").Observe(time.Since(start).Seconds())
	}()

	if s.backend.authRequired && !s.authenticated {
		return smtp.ErrAuthRequired
	}

	// The null reverse-path carries bounces; accepted as-is.
	if from == "" {
		s.sender = ""
		success = true
		return nil
	}

	addr, err := serverPkg.NewAddress(from)
	if err != nil {
		s.DebugLog("invalid sender %q: %v", from, err)
		return &smtp.SMTPError{
			Code:         553,
			EnhancedCode: smtp.EnhancedCode{5, 1, 7},
			Message:      "Invalid sender",
		}
	}
	s.sender = addr.FullAddress()
	success = true
	s.DebugLog("mail from=%s accepted", s.sender)
	return nil
}

func (s *session) Rcpt(to string, opts *smtp.RcptOptions) error {
	start := time.Now()
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("smtp", "RCPT", status).Inc()
		metrics.CommandDuration.WithLabelValues("smtp", "RCPT").Observe(time.Since(start).Seconds())
	}()

	addr, err := serverPkg.NewAddress(to)
	if err != nil {
		s.DebugLog("invalid recipient %q: %v", to, err)
		return &smtp.SMTPError{
			Code:         513,
			EnhancedCode: smtp.EnhancedCode{5, 0, 1},
			Message:      "Invalid recipient",
		}
	}

	user, err := s.resolveRecipient(addr)
	if err != nil {
		return err
	}

	if s.accepted == nil {
		s.accepted = make(map[int64]bool)
	}
	// The same account reached under two names gets one copy.
	if !s.accepted[user.ID] {
		s.accepted[user.ID] = true
		s.recipients = append(s.recipients, user)
	}
	success = true
	s.DebugLog("recipient accepted: %s (user %d)", addr.FullAddress(), user.ID)
	return nil
}

// resolveRecipient maps an address to a local account: the exact account
// first, the domain's catch-all second. Detail suffixes never affect the
// lookup.
func (s *session) resolveRecipient(addr serverPkg.Address) (*store.User, error) {
	user, err := s.backend.store.GetUserByAddress(s.ctx, addr.BaseAddress())
	if err == nil {
		return user, nil
	}
	if !errors.Is(err, consts.ErrUserNotFound) {
		s.WarnLog("recipient lookup failed for %s: %v", addr.BaseAddress(), err)
		return nil, errTempFailure
	}

	user, err = s.backend.store.GetCatchAllUser(s.ctx, addr.Domain())
	if err == nil {
		s.DebugLog("routing %s to catch-all %s", addr.FullAddress(), user.Address())
		return user, nil
	}
	if errors.Is(err, store.ErrNotFound) {
		s.Log("unknown recipient %s", addr.FullAddress())
		return nil, errNoSuchUser
	}
	s.WarnLog("catch-all lookup failed for %s: %v", addr.Domain(), err)
	return nil, errTempFailure
}

func (s *session) Data(r io.Reader) error {
	start := time.Now()
	success := false
	defer func() {
		status := "failure"
		if success {
			status = "success"
		}
		metrics.CommandsTotal.WithLabelValues("smtp", "DATA", status).Inc()
		metrics.CommandDuration.WithLabelValues("smtp", "DATA").Observe(time.Since(start).Seconds())
	}()

	if len(s.recipients) == 0 {
		return &smtp.SMTPError{
			Code:         554,
			EnhancedCode: smtp.EnhancedCode{5, 5, 1},
			Message:      "No valid recipients",
		}
	}

	raw, err := io.ReadAll(r)
	if err != nil {
		// The engine signals an oversized message through the reader.
		var serr *smtp.SMTPError
		if errors.As(err, &serr) {
			return serr
		}
		s.WarnLog("reading message failed: %v", err)
		return errTempFailure
	}

	results, err := s.backend.pipeline.Deliver(s.ctx, &delivery.Request{
		Raw:        raw,
		Source:     "smtp",
		Sender:     s.sender,
		Recipients: s.recipients,
		Recent:     true,
	})
	if err != nil {
		if errors.Is(err, consts.ErrMalformedMessage) {
			s.Log("rejecting malformed message: %v", err)
			return &smtp.SMTPError{
				Code:         554,
				EnhancedCode: smtp.EnhancedCode{5, 6, 0},
				Message:      "Malformed message content",
			}
		}
		s.WarnLog("delivery failed: %v", err)
		return errTempFailure
	}

	success = true
	s.Log("message accepted: %d bytes, %d copies filed", len(raw), len(results))
	return nil
}

// Reset drops the envelope; the engine calls it after DATA and on RSET.
func (s *session) Reset() {
	s.sender = ""
	s.recipients = nil
	s.accepted = nil
}

func (s *session) Logout() error {
	s.Log("disconnected")
	s.cancel()
	if s.release != nil {
		s.release()
		s.release = nil
	}
	return nil
}
