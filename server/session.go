// Package server carries the pieces shared by the protocol listeners:
// session identity, address parsing, connection limits and the delivery
// pipeline.
package server

import (
	"fmt"

	"github.com/brevmail/brev/logger"
	"github.com/brevmail/brev/store"
)

// Session is the per-connection state every protocol session embeds. The
// protocol packages own their own state machines on top of it.
type Session struct {
	ID       string
	Protocol string
	RemoteIP string
	HostName string
	User     *store.User
}

func (s *Session) user() string {
	if s.User == nil {
		return "none"
	}
	return fmt.Sprintf("%s/%d", s.User.Address(), s.User.ID)
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("session", "protocol", s.Protocol, "remote", s.RemoteIP,
		"user", s.user(), "session", s.ID, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("session", "protocol", s.Protocol, "remote", s.RemoteIP,
		"user", s.user(), "session", s.ID, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("session", "protocol", s.Protocol, "remote", s.RemoteIP,
		"user", s.user(), "session", s.ID, "msg", fmt.Sprintf(format, args...))
}
