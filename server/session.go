package server

import (
	"fmt"

	"github.com/migadu/maildrop/logger"
)

// ConnectionStatsProvider defines an interface for getting connection statistics
type ConnectionStatsProvider interface {
	GetTotalConnections() int64
	GetAuthenticatedConnections() int64
}

// Session carries the connection identity shared by protocol sessions and
// tags every log line with it.
type Session struct {
	Id         string
	RemoteIP   string
	ServerName string
	Protocol   string
	Username   string
	Stats      ConnectionStatsProvider
}

func (s *Session) attrs(format string, args []any) []any {
	user := "none"
	if s.Username != "" {
		user = s.Username
	}

	protocolPrefix := s.Protocol
	if s.ServerName != "" {
		protocolPrefix = fmt.Sprintf("%s-%s", s.Protocol, s.ServerName)
	}

	attrs := []any{"protocol", protocolPrefix, "conn", "remote=" + s.RemoteIP, "user", user, "session", s.Id}
	if s.Stats != nil {
		attrs = append(attrs, "conn_total", s.Stats.GetTotalConnections(), "conn_auth", s.Stats.GetAuthenticatedConnections())
	}
	return append(attrs, "msg", fmt.Sprintf(format, args...))
}

func (s *Session) Log(format string, args ...any) {
	logger.Info("Session", s.attrs(format, args)...)
}

func (s *Session) DebugLog(format string, args ...any) {
	logger.Debug("Session", s.attrs(format, args)...)
}

func (s *Session) WarnLog(format string, args ...any) {
	logger.Warn("Session", s.attrs(format, args)...)
}
