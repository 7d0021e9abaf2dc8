// Package logx annotates pslog loggers with session-link identifiers.
package logx

import (
	"context"

	"pkt.systems/pslog"
)

// Or returns logger, or the context logger when logger is nil.
func Or(logger pslog.Logger) pslog.Logger {
	if logger != nil {
		return logger
	}
	return pslog.Ctx(context.Background())
}

// WithChannel annotates the logger with the channel name.
func WithChannel(log pslog.Logger, channel string) pslog.Logger {
	log = Or(log)
	if channel != "" {
		log = log.With("channel", channel)
	}
	return log
}

// WithMessage annotates the logger with a client message id.
func WithMessage(log pslog.Logger, clientMessageID string) pslog.Logger {
	log = Or(log)
	if clientMessageID != "" {
		log = log.With("msg", clientMessageID)
	}
	return log
}

// WithSession annotates the logger with a remote session id.
func WithSession(log pslog.Logger, sessionID string) pslog.Logger {
	log = Or(log)
	if sessionID != "" {
		log = log.With("session", sessionID)
	}
	return log
}
