// Package email delivers ticket alerts through a pluggable transport.
package email

import (
	"context"
	"errors"
)

// ErrNoCredentials is returned when a provider is selected without the credentials it needs.
var ErrNoCredentials = errors.New("email credentials not configured")

// Provider opens transport sessions. One session serves one batch of messages.
type Provider interface {
	Open(ctx context.Context) (Session, error)
}

// Session is an open transport. A Send error means the session is no longer usable.
type Session interface {
	Send(ctx context.Context, to, subject, body string) error
	Close() error
}

// sessionFunc adapts a stateless send function, such as an HTTP API call, to a Session.
type sessionFunc func(ctx context.Context, to, subject, body string) error

func (f sessionFunc) Send(ctx context.Context, to, subject, body string) error {
	return f(ctx, to, subject, body)
}

func (sessionFunc) Close() error { return nil }
