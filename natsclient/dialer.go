package natsclient

import (
	"context"
)

// Session is the broker surface a one-shot caller needs: publish or read
// stream state, then release.
type Session interface {
	Publish(ctx context.Context, subject string, data []byte) error
	StreamInfo(ctx context.Context, name string) (StreamInfo, error)
	Close(ctx context.Context) error
}

// Dialer opens a fresh, connected Client per operation so one-shot callers
// never share a connection.
type Dialer struct {
	url  string
	opts []ClientOption
}

// NewDialer returns a Dialer that connects to url with opts applied to every
// client it creates.
func NewDialer(url string, opts ...ClientOption) *Dialer {
	return &Dialer{url: url, opts: opts}
}

// Dial creates and connects a Client. The caller owns it and must Close it.
func (d *Dialer) Dial(ctx context.Context) (*Client, error) {
	client, err := NewClient(d.url, d.opts...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		_ = client.Close(ctx)
		return nil, err
	}
	return client, nil
}

// Open implements the session factory used by the HTTP gateway.
func (d *Dialer) Open(ctx context.Context) (Session, error) {
	client, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	return client, nil
}

// Opener creates per-operation sessions. *Dialer implements it.
type Opener interface {
	Open(ctx context.Context) (Session, error)
}

// WithSession opens a session, runs fn, and closes the session on every
// path. The result is fn's: once the operation has completed, a failed close
// does not change its outcome.
func WithSession(ctx context.Context, opener Opener, fn func(Session) error) error {
	session, err := opener.Open(ctx)
	if err != nil {
		return err
	}
	defer func() { _ = session.Close(context.WithoutCancel(ctx)) }()
	return fn(session)
}
