// Package natsclient wraps nats.go and its JetStream API behind the small
// surface the bridge needs: connect, ensure a stream exists, publish,
// subscribe with a callback, read stream state, and close.
//
// # Sessions
//
// A Client is one broker session. The bridge listener keeps one Client for
// the life of the process; HTTP handlers open a fresh one per request
// through a Dialer so no connection is shared between requests:
//
//	dialer := natsclient.NewDialer(url, natsclient.WithTimeout(5*time.Second))
//	err := natsclient.WithSession(ctx, dialer, func(s natsclient.Session) error {
//	    return s.Publish(ctx, "my_subject", payload)
//	})
//
// # Streams
//
// EnsureStream is idempotent and reports what it did instead of hiding the
// "already exists" case:
//
//	result, err := client.EnsureStream(ctx, natsclient.StreamSpec{
//	    Name:     "MY_STREAM",
//	    Subjects: []string{"my_subject"},
//	})
//	// result is StreamCreated on first boot, StreamAlreadyExists afterwards.
//
// A stream that exists but is not bound to the requested subjects is an
// errors.ErrBroker failure.
//
// # Subscriptions
//
// Subscribe creates an ephemeral consumer filtered to one subject that
// delivers only records published after the call. Handlers run on the
// consumer's goroutine; each record is acked after its handler returns.
// When the broker deletes the consumer or stream, or the connection
// closes, the subscription is stopped and the LostHandler passed to
// Subscribe is called once. Close stops every consumer and drains the
// connection without reporting a loss.
//
// # Errors
//
// Every failure is tagged with a bridge sentinel from the errors package:
// ErrConnection for connect failures, ErrPublish for publish, ErrNotFound
// for a missing stream, ErrBroker for anything else.
//
// # Testing
//
// NewTestClient and NewSharedTestClient start a JetStream-enabled NATS
// container through testcontainers-go. Integration tests in this module run
// only when INTEGRATION_TESTS is set.
package natsclient
