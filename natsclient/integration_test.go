package natsclient

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mr-carleone/server-for-nats/errors"
)

// uniqueSpec returns a stream spec that no other test touches.
func uniqueSpec() StreamSpec {
	id := uuid.NewString()[:8]
	return StreamSpec{
		Name:     "TEST_" + id,
		Subjects: []string{"test." + id},
		Storage:  MemoryStorage,
	}
}

func TestIntegration_EnsureStreamIdempotent(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spec := uniqueSpec()

	result, err := tc.Client.EnsureStream(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, StreamCreated, result)

	result, err = tc.Client.EnsureStream(ctx, spec)
	require.NoError(t, err)
	assert.Equal(t, StreamAlreadyExists, result)

	js, err := tc.Client.JetStream()
	require.NoError(t, err)

	count := 0
	names := js.StreamNames(ctx)
	for name := range names.Name() {
		if name == spec.Name {
			count++
		}
	}
	assert.Equal(t, 1, count)
}

func TestIntegration_EnsureStreamConcurrent(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spec := uniqueSpec()
	dialer := tc.Dialer()

	var wg sync.WaitGroup
	results := make([]EnsureResult, 4)
	errs := make([]error, 4)
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			client, err := dialer.Dial(ctx)
			if err != nil {
				errs[i] = err
				return
			}
			defer client.Close(ctx)
			results[i], errs[i] = client.EnsureStream(ctx, spec)
		}(i)
	}
	wg.Wait()

	created := 0
	for i := range results {
		require.NoError(t, errs[i])
		if results[i] == StreamCreated {
			created++
		}
	}
	assert.Equal(t, 1, created)
}

func TestIntegration_EnsureStreamSubjectMismatch(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spec := uniqueSpec()
	_, err := tc.Client.EnsureStream(ctx, spec)
	require.NoError(t, err)

	other := spec
	other.Subjects = []string{"somewhere.else." + spec.Name}
	_, err = tc.Client.EnsureStream(ctx, other)
	assert.ErrorIs(t, err, errors.ErrBroker)
}

func TestIntegration_PublishSubscribeAndInfo(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spec := uniqueSpec()
	_, err := tc.Client.EnsureStream(ctx, spec)
	require.NoError(t, err)

	listener, err := tc.Dialer().Dial(ctx)
	require.NoError(t, err)
	defer listener.Close(ctx)

	received := make(chan Record, 4)
	err = listener.Subscribe(ctx, spec.Name, spec.Subjects[0], func(_ context.Context, rec Record) {
		received <- rec
	}, nil)
	require.NoError(t, err)

	err = WithSession(ctx, tc.Dialer(), func(s Session) error {
		return s.Publish(ctx, spec.Subjects[0], []byte(`{"message":"durable-test"}`))
	})
	require.NoError(t, err)

	select {
	case rec := <-received:
		assert.Equal(t, `{"message":"durable-test"}`, string(rec.Data))
		assert.Equal(t, spec.Subjects[0], rec.Subject)
		assert.Equal(t, uint64(1), rec.Sequence)
	case <-time.After(5 * time.Second):
		t.Fatal("record not delivered")
	}

	info, err := tc.Client.StreamInfo(ctx, spec.Name)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), info.Messages)
	assert.Equal(t, spec.Name, info.Name)
}

func TestIntegration_SubscribeMissingStream(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := tc.Client.Subscribe(ctx, "NO_SUCH_STREAM", "no.such", func(context.Context, Record) {}, nil)
	assert.True(t, errors.IsNotFound(err))

	_, err = tc.Client.StreamInfo(ctx, "NO_SUCH_STREAM")
	assert.True(t, errors.IsNotFound(err))
}

func TestIntegration_PublishWithoutStream(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := tc.Client.Publish(ctx, "unbound."+uuid.NewString()[:8], []byte("{}"))
	assert.ErrorIs(t, err, errors.ErrPublish)
}

func TestIntegration_CloseStopsDelivery(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	spec := uniqueSpec()
	_, err := tc.Client.EnsureStream(ctx, spec)
	require.NoError(t, err)

	listener, err := tc.Dialer().Dial(ctx)
	require.NoError(t, err)

	received := make(chan Record, 4)
	require.NoError(t, listener.Subscribe(ctx, spec.Name, spec.Subjects[0], func(_ context.Context, rec Record) {
		received <- rec
	}, nil))

	require.NoError(t, listener.Close(ctx))
	assert.NoError(t, listener.Close(ctx))
	assert.Equal(t, StatusClosed, listener.Status())

	require.NoError(t, tc.Client.Publish(ctx, spec.Subjects[0], []byte("after-close")))

	select {
	case rec := <-received:
		t.Fatalf("unexpected delivery after close: %s", rec.Data)
	case <-time.After(300 * time.Millisecond):
	}
}

func TestIntegration_StreamDeletedReportsLoss(t *testing.T) {
	tc := requireNATS(t)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()

	spec := uniqueSpec()
	_, err := tc.Client.EnsureStream(ctx, spec)
	require.NoError(t, err)

	listener, err := tc.Dialer().Dial(ctx)
	require.NoError(t, err)
	defer listener.Close(ctx)

	lost := make(chan error, 2)
	require.NoError(t, listener.Subscribe(ctx, spec.Name, spec.Subjects[0], func(context.Context, Record) {}, func(err error) {
		lost <- err
	}))

	js, err := tc.Client.JetStream()
	require.NoError(t, err)
	require.NoError(t, js.DeleteStream(ctx, spec.Name))

	select {
	case err := <-lost:
		assert.ErrorIs(t, err, errors.ErrBroker)
	case <-time.After(15 * time.Second):
		t.Fatal("subscription loss not reported")
	}

	select {
	case err := <-lost:
		t.Fatalf("loss reported twice: %v", err)
	case <-time.After(300 * time.Millisecond):
	}
}
