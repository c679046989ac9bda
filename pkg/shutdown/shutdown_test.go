package shutdown

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeServer struct{ err error }

func (f *fakeServer) Shutdown(context.Context) error { return f.err }

type fakeCloser struct{ closed bool }

func (f *fakeCloser) Close() error {
	f.closed = true
	return nil
}

func TestShutdownRunsHooksInReverse(t *testing.T) {
	m := New(time.Second, nil)
	var order []string
	for _, name := range []string{"store", "queue", "api"} {
		name := name
		m.Register(name, func(context.Context) error {
			order = append(order, name)
			return nil
		})
	}
	require.NoError(t, m.Shutdown())
	assert.Equal(t, []string{"api", "queue", "store"}, order)

	select {
	case <-m.Done():
	default:
		t.Fatal("done channel should be closed")
	}
}

func TestShutdownContinuesPastFailures(t *testing.T) {
	m := New(time.Second, nil)
	closer := &fakeCloser{}
	m.Register("store", CloseResource(closer, "store"))
	m.Register("api", StopHTTPServer(&fakeServer{err: errors.New("boom")}, "api"))

	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "api")
	assert.True(t, closer.closed)
}

func TestWaitForTimesOut(t *testing.T) {
	m := New(20*time.Millisecond, nil)
	m.Register("workers", WaitFor(func() bool { return false }, time.Millisecond, "workers"))
	err := m.Shutdown()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "workers")
}

func TestWaitWithContext(t *testing.T) {
	m := New(time.Second, nil)
	ran := false
	m.Register("x", func(context.Context) error {
		ran = true
		return nil
	})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	assert.ErrorIs(t, m.WaitWithContext(ctx), context.Canceled)
	assert.False(t, ran)

	m.Trigger()
	require.NoError(t, m.WaitWithContext(context.Background()))
	assert.True(t, ran)
}
