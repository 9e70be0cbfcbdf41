package correlate

import (
	"context"
	"errors"
	"runtime"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func noopDispatch(string, interface{}) error { return nil }

func TestResolveCompletesSend(t *testing.T) {
	r := NewRegistry(5 * time.Second)

	var wg sync.WaitGroup
	wg.Add(1)
	var resp Response
	var err error
	go func() {
		defer wg.Done()
		resp, err = r.Send(context.Background(), "r1", "hello", noopDispatch)
	}()

	// Wait for the entry to register, then resolve.
	require.Eventually(t, func() bool { return r.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	assert.True(t, r.Resolve("r1", Response{OK: true, Text: "world"}))
	wg.Wait()

	require.NoError(t, err)
	assert.True(t, resp.OK)
	assert.Equal(t, "world", resp.Text)
	assert.Equal(t, 0, r.PendingCount())
}

func TestResolveConcurrentWithRegistration(t *testing.T) {
	r := NewRegistry(5 * time.Second)

	// A resolver hammering the id from the moment Send starts must observe
	// either nothing (entry not yet published) or a complete entry. Exercised
	// repeatedly to give the race detector a fair shot at the handoff.
	for i := 0; i < 200; i++ {
		id := "r" + strconv.Itoa(i)
		stop := make(chan struct{})
		var wg sync.WaitGroup
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				if r.Resolve(id, Response{OK: true, Text: "fast"}) {
					return
				}
				select {
				case <-stop:
					return
				default:
					runtime.Gosched()
				}
			}
		}()

		resp, err := r.Send(context.Background(), id, nil, noopDispatch)
		close(stop)
		wg.Wait()

		require.NoError(t, err)
		assert.True(t, resp.OK)
		assert.Equal(t, "fast", resp.Text)
	}
	assert.Equal(t, 0, r.PendingCount())
}

func TestUnmatchedResponseIgnoredThenTimeout(t *testing.T) {
	r := NewRegistry(50 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = r.Send(context.Background(), "r1", nil, noopDispatch)
	}()

	require.Eventually(t, func() bool { return r.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	// Response tagged with a different id must be ignored.
	assert.False(t, r.Resolve("r2", Response{OK: true}))

	wg.Wait()
	assert.ErrorIs(t, err, ErrRequestTimeout)
	assert.Equal(t, 0, r.PendingCount())
}

func TestResolveExactlyOnce(t *testing.T) {
	r := NewRegistry(30 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, _ = r.Send(context.Background(), "r1", nil, noopDispatch)
	}()

	require.Eventually(t, func() bool { return r.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)

	first := r.Resolve("r1", Response{OK: true})
	second := r.Resolve("r1", Response{OK: false, Err: "late"})
	assert.True(t, first)
	assert.False(t, second, "second resolution must be a no-op")

	wg.Wait()
	// Entry absent afterwards; a post-timeout resolve is also a no-op.
	time.Sleep(50 * time.Millisecond)
	assert.False(t, r.Resolve("r1", Response{OK: true}))
	assert.Equal(t, 0, r.PendingCount())
}

func TestDispatchFailureBypassesTimeout(t *testing.T) {
	r := NewRegistry(10 * time.Second)

	start := time.Now()
	_, err := r.Send(context.Background(), "r1", nil, func(string, interface{}) error {
		return errors.New("socket closed")
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrDispatchFailed)
	assert.Less(t, time.Since(start), time.Second)
	assert.Equal(t, 0, r.PendingCount())
}

func TestCallerCancellationDropsEntry(t *testing.T) {
	r := NewRegistry(10 * time.Second)

	ctx, cancel := context.WithCancel(context.Background())
	var wg sync.WaitGroup
	wg.Add(1)
	var err error
	go func() {
		defer wg.Done()
		_, err = r.Send(ctx, "r1", nil, noopDispatch)
	}()

	require.Eventually(t, func() bool { return r.PendingCount() == 1 },
		time.Second, 5*time.Millisecond)
	cancel()
	wg.Wait()

	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, r.PendingCount())
	assert.False(t, r.Resolve("r1", Response{OK: true}))
}
