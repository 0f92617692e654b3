package llmqueue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEnqueue_RunsAndReturnsResult(t *testing.T) {
	q := New(Config{MaxConcurrent: 2, MaxRPM: 100})
	v, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return "ok", nil
	}, Options{Role: RoleSingle})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
}

func TestEnqueue_HigherPriorityDispatchedFirst(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxRPM: 1000})

	gate := make(chan struct{})
	var mu sync.Mutex
	var order []string

	// occupy the single concurrency slot so both following calls queue up
	go q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, Options{Role: RoleSingle})
	time.Sleep(20 * time.Millisecond)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, "critic")
			mu.Unlock()
			return nil, nil
		}, Options{Role: RoleCritic})
	}()
	time.Sleep(10 * time.Millisecond)
	go func() {
		defer wg.Done()
		q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
			mu.Lock()
			order = append(order, "host")
			mu.Unlock()
			return nil, nil
		}, Options{Role: RoleHost})
	}()
	time.Sleep(10 * time.Millisecond)

	close(gate)
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, "host", order[0])
}

func TestEnqueue_TimesOutAndFreesSlot(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxRPM: 1000, Timeout: 20 * time.Millisecond})

	_, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}, Options{Role: RoleSingle})
	assert.ErrorIs(t, err, ErrTimeout)

	v, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return "next", nil
	}, Options{Role: RoleSingle})
	require.NoError(t, err)
	assert.Equal(t, "next", v)
}

func TestEnqueue_SkipRateLimitRunsImmediately(t *testing.T) {
	q := New(Config{MaxConcurrent: 0, MaxRPM: 0}) // zero values fall back to the package defaults
	v, err := q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		return "bypassed", nil
	}, Options{Role: RoleSingle, SkipRateLimit: true})
	require.NoError(t, err)
	assert.Equal(t, "bypassed", v)
}

func TestEnqueue_CancellationPropagates(t *testing.T) {
	q := New(Config{MaxConcurrent: 1, MaxRPM: 1000})
	ctx, cancel := context.WithCancel(context.Background())

	gate := make(chan struct{})
	go q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
		<-gate
		return nil, nil
	}, Options{Role: RoleSingle})
	time.Sleep(20 * time.Millisecond)

	resultCh := make(chan error, 1)
	go func() {
		_, err := q.Enqueue(ctx, func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{Role: RoleSingle})
		resultCh <- err
	}()
	time.Sleep(10 * time.Millisecond)
	cancel()
	close(gate)

	select {
	case err := <-resultCh:
		assert.ErrorIs(t, err, ErrCancelled)
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for cancellation to propagate")
	}
}

func TestStats_TracksProcessedAndSucceeded(t *testing.T) {
	q := New(Config{MaxConcurrent: 4, MaxRPM: 1000})
	for i := 0; i < 5; i++ {
		q.Enqueue(context.Background(), func(ctx context.Context) (any, error) {
			return nil, nil
		}, Options{Role: RoleSingle})
	}
	s := q.Stats()
	assert.EqualValues(t, 5, s.Processed)
	assert.EqualValues(t, 5, s.Succeeded)
}
