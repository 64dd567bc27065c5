package pool

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestPoolRunsAllJobs(t *testing.T) {
	p := New(3)
	var done atomic.Int32

	for i := 0; i < 50; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { done.Add(1) }))
	}
	p.Close()
	p.Wait()

	require.Equal(t, int32(50), done.Load())
}

func TestSubmitAfterClose(t *testing.T) {
	p := New(1)
	p.Close()
	p.Close()

	require.ErrorIs(t, p.Submit(context.Background(), func() {}), ErrClosed)
	p.Wait()
}

func TestSubmitHonoursContext(t *testing.T) {
	p := New(1)
	block := make(chan struct{})
	defer func() {
		close(block)
		p.Close()
		p.Wait()
	}()

	// one job occupies the worker, two fill the queue
	for i := 0; i < 3; i++ {
		require.NoError(t, p.Submit(context.Background(), func() { <-block }))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, p.Submit(ctx, func() {}), context.DeadlineExceeded)
}

func TestNewClampsWorkers(t *testing.T) {
	p := New(0)
	ran := make(chan struct{})
	require.NoError(t, p.Submit(context.Background(), func() { close(ran) }))

	select {
	case <-ran:
	case <-time.After(time.Second):
		t.Fatal("job did not run")
	}
	p.Close()
	p.Wait()
}
