package pipeline_test

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/pipeline"
)

func TestQueueFIFO(t *testing.T) {
	t.Parallel()

	q := pipeline.NewQueue[int]()
	require.Zero(t, q.Len())

	q.Push(1)
	q.Push(2)
	q.Push(3)
	require.Equal(t, 3, q.Len())

	for want := 1; want <= 3; want++ {
		v, ok := q.TryPop()
		require.True(t, ok)
		require.Equal(t, want, v)
	}
	_, ok := q.TryPop()
	require.False(t, ok)
}

func TestQueuePopBlocks(t *testing.T) {
	t.Parallel()

	q := pipeline.NewQueue[string]()
	done := make(chan string, 1)
	go func() {
		v, _ := q.Pop(context.Background())
		done <- v
	}()

	select {
	case v := <-done:
		t.Fatalf("pop returned %q before push", v)
	case <-time.After(50 * time.Millisecond):
	}

	q.Push("hello")
	select {
	case v := <-done:
		require.Equal(t, "hello", v)
	case <-time.After(5 * time.Second):
		t.Fatal("pop never woke up")
	}
}

func TestQueuePopCancel(t *testing.T) {
	t.Parallel()

	q := pipeline.NewQueue[int]()
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, ok := q.Pop(ctx)
	require.False(t, ok)
}

func TestQueueConcurrent(t *testing.T) {
	t.Parallel()

	const producers = 4
	const perProducer = 250

	q := pipeline.NewQueue[int]()
	var wg sync.WaitGroup
	for p := range producers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := range perProducer {
				q.Push(p*perProducer + i)
			}
		}()
	}

	seen := make(map[int]bool)
	dupes := 0
	var mu sync.Mutex
	var cg sync.WaitGroup
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	for range 3 {
		cg.Add(1)
		go func() {
			defer cg.Done()
			for {
				v, ok := q.Pop(ctx)
				if !ok {
					return
				}
				mu.Lock()
				if seen[v] {
					dupes++
				}
				seen[v] = true
				mu.Unlock()
			}
		}()
	}

	wg.Wait()
	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return len(seen) == producers*perProducer
	}, 10*time.Second, 10*time.Millisecond)

	// unblock consumers parked on the drained queue
	cancel()
	cg.Wait()
	require.Zero(t, dupes)
}

func TestNewQueues(t *testing.T) {
	t.Parallel()

	qs := pipeline.NewQueues()
	require.NotNil(t, qs.Jobs)
	require.NotNil(t, qs.Payloads)
	require.NotNil(t, qs.DataIn)
	require.NotNil(t, qs.DataOut)
	require.NotNil(t, qs.ValidatedJobs)
	require.NotNil(t, qs.ValidatedPayloads)
	require.NotNil(t, qs.FinishedJobs)
	require.NotNil(t, qs.FinishedPayloads)
	require.NotNil(t, qs.FinishedDataIn)
	require.NotNil(t, qs.FinishedDataOut)
	require.NotNil(t, qs.FailedJobs)
	require.NotNil(t, qs.FailedPayloads)
	require.NotNil(t, qs.FailedDataIn)
	require.NotNil(t, qs.FailedDataOut)
}
