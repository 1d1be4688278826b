package pipeline_test

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/droverhq/drover/internal/pipeline"
)

func TestStopFlag(t *testing.T) {
	t.Parallel()

	var f pipeline.StopFlag
	require.False(t, f.IsSet())

	require.True(t, f.Set())
	require.True(t, f.IsSet())

	// redundant sets report false and change nothing
	require.False(t, f.Set())
	require.True(t, f.IsSet())
}

func TestStopFlagRace(t *testing.T) {
	t.Parallel()

	var f pipeline.StopFlag
	var wg sync.WaitGroup
	var mu sync.Mutex
	firsts := 0
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if f.Set() {
				mu.Lock()
				firsts++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	// exactly one caller wins the race
	require.Equal(t, 1, firsts)
	require.True(t, f.IsSet())
}
