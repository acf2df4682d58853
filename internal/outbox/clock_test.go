package outbox

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func fixedClock(last int64, at time.Time) *Clock {
	c := NewClock(last)
	c.now = func() time.Time { return at }
	return c
}

func TestClock_Next(t *testing.T) {
	at := time.UnixMilli(1_700_000_000_000)

	tests := []struct {
		name string
		last int64
		want []int64
	}{
		{
			name: "follows the wall clock when ahead of last",
			last: 0,
			want: []int64{1_700_000_000_000, 1_700_000_000_001, 1_700_000_000_002},
		},
		{
			name: "stays above a last key in the future",
			last: 1_800_000_000_000,
			want: []int64{1_800_000_000_001, 1_800_000_000_002},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := fixedClock(tt.last, at)
			for i, want := range tt.want {
				if got := c.Next(); got != want {
					t.Errorf("Next() #%d = %d, want %d", i, got, want)
				}
			}
		})
	}
}

func TestClock_BackwardsStep(t *testing.T) {
	now := time.UnixMilli(1_700_000_000_500)
	c := NewClock(0)
	c.now = func() time.Time { return now }

	first := c.Next()
	now = now.Add(-time.Second)
	second := c.Next()

	assert.Greater(t, second, first)
}

func TestClock_Observe(t *testing.T) {
	c := fixedClock(0, time.UnixMilli(1000))

	c.Observe(5000)
	assert.Equal(t, int64(5001), c.Next())

	c.Observe(10)
	assert.Equal(t, int64(5002), c.Next())
	assert.Equal(t, int64(5002), c.Last())
}

func TestClock_ConcurrentKeysAreUnique(t *testing.T) {
	c := fixedClock(0, time.UnixMilli(1_700_000_000_000))

	const workers, perWorker = 8, 250
	var (
		mu   sync.Mutex
		seen = make(map[int64]bool)
		wg   sync.WaitGroup
	)
	for range workers {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for range perWorker {
				k := c.Next()
				mu.Lock()
				seen[k] = true
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	require.Len(t, seen, workers*perWorker)
	assert.Equal(t, int64(1_700_000_000_000+workers*perWorker-1), c.Last())
}
