package correlator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/pocketoption/errs"
)

func TestResolveDeliversValue(t *testing.T) {
	c := New()
	slot, err := c.Open(KindOpen, "r-1", time.Second)
	require.NoError(t, err)

	require.True(t, c.Resolve(slot.Key, "order-1", nil))
	require.False(t, c.Resolve(slot.Key, "order-2", nil), "resolves at most once")

	v, err := c.Wait(context.Background(), slot)
	require.NoError(t, err)
	require.Equal(t, "order-1", v)
	require.Zero(t, c.Len())
}

func TestWaitTimesOutWithinBound(t *testing.T) {
	c := New()
	const timeout = 60 * time.Millisecond
	slot, err := c.Open(KindOpen, "r-timeout", timeout)
	require.NoError(t, err)

	start := time.Now()
	_, err = c.Wait(context.Background(), slot)
	elapsed := time.Since(start)

	require.True(t, errs.IsCode(err, errs.CodeTimeout), "got %v", err)
	require.GreaterOrEqual(t, elapsed, timeout-5*time.Millisecond)
	require.Less(t, elapsed, timeout+time.Second)
	require.False(t, c.Resolve(slot.Key, "late", nil), "late responses are dropped")
}

func TestDuplicateKeyRejected(t *testing.T) {
	c := New()
	_, err := c.Open(KindResult, "o-1", time.Second)
	require.NoError(t, err)
	_, err = c.Open(KindResult, "o-1", time.Second)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	_, err = c.Open(KindOpen, "o-1", time.Second)
	require.NoError(t, err, "kinds partition the key space")

	_, err = c.Open(KindOpen, "", time.Second)
	require.Error(t, err)
	_, err = c.Open(KindOpen, "x", 0)
	require.Error(t, err)
}

func TestResolveOldestIsFIFO(t *testing.T) {
	c := New()
	first, err := c.Open(KindHistory, "a", time.Second)
	require.NoError(t, err)
	second, err := c.Open(KindHistory, "b", time.Second)
	require.NoError(t, err)
	_, err = c.Open(KindOpen, "c", time.Second)
	require.NoError(t, err)

	key, ok := c.ResolveOldest(KindHistory, 1, nil)
	require.True(t, ok)
	require.Equal(t, first.Key, key)
	v, err := c.Wait(context.Background(), first)
	require.NoError(t, err)
	require.Equal(t, 1, v)
	require.True(t, c.Pending(second.Key))
}

func TestFailAll(t *testing.T) {
	c := New()
	boom := errors.New("disconnected")
	slots := make([]*Slot, 0, 3)
	for i := 0; i < 3; i++ {
		s, err := c.Open(KindResult, fmt.Sprint(i), time.Minute)
		require.NoError(t, err)
		slots = append(slots, s)
	}
	require.Equal(t, 3, c.FailAll(boom))
	for _, s := range slots {
		_, err := c.Wait(context.Background(), s)
		require.ErrorIs(t, err, boom)
	}
}

func TestWaitHonoursContext(t *testing.T) {
	c := New()
	slot, err := c.Open(KindResult, "o-ctx", time.Minute)
	require.NoError(t, err)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err = c.Wait(ctx, slot)
	require.True(t, errs.IsCode(err, errs.CodeCanceled), "got %v", err)
	require.ErrorIs(t, err, context.Canceled)
	require.False(t, c.Pending(slot.Key))
}

func TestConcurrentSlotsResolveIndependently(t *testing.T) {
	c := New()
	const n = 50
	slots := make([]*Slot, n)
	for i := range slots {
		s, err := c.Open(KindOpen, fmt.Sprintf("r-%d", i), 5*time.Second)
		require.NoError(t, err)
		slots[i] = s
	}

	var wg sync.WaitGroup
	results := make([]any, n)
	for i := range slots {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			v, err := c.Wait(context.Background(), slots[i])
			if err == nil {
				results[i] = v
			}
		}(i)
	}
	// resolve in reverse to exercise out-of-order delivery
	for i := n - 1; i >= 0; i-- {
		require.True(t, c.Resolve(Key{Kind: KindOpen, ID: fmt.Sprintf("r-%d", i)}, i, nil))
	}
	wg.Wait()
	for i, v := range results {
		require.Equal(t, i, v)
	}
}
