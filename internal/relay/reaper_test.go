package relay

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReaper_SweepFailsOverdueRequests(t *testing.T) {
	reg := newTestRegistry()
	reaper := NewReaper(reg, time.Minute, time.Hour, nil)

	id, c, err := reg.Register(json.RawMessage(`{"test": "request"}`))
	require.NoError(t, err)

	// Not yet overdue
	require.Equal(t, 0, reaper.Sweep(time.Now()))
	require.Len(t, reg.ListUnresolved(), 1)

	require.Equal(t, 1, reaper.Sweep(time.Now().Add(2*time.Minute)))
	require.Empty(t, reg.ListUnresolved())

	_, err = c.Wait(context.Background())
	require.ErrorIs(t, err, ErrTimeout)

	req, err := reg.Get(id)
	require.NoError(t, err)
	require.Equal(t, StateFailed, req.State)
}

func TestReaper_LoopTimesOutWaiter(t *testing.T) {
	reg := newTestRegistry()
	reaper := NewReaper(reg, 50*time.Millisecond, 10*time.Millisecond, nil)
	reaper.Start(context.Background())
	defer reaper.Stop()

	_, c, err := reg.Register(json.RawMessage(`{"test": "request"}`))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err = c.Wait(ctx)
	require.ErrorIs(t, err, ErrTimeout)
	require.Empty(t, reg.ListUnresolved())
}

func TestReaper_StopIsIdempotent(t *testing.T) {
	reaper := NewReaper(newTestRegistry(), time.Minute, time.Millisecond, nil)

	// Stop before Start must not block
	reaper.Stop()

	reaper.Start(context.Background())
	reaper.Start(context.Background())
	reaper.Stop()
	reaper.Stop()
}

func TestReaper_StopsWithContext(t *testing.T) {
	reaper := NewReaper(newTestRegistry(), time.Minute, time.Millisecond, nil)

	ctx, cancel := context.WithCancel(context.Background())
	reaper.Start(ctx)
	cancel()

	select {
	case <-reaper.done:
	case <-time.After(time.Second):
		t.Fatal("Reaper did not exit on context cancellation")
	}
	reaper.Stop()
}

func TestReaper_RaceWithReplySettlesOnce(t *testing.T) {
	for i := 0; i < 50; i++ {
		reg := newTestRegistry()
		reaper := NewReaper(reg, 0, time.Hour, nil)
		ingestor := NewIngestor(reg, "", nil)

		id, c, err := reg.Register(json.RawMessage(`{}`))
		require.NoError(t, err)

		replied := make(chan bool, 1)
		go func() {
			delivered, err := ingestor.Submit(context.Background(), id, "answer")
			assert.NoError(t, err)
			replied <- delivered
		}()
		expired := reaper.Sweep(time.Now().Add(time.Second))
		delivered := <-replied

		// Exactly one side wins
		require.NotEqual(t, delivered, expired == 1)

		result, err := c.Result()
		if delivered {
			require.NoError(t, err)
			require.Equal(t, "answer", result.Content())
		} else {
			require.ErrorIs(t, err, ErrTimeout)
		}
	}
}
