package app

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/dkeye/voicelink/internal/adapters/store/memstore"
	"github.com/dkeye/voicelink/internal/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJanitorSweep(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	clock := func() time.Time { return now }
	store := memstore.New().WithClock(clock)
	ctx := context.Background()

	_, err := store.Join(ctx, "lobby", "alice")
	require.NoError(t, err)
	now = now.Add(20 * time.Second)
	_, err = store.Join(ctx, "lobby", "bob")
	require.NoError(t, err)
	now = now.Add(15 * time.Second)

	j := &Janitor{Evictor: store, StaleAfter: 30 * time.Second, Now: clock}
	n, err := j.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	rows, err := store.List(ctx, "lobby")
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob", string(rows[0].UserID))

	store.Fail("evict", errors.New("db down"))
	_, err = j.Sweep(ctx)
	assert.ErrorIs(t, err, core.ErrPersistenceFailure)
}

func TestJanitorRunStops(t *testing.T) {
	store := memstore.New()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		(&Janitor{Evictor: store, Interval: time.Millisecond, StaleAfter: time.Second}).Run(ctx)
		close(done)
	}()
	time.Sleep(5 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("janitor did not stop")
	}

	// disabled janitor returns at once
	(&Janitor{Evictor: store}).Run(context.Background())
}
