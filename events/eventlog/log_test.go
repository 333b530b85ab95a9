package eventlog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"goa.design/runloop/events"
)

func collect(t *testing.T, sub events.Subscription, n int) []events.Event {
	t.Helper()
	got := make([]events.Event, 0, n)
	timeout := time.After(5 * time.Second)
	for len(got) < n {
		select {
		case ev, ok := <-sub.Events():
			if !ok {
				return got
			}
			got = append(got, ev)
		case <-timeout:
			t.Fatalf("timed out after %d of %d events", len(got), n)
		}
	}
	return got
}

func TestAppendAssignsSequence(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		ev, err := log.Append(ctx, "run-1", events.TypeStatusChanged, map[string]any{"i": i})
		require.NoError(t, err)
		require.Equal(t, int64(i), ev.Seq)
	}
	// Sequences are per run.
	ev, err := log.Append(ctx, "run-2", events.TypeRunStarted, nil)
	require.NoError(t, err)
	require.Equal(t, int64(1), ev.Seq)
}

func TestHistoryRoundTrip(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = log.Append(ctx, "run-1", events.TypeRunStarted, map[string]any{"message": "hello"})
	require.NoError(t, err)
	_, err = log.Append(ctx, "run-1", events.TypeStatusChanged, map[string]any{"status": "planning"})
	require.NoError(t, err)

	history, err := log.History(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, history, 2)
	require.Equal(t, events.TypeRunStarted, history[0].Type)
	require.Equal(t, int64(1), history[0].Seq)
	require.Equal(t, "hello", history[0].Data["message"])
	require.Equal(t, int64(2), history[1].Seq)
}

func TestSequenceSurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()

	log1, err := New(dir)
	require.NoError(t, err)
	_, err = log1.Append(ctx, "run-1", events.TypeRunStarted, nil)
	require.NoError(t, err)
	_, err = log1.Append(ctx, "run-1", events.TypeStatusChanged, nil)
	require.NoError(t, err)

	// A fresh instance over the same directory resumes numbering.
	log2, err := New(dir)
	require.NoError(t, err)
	ev, err := log2.Append(ctx, "run-1", events.TypeNodeStarted, nil)
	require.NoError(t, err)
	require.Equal(t, int64(3), ev.Seq)
}

func TestSubscribeReplaysThenTails(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = log.Append(ctx, "run-1", events.TypeRunStarted, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "run-1", events.TypeStatusChanged, nil)
	require.NoError(t, err)

	sub, err := log.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	_, err = log.Append(ctx, "run-1", events.TypeNodeStarted, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "run-1", events.TypeRunCompleted, nil)
	require.NoError(t, err)

	got := collect(t, sub, 4)
	require.Len(t, got, 4)
	for i, ev := range got {
		require.Equal(t, int64(i+1), ev.Seq, "gap or duplicate at position %d", i)
	}
	require.Equal(t, events.TypeRunCompleted, got[3].Type)

	// Channel closes after the terminal event.
	_, open := <-sub.Events()
	require.False(t, open)
	require.NoError(t, sub.Err())
}

func TestSubscribeNoGapUnderConcurrentAppends(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	const total = 50
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for i := 0; i < total; i++ {
			_, err := log.Append(ctx, "run-1", events.TypeOutputChunk, map[string]any{"i": i})
			require.NoError(t, err)
		}
		_, err := log.Append(ctx, "run-1", events.TypeRunCompleted, nil)
		require.NoError(t, err)
	}()

	sub, err := log.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	defer sub.Close()

	got := collect(t, sub, total+1)
	wg.Wait()
	require.Len(t, got, total+1)
	for i, ev := range got {
		require.Equal(t, int64(i+1), ev.Seq)
	}
}

func TestSubscribeAfterTerminalReplaysAndCloses(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	_, err = log.Append(ctx, "run-1", events.TypeRunStarted, nil)
	require.NoError(t, err)
	_, err = log.Append(ctx, "run-1", events.TypeRunFailed, map[string]any{"reason": "boom"})
	require.NoError(t, err)

	sub, err := log.Subscribe(ctx, "run-1")
	require.NoError(t, err)
	got := collect(t, sub, 2)
	require.Len(t, got, 2)
	_, open := <-sub.Events()
	require.False(t, open)
}

func TestSlowSubscriberDropped(t *testing.T) {
	log, err := New(t.TempDir(), WithQueueCapacity(4))
	require.NoError(t, err)
	ctx := context.Background()

	sub, err := log.Subscribe(ctx, "run-1")
	require.NoError(t, err)

	// Take the first event so delivery blocks on the second while the queue
	// fills past its bound.
	_, err = log.Append(ctx, "run-1", events.TypeRunStarted, nil)
	require.NoError(t, err)
	<-sub.Events()
	for i := 0; i < 10; i++ {
		_, err := log.Append(ctx, "run-1", events.TypeOutputChunk, nil)
		require.NoError(t, err)
	}

	for range sub.Events() {
		// Drain whatever was queued before the drop.
	}
	require.ErrorIs(t, sub.Err(), events.ErrSlowSubscriber)
}

func TestHandlersRunOnAppendPath(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	var seen []events.Type
	log.Register(events.HandlerFunc(func(_ context.Context, ev events.Event) error {
		seen = append(seen, ev.Type)
		return nil
	}))

	_, err = log.Append(ctx, "run-1", events.TypeRunStarted, nil)
	require.NoError(t, err)
	// Handler ran synchronously before Append returned.
	require.Equal(t, []events.Type{events.TypeRunStarted}, seen)
}

func TestHandlerErrorDoesNotFailAppend(t *testing.T) {
	log, err := New(t.TempDir())
	require.NoError(t, err)
	ctx := context.Background()

	log.Register(events.HandlerFunc(func(context.Context, events.Event) error {
		return context.DeadlineExceeded
	}))
	var called bool
	log.Register(events.HandlerFunc(func(context.Context, events.Event) error {
		called = true
		return nil
	}))

	_, err = log.Append(ctx, "run-1", events.TypeRunStarted, nil)
	require.NoError(t, err)
	require.True(t, called, "later handlers still run after a failure")
}
