package worker

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEmitter_PreservesOrder(t *testing.T) {
	t.Parallel()

	e := NewEmitter(0)
	go func() {
		for _, kind := range []EventKind{EventExecuting, EventProgressChanged, EventExecuted} {
			e.Emit(context.Background(), Event{Kind: kind, JobID: "j1"})
		}
		e.Close()
	}()

	var got []EventKind
	for ev := range e.Events() {
		assert.False(t, ev.Time.IsZero(), "event time should be stamped")
		got = append(got, ev.Kind)
	}
	assert.Equal(t, []EventKind{EventExecuting, EventProgressChanged, EventExecuted}, got)
}

func TestEmitter_KeepsExplicitTime(t *testing.T) {
	t.Parallel()

	e := NewEmitter(1)
	at := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	require.True(t, e.Emit(context.Background(), Event{Kind: EventCancelled, Time: at}))
	ev := <-e.Events()
	assert.Equal(t, at, ev.Time)
}

func TestEmitter_ContextAndClose(t *testing.T) {
	t.Parallel()

	e := NewEmitter(0)
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	assert.False(t, e.Emit(ctx, Event{Kind: EventExecuting}), "nobody reads, emit should give up")

	e.Close()
	e.Close()
	assert.False(t, e.Emit(context.Background(), Event{Kind: EventExecuting}))
	_, open := <-e.Events()
	assert.False(t, open)
}
