//go:build integration

package docker

import (
	"context"
	"fmt"
	"jobhost/internal/job"
	"jobhost/internal/task"
	"jobhost/internal/worker"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newIntegrationWorker(t *testing.T, heartbeats *atomic.Int32) *Worker {
	t.Helper()
	w := New(Config{
		StopTimeout:       time.Second,
		HeartbeatInterval: 200 * time.Millisecond,
		Heartbeat: func(ctx context.Context, jobID string) error {
			heartbeats.Add(1)
			return nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		_ = w.Close(ctx)
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.Ready(ctx); err != nil {
		t.Skipf("docker daemon not available: %v", err)
	}
	return w
}

func nextEvent(t *testing.T, w *Worker, kind worker.EventKind) worker.Event {
	t.Helper()
	timeout := time.After(60 * time.Second)
	for {
		select {
		case ev := <-w.Events():
			if ev.Kind == kind {
				return ev
			}
		case <-timeout:
			t.Fatalf("no %s event", kind)
		}
	}
}

func TestWorker_RunsContainerToCompletion(t *testing.T) {
	var heartbeats atomic.Int32
	w := newIntegrationWorker(t, &heartbeats)
	jobID := fmt.Sprintf("it-%d", time.Now().UnixNano())

	tk := &task.Task{ID: "echo", Image: "alpine:latest", Command: []string{"sh", "-c", "echo $REF && sleep 1"}}
	require.NoError(t, w.Execute(context.Background(), jobID, tk, map[string]string{"REF": "main"}, ""))

	assert.Equal(t, jobID, nextEvent(t, w, worker.EventExecuting).JobID)
	done := nextEvent(t, w, worker.EventExecuted)
	assert.Equal(t, job.StatusCompleted, done.Status)
	assert.Positive(t, heartbeats.Load())
}

func TestWorker_ReportsFailedExit(t *testing.T) {
	var heartbeats atomic.Int32
	w := newIntegrationWorker(t, &heartbeats)
	jobID := fmt.Sprintf("it-%d", time.Now().UnixNano())

	tk := &task.Task{ID: "fail", Image: "alpine:latest", Command: []string{"sh", "-c", "exit 3"}}
	require.NoError(t, w.Execute(context.Background(), jobID, tk, nil, ""))

	done := nextEvent(t, w, worker.EventExecuted)
	assert.Equal(t, job.StatusError, done.Status)
	assert.Contains(t, done.Message, "code 3")
}

func TestWorker_CancelStopsContainer(t *testing.T) {
	var heartbeats atomic.Int32
	w := newIntegrationWorker(t, &heartbeats)
	jobID := fmt.Sprintf("it-%d", time.Now().UnixNano())

	tk := &task.Task{ID: "sleep", Image: "alpine:latest", Command: []string{"sleep", "300"}}
	require.NoError(t, w.Execute(context.Background(), jobID, tk, nil, ""))
	nextEvent(t, w, worker.EventExecuting)

	require.NoError(t, w.Cancel(context.Background(), jobID, ""))
	nextEvent(t, w, worker.EventCancelling)
	assert.Equal(t, jobID, nextEvent(t, w, worker.EventCancelled).JobID)

	_, tracked := w.runs.get(jobID)
	assert.False(t, tracked)
}
