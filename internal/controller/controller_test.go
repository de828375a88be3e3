package controller

import (
	"encoding/json"
	"errors"
	"sync"
	"testing"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/types"
	"github.com/stretchr/testify/require"
)

var errBoom = errors.New("spawn failed")

// spawnRecorder is a test Spawner that records every worker id it is asked
// to launch without starting a real process.
type spawnRecorder struct {
	mu      sync.Mutex
	spawned []int
	fail    map[int]bool
}

func newSpawnRecorder() *spawnRecorder {
	return &spawnRecorder{fail: make(map[int]bool)}
}

func (s *spawnRecorder) spawn(workerID int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.spawned = append(s.spawned, workerID)
	if s.fail[workerID] {
		return errBoom
	}
	return nil
}

func (s *spawnRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.spawned)
}

func newController(t *testing.T, parallelism int, spawner *spawnRecorder) *Controller {
	t.Helper()
	c, err := New(Config{
		Props:       types.ExecutionProps{FilePath: "/deploy/app.py", ExecutionID: "exec-1"},
		StepCount:   2,
		Parallelism: parallelism,
		Seed:        json.RawMessage(`0`),
		Spawn:       spawner.spawn,
	})
	require.NoError(t, err)
	return c
}

func TestNewAdmitsSeedWorkItem(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	item, ok := c.GetWorkItem(0)
	require.True(t, ok)
	require.Equal(t, 0, item.StepIndex)
	require.True(t, item.IsRoot())
	require.Equal(t, []int{0}, item.Sequence)

	_, ok = c.GetWorkItem(0)
	require.False(t, ok, "queue should be empty after draining the single seed item")
}

func TestSpawnedNeverExceedsParallelism(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 2, spawner)

	for i := 0; i < 20; i++ {
		require.NoError(t, c.AddWorkItem(types.WorkItem{
			WorkID:    "extra",
			StepIndex: 1,
			Sequence:  []int{0, 1},
		}))
	}

	require.LessOrEqual(t, spawner.count(), 2)
}

func TestAddWorkItemRejectsStepIndexOutsideRange(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	err := c.AddWorkItem(types.WorkItem{WorkID: "bad", StepIndex: 99, Sequence: []int{99}})
	require.Error(t, err)
}

func TestLIFOOrderingDrainsMostRecentFirst(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	// Drain the seed first so the queue starts empty for this test's own items.
	_, ok := c.GetWorkItem(0)
	require.True(t, ok)

	require.NoError(t, c.AddWorkItem(types.WorkItem{WorkID: "a", StepIndex: 1, Sequence: []int{0, 1}}))
	require.NoError(t, c.AddWorkItem(types.WorkItem{WorkID: "b", StepIndex: 1, Sequence: []int{0, 1}}))
	require.NoError(t, c.AddWorkItem(types.WorkItem{WorkID: "c", StepIndex: 1, Sequence: []int{0, 1}}))

	first, ok := c.GetWorkItem(0)
	require.True(t, ok)
	require.Equal(t, "c", first.WorkID)

	second, ok := c.GetWorkItem(0)
	require.True(t, ok)
	require.Equal(t, "b", second.WorkID)

	third, ok := c.GetWorkItem(0)
	require.True(t, ok)
	require.Equal(t, "a", third.WorkID)
}

func TestRetireClosesDoneWhenAllEndedAndQueueEmpty(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	_, ok := c.GetWorkItem(0)
	require.True(t, ok)

	c.Retire(0, nil)

	select {
	case <-c.Done():
	default:
		t.Fatal("expected Done() to be closed once the only worker retired with an empty queue")
	}
}

func TestRetireRespawnsWhenQueueNonEmptyAfterLastWorkerDrains(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	_, ok := c.GetWorkItem(0)
	require.True(t, ok)

	// Simulate a successor being enqueued concurrently with the last
	// worker's exit, without going through maybeSpawn (parallelism cap
	// already reached at 1 spawned worker).
	c.queueMu.Lock()
	c.queue = append(c.queue, types.WorkItem{WorkID: "late", StepIndex: 1, Sequence: []int{0, 1}})
	c.queueMu.Unlock()

	c.Retire(0, nil)

	select {
	case <-c.Done():
		t.Fatal("Done() should not close while the queue is non-empty")
	default:
	}
	require.Equal(t, 2, spawner.count(), "a drain worker should have been spawned")
}

func TestWorkerCrashBeforeMarkIdleStillAdvancesEndedCounter(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	_, ok := c.GetWorkItem(0)
	require.True(t, ok)

	c.Retire(0, nil)

	select {
	case <-c.Done():
	default:
		t.Fatal("ended counter should reach spawned count even without MarkIdle ever being called")
	}
}

func TestPublishResultAndRecordWorkerErrorAccumulate(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 1, spawner)

	c.PublishResult("w-1", json.RawMessage(`1`))
	c.PublishResult("w-2", json.RawMessage(`2`))
	require.Len(t, c.Results(), 2)

	c.RecordWorkerError(types.WorkerError{Error: "boom"})
	require.Len(t, c.Errors(), 1)
}

func TestAddWorkItemOutOfRangeAbortsExecutionRatherThanRecordingAWorkerError(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 2, spawner)

	err := c.AddWorkItem(types.WorkItem{WorkID: "bad", StepIndex: 99, Sequence: []int{99}})
	require.Error(t, err)
	require.ErrorIs(t, err, corerr.ErrInvariantViolation)

	select {
	case <-c.Done():
	default:
		t.Fatal("Done() should close immediately on an invariant violation, not wait for workers to drain")
	}
	require.ErrorIs(t, c.FatalError(), corerr.ErrInvariantViolation)
	require.Empty(t, c.Errors(), "an invariant violation is not a sibling-surviving worker error")
}

func TestMarkIdlePreventsDoubleSpawnOnNextAdmissionCheck(t *testing.T) {
	spawner := newSpawnRecorder()
	c := newController(t, 2, spawner)

	// Seed already admitted one worker (worker 0). It takes the seed, then
	// marks itself idle, as a worker does after finishing an item.
	_, ok := c.GetWorkItem(0)
	require.True(t, ok)
	c.MarkIdle(0)

	require.NoError(t, c.AddWorkItem(types.WorkItem{WorkID: "x", StepIndex: 1, Sequence: []int{0, 1}}))

	// pending(1) > idle(1) is false, so no second worker should spawn.
	require.Equal(t, 1, spawner.count())
}
