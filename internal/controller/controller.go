// Package controller implements the execution lifecycle controller: the
// work-item queue and scheduler. It owns the LIFO queue, the idle/spawned
// worker bookkeeping, and the results/errors lists, and decides when an
// execution has finished.
package controller

import (
	"encoding/json"
	"fmt"
	"sync"

	"github.com/cuemby/datallog-core/internal/corerr"
	"github.com/cuemby/datallog-core/internal/events"
	"github.com/cuemby/datallog-core/internal/log"
	"github.com/cuemby/datallog-core/internal/metrics"
	"github.com/cuemby/datallog-core/internal/types"
	"github.com/google/uuid"
)

// Spawner launches one more worker process (a container invocation) given
// the monotonic worker id the controller assigned it. It must not block
// past the point of starting the process; the caller supervises completion
// asynchronously and reports it back via Controller.Retire.
type Spawner func(workerID int) error

// Controller is the host-side orchestration state. Each field group is
// guarded by its own mutex; no method ever holds two of these locks at once.
type Controller struct {
	props       types.ExecutionProps
	stepCount   int
	parallelism int
	spawn       Spawner
	broker      *events.Broker

	queueMu sync.Mutex
	queue   []types.WorkItem // LIFO: last element is popped first

	workersMu    sync.Mutex
	idleWorkers  map[int]bool
	spawnedCount int
	endedCount   int
	nextID       int

	resultsMu sync.Mutex
	results   []types.WorkerResult

	errorsMu sync.Mutex
	errors   []types.WorkerError

	fatalMu  sync.Mutex
	fatalErr error

	doneOnce sync.Once
	doneCh   chan struct{}
}

// Config holds the construction parameters for a Controller.
type Config struct {
	Props       types.ExecutionProps
	StepCount   int
	Parallelism int
	Seed        json.RawMessage
	Spawn       Spawner
	Broker      *events.Broker
}

// New constructs a Controller and admits the seed work item targeted at
// step 0.
func New(cfg Config) (*Controller, error) {
	if cfg.Parallelism < 1 {
		return nil, fmt.Errorf("parallelism must be >= 1: %w", corerr.ErrConfiguration)
	}
	if cfg.StepCount < 1 {
		return nil, fmt.Errorf("application must declare at least one step: %w", corerr.ErrConfiguration)
	}

	c := &Controller{
		props:       cfg.Props,
		stepCount:   cfg.StepCount,
		parallelism: cfg.Parallelism,
		spawn:       cfg.Spawn,
		broker:      cfg.Broker,
		idleWorkers: make(map[int]bool),
		doneCh:      make(chan struct{}),
	}

	seed := types.WorkItem{
		WorkID:     uuid.NewString(),
		StepIndex:  0,
		Argument:   cfg.Seed,
		FromWorkID: nil,
		Sequence:   []int{0},
	}
	c.enqueue(seed)
	return c, nil
}

// Props returns the static execution context delivered to every worker.
func (c *Controller) Props() types.ExecutionProps {
	return c.props
}

// Done returns a channel closed once the execution has finished: either
// every spawned worker has exited and the queue is empty, or the execution
// was aborted by a fatal error (see Abort). Callers should check
// FatalError once Done is closed before treating Results/Errors as final.
func (c *Controller) Done() <-chan struct{} {
	return c.doneCh
}

// Abort ends the execution immediately with a fatal error, regardless of
// how many spawned workers are still running. Unlike RecordWorkerError,
// which records a sibling-surviving failure, Abort is reserved for
// invariant violations: internal-consistency failures that no sibling
// worker's progress can be trusted past.
func (c *Controller) Abort(err error) {
	c.fatalMu.Lock()
	if c.fatalErr == nil {
		c.fatalErr = err
	}
	c.fatalMu.Unlock()
	log.Logger.Error().Err(err).Msg("aborting execution on invariant violation")
	c.doneOnce.Do(func() { close(c.doneCh) })
}

// FatalError returns the error that aborted the execution, or nil if the
// execution ended normally (every worker exited with the queue empty).
func (c *Controller) FatalError() error {
	c.fatalMu.Lock()
	defer c.fatalMu.Unlock()
	return c.fatalErr
}

// Results returns the accumulated terminal values.
func (c *Controller) Results() []types.WorkerResult {
	c.resultsMu.Lock()
	defer c.resultsMu.Unlock()
	out := make([]types.WorkerResult, len(c.results))
	copy(out, c.results)
	return out
}

// Errors returns the accumulated worker errors.
func (c *Controller) Errors() []types.WorkerError {
	c.errorsMu.Lock()
	defer c.errorsMu.Unlock()
	out := make([]types.WorkerError, len(c.errors))
	copy(out, c.errors)
	return out
}

// enqueue pushes item onto the LIFO queue and re-runs the spawn admission
// check.
func (c *Controller) enqueue(item types.WorkItem) {
	c.queueMu.Lock()
	c.queue = append(c.queue, item)
	pending := len(c.queue)
	c.queueMu.Unlock()

	metrics.SetQueueDepth(pending)
	c.maybeSpawn(pending)
}

// maybeSpawn spawns one more worker when spawned < parallelism AND
// pending > idle: workers are never a fixed pool sized to parallelism, only
// launched when the queue actually outgrows the idle set.
func (c *Controller) maybeSpawn(pending int) {
	c.workersMu.Lock()
	idle := len(c.idleWorkers)
	if !(c.spawnedCount < c.parallelism && pending > idle) {
		c.workersMu.Unlock()
		return
	}
	workerID := c.nextID
	c.nextID++
	c.spawnedCount++
	c.workersMu.Unlock()

	metrics.SetWorkersSpawned(c.spawnedCount)
	c.emit(events.WorkerSpawned, workerID)

	if err := c.spawn(workerID); err != nil {
		log.WithWorker(workerID).Error().Err(err).Msg("failed to spawn worker, retiring immediately")
		c.Retire(workerID, err)
	}
}

// GetWorkItem implements the GET_WORK_ITEM request: pop one item
// non-blockingly from the LIFO queue, or report NO_MORE_WORK_ITEMS. In
// either case workerID is removed from idleWorkers.
func (c *Controller) GetWorkItem(workerID int) (types.WorkItem, bool) {
	c.workersMu.Lock()
	delete(c.idleWorkers, workerID)
	idle := len(c.idleWorkers)
	c.workersMu.Unlock()
	metrics.SetWorkersIdle(idle)

	c.queueMu.Lock()
	defer c.queueMu.Unlock()
	n := len(c.queue)
	if n == 0 {
		return types.WorkItem{}, false
	}
	item := c.queue[n-1]
	c.queue = c.queue[:n-1]
	metrics.SetQueueDepth(len(c.queue))
	return item, true
}

// AddWorkItem implements the W→H WORK_ITEM notification: a worker
// schedules a successor step. item.StepIndex must address a declared step;
// anything else is an invariant violation, fatal to the execution.
func (c *Controller) AddWorkItem(item types.WorkItem) error {
	if item.StepIndex < 0 || item.StepIndex >= c.stepCount {
		err := fmt.Errorf("work item %s addresses step %d outside [0,%d): %w",
			item.WorkID, item.StepIndex, c.stepCount, corerr.ErrInvariantViolation)
		c.Abort(err)
		return err
	}
	c.enqueue(item)
	return nil
}

// PublishResult implements PUBLISH_RESULT: append to the results list.
func (c *Controller) PublishResult(workID string, result json.RawMessage) {
	c.resultsMu.Lock()
	c.results = append(c.results, types.WorkerResult{WorkID: workID, Result: result})
	n := len(c.results)
	c.resultsMu.Unlock()
	metrics.SetResultsTotal(n)
}

// RecordWorkerError implements WORKER_ERROR: append to the errors list
// without aborting sibling workers.
func (c *Controller) RecordWorkerError(we types.WorkerError) {
	c.errorsMu.Lock()
	c.errors = append(c.errors, we)
	n := len(c.errors)
	c.errorsMu.Unlock()
	metrics.SetErrorsTotal(n)

	workID := "<none>"
	if we.WorkID != nil {
		workID = *we.WorkID
	}
	log.Logger.Error().Str("work_id", workID).Str("error", we.Error).Msg("worker reported an error")
}

// MarkIdle implements MARK_AS_IDLE: add workerID to idleWorkers so the next
// admission check does not double-count it as needing a sibling.
func (c *Controller) MarkIdle(workerID int) {
	c.workersMu.Lock()
	c.idleWorkers[workerID] = true
	idle := len(c.idleWorkers)
	c.workersMu.Unlock()
	metrics.SetWorkersIdle(idle)
}

// Retire is called exactly once per spawned worker: by the supervisor that
// waits on its container process, when that process exits, or by the
// controller itself when the Spawner fails. spawnErr is non-nil if the
// worker could not be started or its process ended with an error; it is
// then recorded as a worker error with no work_id.
func (c *Controller) Retire(workerID int, spawnErr error) {
	c.workersMu.Lock()
	delete(c.idleWorkers, workerID)
	c.endedCount++
	ended := c.endedCount
	spawned := c.spawnedCount
	idle := len(c.idleWorkers)
	c.workersMu.Unlock()

	metrics.SetWorkersIdle(idle)
	c.emit(events.WorkerExited, workerID)
	if spawnErr != nil {
		traceback := spawnErr.Error()
		c.RecordWorkerError(types.WorkerError{Error: spawnErr.Error(), Traceback: traceback, WorkID: nil})
	}

	if ended < spawned {
		return
	}

	// Every spawned worker has exited. If the queue is still non-empty (a
	// successor was enqueued just as the last worker drained), spawn one
	// more worker to drain it rather than silently losing the item.
	c.queueMu.Lock()
	pending := len(c.queue)
	c.queueMu.Unlock()
	if pending > 0 {
		c.maybeSpawnOne()
		return
	}

	c.doneOnce.Do(func() { close(c.doneCh) })
}

// maybeSpawnOne force-spawns a single worker outside the normal admission
// check, used only by the drain-on-finish path in Retire.
func (c *Controller) maybeSpawnOne() {
	c.workersMu.Lock()
	workerID := c.nextID
	c.nextID++
	c.spawnedCount++
	c.workersMu.Unlock()

	metrics.SetWorkersSpawned(c.spawnedCount)
	c.emit(events.WorkerSpawned, workerID)

	if err := c.spawn(workerID); err != nil {
		log.WithWorker(workerID).Error().Err(err).Msg("failed to spawn drain worker, retiring immediately")
		c.Retire(workerID, err)
	}
}

func (c *Controller) emit(kind events.Kind, workerID int) {
	if c.broker == nil {
		return
	}
	c.broker.Publish(events.Event{Kind: kind, WorkerID: workerID})
}
