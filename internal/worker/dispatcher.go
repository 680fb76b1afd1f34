package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	stdsync "sync"
	"sync/atomic"
	"time"

	"woosync/internal/alerts"
	"woosync/internal/database"
	"woosync/internal/metrics"
	"woosync/internal/models"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	redisQueueKey = "woosync:tasks"
)

// Task is one queued unit of work.
type Task struct {
	TaskID       string         `json:"task_id"`
	ParentTaskID string         `json:"parent_task_id,omitempty"`
	Name         string         `json:"name"`
	TenantID     int64          `json:"tenant_id"`
	Args         map[string]any `json:"args"`
	Attempt      int            `json:"attempt"`
	NotBefore    time.Time      `json:"not_before,omitempty"`
}

// Handler executes one task kind. A returned error triggers the retry
// policy; a nil return is terminal success.
type Handler func(ctx context.Context, task Task) (result any, err error)

// Permanent wraps an error that must not be retried.
type Permanent struct{ Err error }

func (p Permanent) Error() string { return p.Err.Error() }
func (p Permanent) Unwrap() error { return p.Err }

// NoRetry marks an error terminal regardless of remaining attempts.
func NoRetry(err error) error {
	if err == nil {
		return nil
	}
	return Permanent{Err: err}
}

// Dispatcher persists every task as a TaskRecord, queues it through
// Redis (falling back to an in-memory channel), and runs a worker pool
// with bounded exponential-backoff retries.
type Dispatcher struct {
	db          *database.DB
	redis       *redis.Client
	notifier    *alerts.Notifier
	retryPolicy RetryPolicy
	concurrency int
	queue       chan Task
	logger      *zerolog.Logger

	// Set while Run drains the queues. An enqueue-only process (the
	// API without Redis) must not park tasks in a channel nobody reads.
	running atomic.Bool

	mu       stdsync.Mutex
	handlers map[string]Handler
	revoked  map[string]bool
}

func NewDispatcher(db *database.DB, redisClient *redis.Client, notifier *alerts.Notifier, retry RetryPolicy, concurrency, queueSize int, logger *zerolog.Logger) *Dispatcher {
	if retry.MaxRetries == 0 {
		retry.MaxRetries = 5
	}
	if retry.InitialDelay == 0 {
		retry.InitialDelay = 2 * time.Second
	}
	if retry.MaxDelay == 0 {
		retry.MaxDelay = 5 * time.Minute
	}
	if retry.BackoffFactor == 0 {
		retry.BackoffFactor = 2
	}
	if concurrency <= 0 {
		concurrency = 4
	}
	if queueSize <= 0 {
		queueSize = models.DefaultWorkerQueueSize
	}

	return &Dispatcher{
		db:          db,
		redis:       redisClient,
		notifier:    notifier,
		retryPolicy: retry,
		concurrency: concurrency,
		queue:       make(chan Task, queueSize),
		logger:      logger,
		handlers:    make(map[string]Handler),
		revoked:     make(map[string]bool),
	}
}

// Register binds a handler to a task name. Enqueueing an unregistered
// name fails the task immediately at execution time.
func (d *Dispatcher) Register(name string, handler Handler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = handler
}

// Enqueue persists and schedules a task, returning its execution id.
func (d *Dispatcher) Enqueue(ctx context.Context, name string, tenantID int64, args map[string]any, parentTaskID string) (string, error) {
	task := Task{
		TaskID:       uuid.NewString(),
		ParentTaskID: parentTaskID,
		Name:         name,
		TenantID:     tenantID,
		Args:         args,
	}
	return task.TaskID, d.enqueue(ctx, task)
}

func (d *Dispatcher) enqueue(ctx context.Context, task Task) error {
	argsJSON, err := json.Marshal(task.Args)
	if err != nil {
		return fmt.Errorf("failed to encode task args: %w", err)
	}

	record := &models.TaskRecord{
		TaskID:   task.TaskID,
		TaskName: task.Name,
		TenantID: task.TenantID,
		Args:     string(argsJSON),
	}
	if task.ParentTaskID != "" {
		record.ParentTaskID = &task.ParentTaskID
	}
	if err := d.db.CreateTaskRecord(ctx, record); err != nil {
		return err
	}

	if d.redis != nil {
		if err := d.pushRedis(ctx, task); err == nil {
			return nil
		} else {
			d.logger.Warn().Err(err).Str("task_id", task.TaskID).
				Msg("Redis push failed, falling back to memory queue")
		}
	}

	// The memory queue is only a valid fallback when this process runs
	// the worker pool; otherwise the task would strand and the caller
	// must fail over to its synchronous path.
	if !d.running.Load() {
		d.abandon(ctx, task, "dispatch unavailable: no queue consumer")
		return fmt.Errorf("task %s not dispatched: no queue consumer", task.TaskID)
	}

	select {
	case d.queue <- task:
		metrics.SetQueueDepth(len(d.queue))
		return nil
	default:
		d.abandon(ctx, task, "task queue full")
		return fmt.Errorf("task queue full, task %s rejected", task.TaskID)
	}
}

// abandon closes the record of a task that never made it into a queue.
func (d *Dispatcher) abandon(ctx context.Context, task Task, reason string) {
	if err := d.db.CompleteTaskRecord(ctx, task.TaskID, models.TaskFailure, nil, reason); err != nil &&
		!errors.Is(err, database.ErrNotFound) {
		d.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to abandon task record")
	}
}

func (d *Dispatcher) pushRedis(ctx context.Context, task Task) error {
	data, err := json.Marshal(task)
	if err != nil {
		return err
	}
	return d.redis.LPush(ctx, redisQueueKey, data).Err()
}

// Revoke cancels a task. Queued tasks never start; a task mid-flight
// finishes its current attempt but is not retried and its terminal
// status is forced to revoked.
func (d *Dispatcher) Revoke(ctx context.Context, taskID string) error {
	d.mu.Lock()
	d.revoked[taskID] = true
	d.mu.Unlock()

	err := d.db.RevokeTask(ctx, taskID)
	if errors.Is(err, database.ErrNotFound) {
		// Already running or finished; the flag above covers the rest.
		return nil
	}
	return err
}

func (d *Dispatcher) isRevoked(taskID string) bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.revoked[taskID]
}

// Run starts the worker pool and blocks until ctx is done.
func (d *Dispatcher) Run(ctx context.Context) {
	d.running.Store(true)
	defer d.running.Store(false)
	d.logger.Info().Int("concurrency", d.concurrency).Msg("Dispatcher started")
	defer d.logger.Info().Msg("Dispatcher stopped")

	var wg stdsync.WaitGroup
	for i := 0; i < d.concurrency; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d.workerLoop(ctx)
		}()
	}
	wg.Wait()
}

func (d *Dispatcher) workerLoop(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			metrics.SetQueueDepth(len(d.queue))
			d.execute(ctx, task)
		default:
		}

		if task, ok := d.popRedis(ctx); ok {
			d.execute(ctx, task)
			continue
		}

		select {
		case <-ctx.Done():
			return
		case task := <-d.queue:
			metrics.SetQueueDepth(len(d.queue))
			d.execute(ctx, task)
		case <-time.After(time.Second):
		}
	}
}

func (d *Dispatcher) popRedis(ctx context.Context) (Task, bool) {
	if d.redis == nil {
		return Task{}, false
	}
	res, err := d.redis.BRPop(ctx, time.Second, redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			d.logger.Warn().Err(err).Msg("Redis BRPOP failed")
		}
		return Task{}, false
	}
	if len(res) != 2 {
		return Task{}, false
	}
	var task Task
	if err := json.Unmarshal([]byte(res[1]), &task); err != nil {
		d.logger.Error().Err(err).Msg("Failed to decode queued task")
		return Task{}, false
	}
	return task, true
}

func (d *Dispatcher) execute(ctx context.Context, task Task) {
	if !task.NotBefore.IsZero() {
		if wait := time.Until(task.NotBefore); wait > 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(wait):
			}
		}
	}

	if d.isRevoked(task.TaskID) {
		d.complete(ctx, task, models.TaskRevoked, nil, "revoked before execution")
		return
	}

	d.mu.Lock()
	handler, ok := d.handlers[task.Name]
	d.mu.Unlock()
	if !ok {
		d.complete(ctx, task, models.TaskFailure, nil, "no handler registered for "+task.Name)
		return
	}

	if err := d.db.MarkTaskStarted(ctx, task.TaskID); err != nil {
		d.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to mark task started")
	}

	result, err := handler(ctx, task)
	if err == nil {
		var resultJSON *string
		if result != nil {
			if data, merr := json.Marshal(result); merr == nil {
				s := string(data)
				resultJSON = &s
			}
		}
		d.complete(ctx, task, models.TaskSuccess, resultJSON, "")
		return
	}

	if d.isRevoked(task.TaskID) {
		d.complete(ctx, task, models.TaskRevoked, nil, err.Error())
		return
	}

	var permanent Permanent
	if errors.As(err, &permanent) || d.retryPolicy.Exhausted(task.Attempt+1) {
		d.complete(ctx, task, models.TaskFailure, nil, err.Error())
		if d.notifier != nil {
			d.notifier.Notify(alerts.TaskFailure(task.Name, task.TenantID, task.Attempt, err))
		}
		return
	}

	// Schedule the next attempt under the same execution id.
	task.Attempt++
	task.NotBefore = time.Now().Add(d.retryPolicy.NextDelay(task.Attempt))
	if dbErr := d.db.MarkTaskRetry(ctx, task.TaskID, err.Error()); dbErr != nil {
		d.logger.Error().Err(dbErr).Str("task_id", task.TaskID).Msg("Failed to mark task retry")
	}
	d.logger.Warn().Err(err).Str("task_id", task.TaskID).Int("attempt", task.Attempt).
		Time("not_before", task.NotBefore).Msg("Task failed, retrying")

	if d.redis != nil {
		if pushErr := d.pushRedis(ctx, task); pushErr == nil {
			return
		}
	}
	select {
	case d.queue <- task:
	default:
		d.complete(ctx, task, models.TaskFailure, nil, "retry queue full: "+err.Error())
	}
}

// complete writes the terminal state, updates metrics and recomputes
// the parent's derived status.
func (d *Dispatcher) complete(ctx context.Context, task Task, status string, result *string, errorMessage string) {
	if err := d.db.CompleteTaskRecord(ctx, task.TaskID, status, result, errorMessage); err != nil &&
		!errors.Is(err, database.ErrNotFound) {
		d.logger.Error().Err(err).Str("task_id", task.TaskID).Msg("Failed to complete task record")
	}
	metrics.IncTask(task.Name, status)

	d.mu.Lock()
	delete(d.revoked, task.TaskID)
	d.mu.Unlock()

	if task.ParentTaskID == "" {
		return
	}
	derived, err := d.db.DerivedParentStatus(ctx, task.ParentTaskID)
	if err != nil {
		if !errors.Is(err, database.ErrNotFound) {
			d.logger.Error().Err(err).Str("parent_task_id", task.ParentTaskID).
				Msg("Failed to derive parent status")
		}
		return
	}
	if derived == models.TaskSuccess || derived == models.TaskFailure {
		if err := d.db.CompleteTaskRecord(ctx, task.ParentTaskID, derived, nil, ""); err != nil &&
			!errors.Is(err, database.ErrNotFound) {
			d.logger.Error().Err(err).Str("parent_task_id", task.ParentTaskID).
				Msg("Failed to update parent task")
		}
	}
}

// EnqueueChain persists and schedules a strict linear chain: each task
// runs only after the previous one succeeded. Used for hierarchical
// entities where a parent's sink id must exist before the child syncs.
func (d *Dispatcher) EnqueueChain(ctx context.Context, name string, tenantID int64, argsList []map[string]any, parentTaskID string) ([]string, error) {
	if len(argsList) == 0 {
		return nil, nil
	}

	ids := make([]string, 0, len(argsList))
	// Only the first link is queued now; the chain handler wrapper
	// enqueues the successor on success.
	chain := make([]Task, len(argsList))
	for i, args := range argsList {
		chain[i] = Task{
			TaskID:       uuid.NewString(),
			ParentTaskID: parentTaskID,
			Name:         name,
			TenantID:     tenantID,
			Args:         args,
		}
		ids = append(ids, chain[i].TaskID)
	}
	for i := range chain {
		if i+1 < len(chain) {
			chain[i].Args["__next"] = chain[i+1]
		}
	}

	// Records for every link exist up front so status queries see the
	// whole chain as pending.
	for i := 1; i < len(chain); i++ {
		argsJSON, err := json.Marshal(chain[i].Args)
		if err != nil {
			return nil, fmt.Errorf("failed to encode chain args: %w", err)
		}
		record := &models.TaskRecord{
			TaskID:   chain[i].TaskID,
			TaskName: name,
			TenantID: tenantID,
			Args:     string(argsJSON),
		}
		if parentTaskID != "" {
			record.ParentTaskID = &parentTaskID
		}
		if err := d.db.CreateTaskRecord(ctx, record); err != nil {
			return nil, err
		}
	}

	return ids, d.enqueue(ctx, chain[0])
}

// WrapChainHandler decorates a handler so a successful link enqueues
// its successor.
func (d *Dispatcher) WrapChainHandler(handler Handler) Handler {
	return func(ctx context.Context, task Task) (any, error) {
		next, hasNext := task.Args["__next"]
		delete(task.Args, "__next")

		result, err := handler(ctx, task)
		if err != nil {
			return result, err
		}
		if hasNext {
			nextTask, cerr := decodeChainLink(next)
			if cerr != nil {
				return result, NoRetry(cerr)
			}
			if qerr := d.requeueExisting(ctx, nextTask); qerr != nil {
				return result, qerr
			}
		}
		return result, nil
	}
}

// decodeChainLink tolerates both in-process (Task) and JSON round-trip
// (map) representations of the successor link.
func decodeChainLink(v any) (Task, error) {
	if task, ok := v.(Task); ok {
		return task, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return Task{}, fmt.Errorf("failed to encode chain link: %w", err)
	}
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return Task{}, fmt.Errorf("failed to decode chain link: %w", err)
	}
	return task, nil
}

// requeueExisting schedules a task whose record already exists.
func (d *Dispatcher) requeueExisting(ctx context.Context, task Task) error {
	if d.redis != nil {
		if err := d.pushRedis(ctx, task); err == nil {
			return nil
		}
	}
	select {
	case d.queue <- task:
		return nil
	default:
		return fmt.Errorf("task queue full, chain link %s rejected", task.TaskID)
	}
}
