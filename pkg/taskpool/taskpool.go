// Package taskpool runs submitted tasks on a fixed set of workers.
//
// A `TaskPool` is only a queue: it is drained by whoever calls `Run`,
// usually the workers of a `WorkerPool`.
package taskpool

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/hashicorp/go-metrics"

	"github.com/raskyld/colearn/internal/telemetry"
)

var (
	MetricSubmittedCount = []string{"colearn", "taskpool", "submitted", "count"}
	MetricDroppedCount   = []string{"colearn", "taskpool", "dropped", "count"}
	MetricPanicCount     = []string{"colearn", "taskpool", "panic", "count"}
	MetricQueueDepth     = []string{"colearn", "taskpool", "queue", "depth"}
	MetricTaskDuration   = []string{"colearn", "taskpool", "task", "duration"}
)

// Task is a unit of work. ctx is cancelled once the grace period that
// follows a stop is over.
type Task interface {
	Run(ctx context.Context)
}

// TaskFunc adapts a function to a `Task`.
type TaskFunc func(ctx context.Context)

func (f TaskFunc) Run(ctx context.Context) {
	f(ctx)
}

// Keyed tasks sharing the same key never run concurrently and run in
// the order they were submitted.
type Keyed interface {
	Key() string
}

type entry struct {
	task  Task
	key   string
	keyed bool
}

type TaskPool struct {
	cfg    config
	logger *slog.Logger
	msink  metrics.MetricSink

	lk      sync.Mutex
	cond    *sync.Cond
	queue   []entry
	busy    map[string]struct{}
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
}

func NewTaskPool(opts ...Option) *TaskPool {
	tp := &TaskPool{
		busy: make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(&tp.cfg)
	}
	tp.cond = sync.NewCond(&tp.lk)
	tp.logger = telemetry.Logger(tp.cfg.logHandler)
	tp.msink = telemetry.Sink(tp.cfg.msink)
	tp.ctx, tp.cancel = context.WithCancel(context.Background())
	return tp
}

// Submit queues task, it never blocks.
func (tp *TaskPool) Submit(task Task) error {
	if task == nil {
		return ErrNilTask
	}
	e := entry{task: task}
	if keyed, ok := task.(Keyed); ok {
		e.key = keyed.Key()
		e.keyed = true
	}

	tp.lk.Lock()
	if tp.stopped {
		tp.lk.Unlock()
		return ErrStopped
	}
	tp.queue = append(tp.queue, e)
	depth := len(tp.queue)
	tp.lk.Unlock()

	// any runner may be the one able to take it
	tp.cond.Broadcast()
	tp.msink.IncrCounterWithLabels(MetricSubmittedCount, 1.0, tp.cfg.metricLabels)
	tp.msink.SetGaugeWithLabels(MetricQueueDepth, float32(depth), tp.cfg.metricLabels)
	return nil
}

// Run blocks until a task is runnable or the pool is stopped. It runs at
// most one task and reports whether the pool is still accepting work.
func (tp *TaskPool) Run(worker int) bool {
	tp.lk.Lock()
	var e entry
	for {
		if tp.stopped {
			tp.lk.Unlock()
			return false
		}
		if i := tp.nextRunnable(); i >= 0 {
			e = tp.queue[i]
			tp.queue = append(tp.queue[:i], tp.queue[i+1:]...)
			break
		}
		tp.cond.Wait()
	}
	if e.keyed {
		tp.busy[e.key] = struct{}{}
	}
	tp.lk.Unlock()

	tp.exec(worker, e)

	if e.keyed {
		tp.lk.Lock()
		delete(tp.busy, e.key)
		wake := len(tp.queue) > 0
		tp.lk.Unlock()
		if wake {
			tp.cond.Broadcast()
		}
	}
	return true
}

// not thread safe!
// must be called by the holder of the lock
func (tp *TaskPool) nextRunnable() int {
	for i, e := range tp.queue {
		if !e.keyed {
			return i
		}
		if _, busy := tp.busy[e.key]; !busy {
			return i
		}
	}
	return -1
}

func (tp *TaskPool) exec(worker int, e entry) {
	labels := telemetry.With(tp.cfg.metricLabels, telemetry.LabelWorker.M(strconv.Itoa(worker)))
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			tp.logger.Error("task panicked",
				telemetry.LabelWorker.L(worker),
				telemetry.LabelError.L(fmt.Sprint(r)),
			)
			tp.msink.IncrCounterWithLabels(MetricPanicCount, 1.0, labels)
		}
		tp.msink.AddSampleWithLabels(MetricTaskDuration, float32(time.Since(start).Milliseconds()), labels)
	}()
	e.task.Run(tp.ctx)
}

// Pending returns how many tasks are queued and not started yet.
func (tp *TaskPool) Pending() int {
	tp.lk.Lock()
	defer tp.lk.Unlock()
	return len(tp.queue)
}

// Stop drops queued tasks and wakes every blocked `Run`. Running tasks
// are allowed to finish, within the grace period if any. It does not
// wait for them.
func (tp *TaskPool) Stop() {
	tp.lk.Lock()
	if tp.stopped {
		tp.lk.Unlock()
		return
	}
	tp.stopped = true
	dropped := len(tp.queue)
	tp.queue = nil
	tp.lk.Unlock()

	if tp.cfg.grace > 0 {
		time.AfterFunc(tp.cfg.grace, tp.cancel)
	}
	tp.cond.Broadcast()
	if dropped > 0 {
		tp.logger.Debug("dropped queued tasks", "count", dropped)
		tp.msink.IncrCounterWithLabels(MetricDroppedCount, float32(dropped), tp.cfg.metricLabels)
	}
}
