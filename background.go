package rockguard

// background.go runs maintenance tasks on a per-database worker.
//
// Tasks run one at a time, in submission order, on a single goroutine.
// Pausing holds queued tasks until work continues; the task that is
// already running finishes. Stopping cancels every queued task and waits
// for the running one.

import (
	"sync"

	"github.com/cockroachdb/errors"

	"github.com/aalhour/rockguard/internal/logging"
)

// taskKind identifies the kind of a maintenance task.
type taskKind int

const (
	taskFlush taskKind = iota
	taskCompact
	taskReclaim
)

func (k taskKind) String() string {
	switch k {
	case taskFlush:
		return "flush"
	case taskCompact:
		return "compact"
	case taskReclaim:
		return "reclaim"
	default:
		return "unknown"
	}
}

func (k taskKind) namespace() string {
	if k == taskFlush {
		return logging.NSFlush
	}
	return logging.NSCompact
}

// errWorkerStopped is the cause of tasks cancelled by a closing database.
var errWorkerStopped = errors.New("rockguard: database is closing")

// backgroundWork is the maintenance worker of one database.
type backgroundWork struct {
	log   Logger
	stats *statisticsImpl

	mu      sync.Mutex
	cond    *sync.Cond
	queue   []*MaintenanceTask
	paused  bool
	stopped bool
	running *MaintenanceTask

	done sync.WaitGroup
}

// newBackgroundWork creates a new background work handler.
func newBackgroundWork(log Logger, stats *statisticsImpl) *backgroundWork {
	bg := &backgroundWork{log: log, stats: stats}
	bg.cond = sync.NewCond(&bg.mu)
	return bg
}

// start starts the worker goroutine.
func (bg *backgroundWork) start() {
	bg.done.Add(1)
	go bg.loop()
}

// stop cancels queued tasks and waits for the running one to finish.
func (bg *backgroundWork) stop() {
	bg.mu.Lock()
	if bg.stopped {
		bg.mu.Unlock()
		return
	}
	bg.stopped = true
	queued := bg.queue
	bg.queue = nil
	bg.cond.Broadcast()
	bg.mu.Unlock()

	for _, t := range queued {
		t.cancel(errWorkerStopped)
	}
	bg.done.Wait()
}

// submit queues fn as a task of the given kind.
func (bg *backgroundWork) submit(kind taskKind, target string, fn func() error) (*MaintenanceTask, error) {
	t := newMaintenanceTask(kind, target, fn)

	bg.mu.Lock()
	defer bg.mu.Unlock()
	if bg.stopped {
		return nil, errors.Wrap(ErrInvalidHandle, "database is closing")
	}
	bg.queue = append(bg.queue, t)
	bg.cond.Broadcast()
	return t, nil
}

// pause holds queued tasks until resume.
func (bg *backgroundWork) pause() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.paused = true
}

// resume continues background work after pause.
func (bg *backgroundWork) resume() {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	bg.paused = false
	bg.cond.Broadcast()
}

// isPaused returns true if background work is paused.
func (bg *backgroundWork) isPaused() bool {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return bg.paused
}

// pending returns the number of queued tasks and whether one is running.
func (bg *backgroundWork) pending() (queued int, running bool) {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	return len(bg.queue), bg.running != nil
}

func (bg *backgroundWork) next() *MaintenanceTask {
	bg.mu.Lock()
	defer bg.mu.Unlock()
	for !bg.stopped && (bg.paused || len(bg.queue) == 0) {
		bg.cond.Wait()
	}
	if bg.stopped {
		return nil
	}
	t := bg.queue[0]
	bg.queue[0] = nil
	bg.queue = bg.queue[1:]
	bg.running = t
	return t
}

func (bg *backgroundWork) loop() {
	defer bg.done.Done()
	for {
		t := bg.next()
		if t == nil {
			return
		}
		bg.run(t)
		bg.mu.Lock()
		bg.running = nil
		bg.mu.Unlock()
	}
}

func (bg *backgroundWork) run(t *MaintenanceTask) {
	if !t.begin() {
		// Cancelled while queued.
		return
	}
	ns := t.kind.namespace()
	bg.log.Debugf(ns+"%s %s started", t.kind, t.target)

	err := t.fn()
	if err != nil {
		err = errors.Mark(engineError(err, "%s %s", t.kind, t.target), ErrMaintenanceFailed)
		bg.stats.RecordTick(TickerMaintenanceFailures, 1)
		bg.log.Warnf(ns+"%s %s failed: %v", t.kind, t.target, err)
	} else {
		switch t.kind {
		case taskFlush:
			bg.stats.RecordTick(TickerManualFlushes, 1)
		default:
			bg.stats.RecordTick(TickerManualCompactions, 1)
		}
		bg.log.Debugf(ns+"%s %s finished", t.kind, t.target)
	}
	t.finish(err)
}
