package infinio

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
)

// Poller is the three-operation contract an Event Processor drives, per
// spec.md §4.1: Poll processes ready work and reports whether any ran;
// PrepareSleep flushes state before the processor blocks in epoll_wait;
// Wakeup restores state after blocking.
type Poller interface {
	Poll() bool
	PrepareSleep()
	Wakeup()
}

// Processor is the Event Processor (C1): it owns one epoll descriptor and
// one worker goroutine, and runs a hybrid busy-poll/blocking loop over its
// registered Pollers.
type Processor struct {
	poller FastPoller
	state  *fastState
	limits Limits
	logger *Logger

	mu         sync.Mutex
	fdOwners   map[int]Poller
	allPollers []Poller

	taskQueue *TaskQueue
	fibers    *fiberCache

	batchersMu sync.Mutex
	batchers   []*BatchingSocket

	ownerGRID atomic.Uint64
	doneCh    chan struct{}
	startOnce sync.Once
	stopOnce  sync.Once
}

// NewProcessor constructs a Processor, initialising its epoll descriptor
// and task queue. Call Start to begin running its worker goroutine.
func NewProcessor(opts ...ProcessorOption) (*Processor, error) {
	cfg := resolveProcessorOptions(opts)

	tq, err := newTaskQueue(cfg.limits.TaskQueueCapacity)
	if err != nil {
		return nil, err
	}

	pr := &Processor{
		state:     newFastState(ProcessorAwake),
		limits:    cfg.limits,
		logger:    cfg.logger,
		fdOwners:  make(map[int]Poller),
		taskQueue: tq,
		fibers:    newFiberCache(cfg.limits.FiberCacheSize),
		doneCh:    make(chan struct{}),
	}

	if err := pr.poller.Init(); err != nil {
		return nil, err
	}
	if err := pr.Register(tq.fd(), EventRead, tq); err != nil {
		_ = pr.poller.Close()
		return nil, err
	}

	return pr, nil
}

// TaskQueue returns the Processor's single Task Queue (spec.md §4.2).
func (pr *Processor) TaskQueue() *TaskQueue { return pr.taskQueue }

// Register adds fd (with the given interest set) to the Processor's epoll
// set, and p to the set of Pollers driven by the busy-poll cycle.
func (pr *Processor) Register(fd int, events IOEvents, p Poller) error {
	if err := pr.poller.RegisterFD(fd, events, func(IOEvents) { p.Wakeup() }); err != nil {
		return err
	}
	pr.mu.Lock()
	pr.fdOwners[fd] = p
	pr.allPollers = append(pr.allPollers, p)
	pr.mu.Unlock()
	return nil
}

// Deregister removes fd from the epoll set and its Poller from the
// busy-poll cycle.
func (pr *Processor) Deregister(fd int) error {
	pr.mu.Lock()
	owner, ok := pr.fdOwners[fd]
	if ok {
		delete(pr.fdOwners, fd)
		for i, p := range pr.allPollers {
			if p == owner {
				pr.allPollers = append(pr.allPollers[:i], pr.allPollers[i+1:]...)
				break
			}
		}
	}
	pr.mu.Unlock()
	if !ok {
		return ErrFDNotRegistered
	}
	return pr.poller.UnregisterFD(fd)
}

// RegisterBatcher enrolls b to be flushed whenever this Processor's task
// queue drains (spec.md §4.5 "flush on ... task-queue-drain boundary").
func (pr *Processor) RegisterBatcher(b *BatchingSocket) {
	pr.batchersMu.Lock()
	pr.batchers = append(pr.batchers, b)
	pr.batchersMu.Unlock()
}

// DeregisterBatcher removes b from the flush-on-drain set.
func (pr *Processor) DeregisterBatcher(b *BatchingSocket) {
	pr.batchersMu.Lock()
	for i, x := range pr.batchers {
		if x == b {
			pr.batchers = append(pr.batchers[:i], pr.batchers[i+1:]...)
			break
		}
	}
	pr.batchersMu.Unlock()
}

func (pr *Processor) flushBatchers() {
	pr.batchersMu.Lock()
	batchers := make([]*BatchingSocket, len(pr.batchers))
	copy(batchers, pr.batchers)
	pr.batchersMu.Unlock()
	for _, b := range batchers {
		b.flushIfPending()
	}
}

func (pr *Processor) snapshotPollers() []Poller {
	pr.mu.Lock()
	defer pr.mu.Unlock()
	out := make([]Poller, len(pr.allPollers))
	copy(out, pr.allPollers)
	return out
}

// Start launches the Processor's worker goroutine. Safe to call once;
// subsequent calls are no-ops.
func (pr *Processor) Start() {
	pr.startOnce.Do(func() {
		pr.state.TryTransition(ProcessorAwake, ProcessorRunning)
		go pr.run()
	})
}

// IsHomeThread reports whether the calling goroutine is this Processor's
// worker goroutine (spec.md §8 invariant 4, §9 Open Question (i)).
func (pr *Processor) IsHomeThread() bool {
	id := pr.ownerGRID.Load()
	return id != 0 && goroutineID() == id
}

// State returns the Processor's current run state.
func (pr *Processor) State() ProcessorState { return pr.state.Load() }

// run is the worker goroutine body: the busy-poll/epoll-sleep cycle of
// spec.md §4.1.
func (pr *Processor) run() {
	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	pr.ownerGRID.Store(goroutineID())
	pr.taskQueue.setOwner(pr.ownerGRID.Load())
	defer close(pr.doneCh)

	cycles := 0
	for {
		if pr.state.Load() == ProcessorTerminating {
			break
		}

		worked := false
		for _, p := range pr.snapshotPollers() {
			if p.Poll() {
				worked = true
			}
		}
		pr.flushBatchers()
		if worked {
			cycles = 0
			continue
		}

		cycles++
		if cycles < pr.limits.PollCycles {
			continue
		}

		for _, p := range pr.snapshotPollers() {
			p.PrepareSleep()
		}
		// PrepareSleep may have drained and run more tasks.
		pr.flushBatchers()
		if pr.state.Load() == ProcessorTerminating {
			break
		}

		pr.state.TryTransition(ProcessorRunning, ProcessorSleeping)
		_, err := pr.poller.PollIO(-1)
		pr.state.TryTransition(ProcessorSleeping, ProcessorRunning)
		if err != nil {
			pr.logger.Errf(err, "infinio: epoll_wait failed")
		}
		cycles = 0
	}

	pr.state.Store(ProcessorTerminated)
}

// Shutdown requests termination and blocks until the worker goroutine
// exits or ctx is done. The Service built atop Processor stops CM event
// dispatch; Processor's contribution is that its worker goroutine has fully
// exited. Fibers are not terminated by either: cached fibers' goroutines
// stay parked, and a fiber suspended in Wait stays suspended.
func (pr *Processor) Shutdown(ctx context.Context) error {
	var err error
	pr.stopOnce.Do(func() {
		for {
			cur := pr.state.Load()
			if cur == ProcessorTerminated || cur == ProcessorTerminating {
				break
			}
			if pr.state.TryTransition(cur, ProcessorTerminating) {
				break
			}
		}
		// Wake the worker if it is (or is about to be) blocked in
		// epoll_wait, bypassing TaskQueue.Execute's same-thread assertion
		// since this is an internal wakeup signal, not a producer closure.
		_ = pr.taskQueue.wake.Signal()

		select {
		case <-pr.doneCh:
		case <-ctx.Done():
			err = ctx.Err()
		}
	})
	if err != nil {
		return err
	}
	select {
	case <-pr.doneCh:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close tears down the Processor's epoll descriptor and task queue
// eventfd. Call only after Shutdown has returned.
func (pr *Processor) Close() error {
	err1 := pr.taskQueue.Close()
	err2 := pr.poller.Close()
	if err1 != nil {
		return err1
	}
	return err2
}
