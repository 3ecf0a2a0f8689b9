package broadcast

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"
)

var (
	ErrDispatcherClosed = errors.New("dispatcher closed")
	ErrQueueFull        = errors.New("fanout queue full")
)

const (
	DefaultWorkers   = 8
	DefaultQueueSize = 1024
)

type Task func(ctx context.Context)

// Dispatcher runs fanout tasks on a fixed pool of workers fed by a bounded
// queue. Submit never blocks.
type Dispatcher struct {
	tasks  chan Task
	logger *zap.Logger

	mu     sync.RWMutex
	closed bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	dropped   atomic.Int64
	discarded atomic.Int64
}

func NewDispatcher(workers, queueSize int, logger *zap.Logger) *Dispatcher {
	if workers <= 0 {
		workers = DefaultWorkers
	}
	if queueSize <= 0 {
		queueSize = DefaultQueueSize
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	ctx, cancel := context.WithCancel(context.Background())
	d := &Dispatcher{
		tasks:  make(chan Task, queueSize),
		logger: logger.Named("dispatcher"),
		ctx:    ctx,
		cancel: cancel,
	}
	for i := 0; i < workers; i++ {
		d.wg.Add(1)
		go d.work()
	}
	return d
}

func (d *Dispatcher) work() {
	defer d.wg.Done()
	for task := range d.tasks {
		if d.ctx.Err() != nil {
			d.discarded.Add(1)
			continue
		}
		d.run(task)
	}
}

func (d *Dispatcher) run(task Task) {
	defer func() {
		if r := recover(); r != nil {
			d.logger.Error("fanout task panicked", zap.Any("panic", r))
		}
	}()
	task(d.ctx)
}

func (d *Dispatcher) Submit(task Task) error {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		return ErrDispatcherClosed
	}
	select {
	case d.tasks <- task:
		return nil
	default:
		d.dropped.Add(1)
		return ErrQueueFull
	}
}

// Shutdown stops intake and waits for queued tasks to finish. When ctx
// expires first, running tasks see their context cancelled and whatever is
// still queued is discarded.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.tasks)
	}
	d.mu.Unlock()

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		d.cancel()
		return nil
	case <-ctx.Done():
		d.cancel()
		<-done
		if n := d.discarded.Load(); n > 0 {
			d.logger.Warn("discarded queued fanout on shutdown", zap.Int64("tasks", n))
		}
		return ctx.Err()
	}
}

// Pending is the number of queued tasks not yet picked up by a worker.
func (d *Dispatcher) Pending() int { return len(d.tasks) }

func (d *Dispatcher) Dropped() int64   { return d.dropped.Load() }
func (d *Dispatcher) Discarded() int64 { return d.discarded.Load() }
