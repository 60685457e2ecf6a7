package ingest

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	shared "github.com/fitglue/ride-ingest/pkg"
	"github.com/fitglue/ride-ingest/pkg/infrastructure/sentry"
	"github.com/fitglue/ride-ingest/pkg/types"
)

var (
	ErrQueueFull  = errors.New("ingest queue full")
	ErrPoolClosed = errors.New("ingest worker pool closed")
)

// ProcessFunc handles one dispatched event.
type ProcessFunc func(ctx context.Context, msg types.IngestEventMessage) error

// WorkerPool runs dispatched events on a fixed set of goroutines. Dispatch
// never blocks: a full queue is reported as ErrQueueFull and the event stays
// unprocessed in storage.
type WorkerPool struct {
	queue   chan types.IngestEventMessage
	process ProcessFunc
	timeout time.Duration
	logger  *slog.Logger

	mu     sync.RWMutex
	closed bool
	wg     sync.WaitGroup
}

var _ shared.Dispatcher = (*WorkerPool)(nil)

// NewWorkerPool starts workers goroutines. Each job runs with its own context
// bounded by timeout, detached from the request that dispatched it.
func NewWorkerPool(workers, queueSize int, timeout time.Duration, process ProcessFunc, logger *slog.Logger) *WorkerPool {
	if workers < 1 {
		workers = 1
	}
	if queueSize < 1 {
		queueSize = workers
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &WorkerPool{
		queue:   make(chan types.IngestEventMessage, queueSize),
		process: process,
		timeout: timeout,
		logger:  logger.With("component", "worker-pool"),
	}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.work(i)
	}
	return p
}

func (p *WorkerPool) Dispatch(ctx context.Context, msg types.IngestEventMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- msg:
		return nil
	default:
		return fmt.Errorf("%w (capacity %d)", ErrQueueFull, cap(p.queue))
	}
}

// Submit queues msg, waiting for room while the queue is full. It is for
// backlog replays that must not drop events; request paths use Dispatch.
func (p *WorkerPool) Submit(ctx context.Context, msg types.IngestEventMessage) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return ErrPoolClosed
	}
	select {
	case p.queue <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close stops accepting events and waits for queued ones to finish.
func (p *WorkerPool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.queue)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *WorkerPool) work(id int) {
	defer p.wg.Done()
	for msg := range p.queue {
		p.run(id, msg)
	}
}

func (p *WorkerPool) run(worker int, msg types.IngestEventMessage) {
	ctx := context.Background()
	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing event %s: %v", msg.EventID, r)
			p.logger.Error("Worker recovered from panic", "worker", worker, "event_id", msg.EventID, "panic", r)
			sentry.CaptureException(err, map[string]string{"event_id": msg.EventID}, p.logger)
		}
	}()

	if err := p.process(ctx, msg); err != nil {
		p.logger.Error("Event processing failed", "worker", worker, "event_id", msg.EventID, "error", err)
	}
}

// SyncDispatcher processes the event before Dispatch returns. It is meant for
// tests and one-shot tools, never for request handlers.
type SyncDispatcher struct {
	Process ProcessFunc
}

func (d *SyncDispatcher) Dispatch(ctx context.Context, msg types.IngestEventMessage) error {
	return d.Process(ctx, msg)
}
