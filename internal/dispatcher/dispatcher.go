// Package dispatcher turns change notifications into orchestrator runs. It
// holds no durable state: delivery is at-least-once and safety comes from
// the orchestrator's lease acquisition, so the dispatcher only needs to
// bound concurrency and avoid running the same request twice in-process.
package dispatcher

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"lethe/internal/domain"
	"lethe/internal/request"
	"lethe/internal/stream"
)

// Processor is the orchestrator entry point the dispatcher invokes.
type Processor interface {
	Process(ctx context.Context, requestID string) error
}

// Dispatcher consumes the change stream and sweeps for stranded requests.
type Dispatcher struct {
	consumer stream.Consumer
	store    request.Store
	proc     Processor
	logger   *slog.Logger

	poolSize      int
	sweepInterval time.Duration

	sem      chan struct{}
	mu       sync.Mutex
	inFlight map[string]struct{}
	wg       sync.WaitGroup
	now      func() time.Time
}

// New wires a dispatcher with a worker pool of poolSize.
func New(consumer stream.Consumer, store request.Store, proc Processor, logger *slog.Logger, poolSize int, sweepInterval time.Duration) *Dispatcher {
	if poolSize <= 0 {
		poolSize = 1
	}
	return &Dispatcher{
		consumer:      consumer,
		store:         store,
		proc:          proc,
		logger:        logger.With("component", "dispatcher"),
		poolSize:      poolSize,
		sweepInterval: sweepInterval,
		sem:           make(chan struct{}, poolSize),
		inFlight:      make(map[string]struct{}),
		now:           time.Now,
	}
}

// Run consumes notifications until ctx is cancelled, then waits for in-flight
// workers to finish. The recovery sweep runs alongside consumption so
// requests whose notification was lost, or whose worker died, are picked up
// once their lease expires.
func (d *Dispatcher) Run(ctx context.Context) error {
	if d.sweepInterval > 0 {
		d.wg.Add(1)
		go func() {
			defer d.wg.Done()
			d.sweepLoop(ctx)
		}()
	}

	err := d.consumer.Consume(ctx, d.handle)
	d.wg.Wait()
	return err
}

// handle filters for actionable notifications: only APPROVED starts a run.
// Orchestrator-written transitions also land on the stream but carry no work.
func (d *Dispatcher) handle(ctx context.Context, n stream.Notification) {
	if n.NewStatus != domain.StatusApproved {
		return
	}
	d.dispatch(ctx, n.RequestID)
}

// dispatch runs one request on the pool, at most once concurrently per id in
// this process. A duplicate delivery while the id is in flight is dropped;
// if the run it raced with fails, the recovery sweep retries later.
func (d *Dispatcher) dispatch(ctx context.Context, requestID string) {
	d.mu.Lock()
	if _, busy := d.inFlight[requestID]; busy {
		d.mu.Unlock()
		return
	}
	d.inFlight[requestID] = struct{}{}
	d.mu.Unlock()

	select {
	case d.sem <- struct{}{}:
	case <-ctx.Done():
		d.clear(requestID)
		return
	}

	d.wg.Add(1)
	go func() {
		defer func() {
			<-d.sem
			d.clear(requestID)
			d.wg.Done()
		}()
		if err := d.proc.Process(ctx, requestID); err != nil {
			d.logger.Error("request processing ended with error", "request_id", requestID, "error", err)
		}
	}()
}

func (d *Dispatcher) clear(requestID string) {
	d.mu.Lock()
	delete(d.inFlight, requestID)
	d.mu.Unlock()
}

// sweepLoop periodically re-dispatches non-terminal requests with expired or
// absent leases. This is the recovery path for crashed workers and lost
// notifications.
func (d *Dispatcher) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(d.sweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.sweep(ctx)
		}
	}
}

func (d *Dispatcher) sweep(ctx context.Context) {
	stale, err := d.store.ListStale(ctx, d.now())
	if err != nil {
		d.logger.Error("recovery sweep failed", "error", err)
		return
	}
	for _, req := range stale {
		d.logger.Info("recovering stranded request", "request_id", req.ID, "status", req.Status)
		d.dispatch(ctx, req.ID.String())
	}
}
