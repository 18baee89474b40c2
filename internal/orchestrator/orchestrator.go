// Package orchestrator drives an approved erasure request to a terminal
// state: locate affected lake partitions, rewrite each without the subject's
// rows, purge the warehouse, and record every transition in the audit trail.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"lethe/internal/audit"
	"lethe/internal/catalog"
	"lethe/internal/domain"
	"lethe/internal/executor"
	"lethe/internal/lease"
	"lethe/internal/platform/metrics"
	"lethe/internal/request"
	"lethe/pkg/platform/retry"
	"lethe/pkg/platform/sentinel"
)

// Policies carries the per-step retry budgets. Injected rather than built
// internally so retry behavior is a testable parameter.
type Policies struct {
	Locate  retry.Policy
	Rewrite retry.Policy
	Purge   retry.Policy
}

// DefaultPolicies applies the default schedule to every step.
func DefaultPolicies() Policies {
	p := retry.DefaultPolicy()
	return Policies{Locate: p, Rewrite: p, Purge: p}
}

// Config parameterizes one orchestrator instance.
type Config struct {
	WorkerID           string
	LeaseTTL           time.Duration
	SLABudget          time.Duration
	RewriteConcurrency int
	PollInterval       time.Duration
	PurgeTimeout       time.Duration
	LakeDatabase       string
	LakeTable          string
	WarehouseTable     string
	Policies           Policies
}

// Orchestrator executes the erasure state machine. One instance serves many
// requests; all per-request state lives in the run.
type Orchestrator struct {
	store     request.Store
	leases    lease.Manager
	auditor   *audit.Publisher
	catalog   catalog.Catalog
	lake      executor.Executor
	warehouse executor.Executor
	metrics   *metrics.Metrics
	logger    *slog.Logger
	cfg       Config
	now       func() time.Time
}

// New wires an orchestrator. metrics may be nil.
func New(
	store request.Store,
	leases lease.Manager,
	auditor *audit.Publisher,
	cat catalog.Catalog,
	lake executor.Executor,
	warehouse executor.Executor,
	m *metrics.Metrics,
	logger *slog.Logger,
	cfg Config,
) (*Orchestrator, error) {
	if store == nil || leases == nil || auditor == nil || cat == nil || lake == nil || warehouse == nil {
		return nil, fmt.Errorf("orchestrator requires store, lease manager, auditor, catalog, and executors")
	}
	if cfg.RewriteConcurrency <= 0 {
		cfg.RewriteConcurrency = 1
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 30 * time.Second
	}
	return &Orchestrator{
		store:     store,
		leases:    leases,
		auditor:   auditor,
		catalog:   cat,
		lake:      lake,
		warehouse: warehouse,
		metrics:   m,
		logger:    logger.With("component", "orchestrator"),
		cfg:       cfg,
		now:       time.Now,
	}, nil
}

// SetClock overrides the time source for tests.
func (o *Orchestrator) SetClock(now func() time.Time) { o.now = now }

// run is the per-request mutable state, threaded explicitly through every
// step together with the lease.
type run struct {
	req     *domain.ErasureRequest
	lease   lease.Lease
	current domain.Status

	timings  map[domain.Step]time.Duration
	retries  int
	breached bool

	partitionsAffected int
	rowsDeleted        int64
}

// subjectLeaseID scopes a lease to the subject rather than the request, so
// two distinct requests for one subject never run concurrently.
func subjectLeaseID(subjectHash string) string {
	return "subject:" + subjectHash
}

// Process drives one request to a terminal state. Entry acquires the
// distributed request lease first, so a duplicate delivery that loses the
// acquire is a safe no-op (nil return). A second lease scoped to the subject
// serializes distinct requests for the same subject: concurrent rewrites of
// the same partitions would race the swap and void the conservation check.
func (o *Orchestrator) Process(ctx context.Context, requestID string) error {
	l := lease.Lease{RequestID: requestID, Holder: o.cfg.WorkerID, TTL: o.cfg.LeaseTTL}

	if err := o.leases.Acquire(ctx, l.RequestID, l.Holder, l.TTL); err != nil {
		if errors.Is(err, sentinel.ErrLeaseHeld) {
			o.logger.Debug("request already being processed", "request_id", requestID)
			return nil
		}
		return err
	}
	defer func() {
		if err := o.leases.Release(context.WithoutCancel(ctx), l.RequestID, l.Holder); err != nil {
			o.logger.Debug("lease release skipped", "request_id", requestID, "error", err)
		}
	}()

	id, err := uuid.Parse(requestID)
	if err != nil {
		return fmt.Errorf("parse request id %q: %w", requestID, err)
	}

	req, err := o.store.Get(ctx, id)
	if err != nil {
		return err
	}

	// The holder is per run, not per worker, so one worker processing two
	// requests for the same subject still excludes itself.
	sl := lease.Lease{
		RequestID: subjectLeaseID(req.SubjectHash),
		Holder:    o.cfg.WorkerID + "/" + requestID,
		TTL:       o.cfg.LeaseTTL,
	}
	if err := o.leases.Acquire(ctx, sl.RequestID, sl.Holder, sl.TTL); err != nil {
		if errors.Is(err, sentinel.ErrLeaseHeld) {
			// Another request for this subject is mid-run; the recovery sweep
			// redelivers this one once the subject frees up.
			o.logger.Debug("subject already being processed",
				"request_id", requestID, "subject_hash", req.SubjectHash)
			return nil
		}
		return err
	}
	defer func() {
		if err := o.leases.Release(context.WithoutCancel(ctx), sl.RequestID, sl.Holder); err != nil {
			o.logger.Debug("subject lease release skipped", "request_id", requestID, "error", err)
		}
	}()

	if err := o.claim(ctx, req, l); err != nil {
		if errors.Is(err, sentinel.ErrInvalidState) {
			// Raced with another worker that already finished it, or the
			// notification was stale. Nothing to do.
			return nil
		}
		return err
	}

	// Keep both leases alive for the whole run; a failed renewal cancels the
	// run context so no further shared-state mutation happens here.
	runCtx, cancel := context.WithCancelCause(ctx)
	done := o.renewLoop(runCtx, []lease.Lease{l, sl}, cancel)
	defer func() {
		cancel(nil)
		<-done
	}()

	return o.execute(runCtx, &run{
		req:     req,
		lease:   l,
		current: domain.StatusLocating,
		timings: req.StepTimings,
		retries: req.RetryCount,
	})
}

// claim acquires the store-side record: status moves to LOCATING, and the
// lease holder and expiry are colocated with it for the recovery sweep.
func (o *Orchestrator) claim(ctx context.Context, req *domain.ErasureRequest, l lease.Lease) error {
	now := o.now()
	if err := o.store.ClaimForProcessing(ctx, req.ID, l.Holder, now.Add(l.TTL), now); err != nil {
		return err
	}
	prior := req.Status
	req.Status = domain.StatusLocating
	req.LeaseHolder = l.Holder

	detail := "processing started"
	if prior != domain.StatusApproved {
		detail = fmt.Sprintf("processing resumed after lease takeover from %s", prior)
	}
	return o.auditor.Emit(ctx, domain.AuditEvent{
		RequestID:   req.ID,
		PriorStatus: prior,
		NewStatus:   domain.StatusLocating,
		Actor:       domain.ActorOrchestrator,
		Detail:      detail,
	})
}

// execute walks the steps in order. Every state change goes through
// transition, which is conditional on lease ownership in the store.
func (o *Orchestrator) execute(ctx context.Context, r *run) error {
	start := o.now()

	partitions, err := o.locate(ctx, r)
	if err != nil {
		return o.fail(ctx, r, domain.StepLocate, err)
	}
	o.checkSLA(ctx, r)

	if len(partitions) > 0 {
		if err := o.transition(ctx, r, domain.StatusRewriting, request.StatusUpdate{
			PartitionsAffected: len(partitions),
		}, fmt.Sprintf("%d partitions to rewrite", len(partitions))); err != nil {
			return o.abortOnLeaseLoss(r, err)
		}
		if err := o.rewriteAll(ctx, r, partitions); err != nil {
			return o.fail(ctx, r, domain.StepRewrite, err)
		}
		o.checkSLA(ctx, r)
	}

	if err := o.transition(ctx, r, domain.StatusPurging, request.StatusUpdate{},
		"purging warehouse rows"); err != nil {
		return o.abortOnLeaseLoss(r, err)
	}
	if err := o.purge(ctx, r); err != nil {
		return o.fail(ctx, r, domain.StepPurge, err)
	}
	o.checkSLA(ctx, r)

	completedAt := o.now()
	detail := fmt.Sprintf("erasure complete: %d partitions rewritten, %d warehouse rows deleted",
		r.partitionsAffected, r.rowsDeleted)
	if err := o.transition(ctx, r, domain.StatusCompleted, request.StatusUpdate{
		CompletedAt:          completedAt,
		WarehouseRowsDeleted: r.rowsDeleted,
	}, detail); err != nil {
		return o.abortOnLeaseLoss(r, err)
	}

	if o.metrics != nil {
		o.metrics.RequestsProcessed.Inc()
		if !r.req.ApprovedAt.IsZero() {
			o.metrics.ErasureDuration.Observe(completedAt.Sub(r.req.ApprovedAt).Seconds())
		}
	}
	o.logger.Info("erasure completed",
		"request_id", r.req.ID,
		"duration", completedAt.Sub(start),
		"partitions", r.partitionsAffected,
		"warehouse_rows", r.rowsDeleted,
		"retries", r.retries,
	)
	return nil
}

// transition advances the request and records the audit event. The store
// write is conditional on the lease, so a takeover surfaces as ErrLeaseLost
// here rather than as a double mutation.
func (o *Orchestrator) transition(ctx context.Context, r *run, to domain.Status, update request.StatusUpdate, detail string) error {
	update.Status = to
	update.RetryDelta = r.retries - r.req.RetryCount
	if update.RetryDelta < 0 {
		update.RetryDelta = 0
	}
	update.StepTimings = r.timings
	update.SLABreached = update.SLABreached || r.breached
	if !to.Terminal() {
		update.LeaseExpiry = o.now().Add(o.cfg.LeaseTTL)
	}

	if err := o.store.UpdateStatus(ctx, r.req.ID, r.lease.Holder, update); err != nil {
		return err
	}
	prior := r.current
	r.current = to
	r.req.RetryCount = r.retries

	return o.auditor.Emit(ctx, domain.AuditEvent{
		RequestID:   r.req.ID,
		PriorStatus: prior,
		NewStatus:   to,
		Actor:       domain.ActorOrchestrator,
		Detail:      detail,
	})
}

// fail terminates the request at FAILED. Lease loss is the one exception:
// another worker owns the request now, so we stop without mutating anything.
func (o *Orchestrator) fail(ctx context.Context, r *run, step domain.Step, cause error) error {
	if errors.Is(cause, sentinel.ErrLeaseLost) || errors.Is(cause, context.Canceled) {
		return o.abortOnLeaseLoss(r, cause)
	}

	detail := fmt.Sprintf("step %s failed: %v", step, cause)
	if err := o.transition(ctx, r, domain.StatusFailed, request.StatusUpdate{
		LastError:   cause.Error(),
		CompletedAt: o.now(),
	}, detail); err != nil {
		return o.abortOnLeaseLoss(r, err)
	}
	if o.metrics != nil {
		o.metrics.RequestsProcessed.Inc()
		o.metrics.ErasureFailures.Inc()
	}
	o.logger.Error("erasure failed", "request_id", r.req.ID, "step", step, "error", cause)
	return cause
}

func (o *Orchestrator) abortOnLeaseLoss(r *run, cause error) error {
	o.logger.Warn("run aborted, lease no longer held", "request_id", r.req.ID, "error", cause)
	return fmt.Errorf("request %s: %w", r.req.ID, sentinel.ErrLeaseLost)
}

// checkSLA flags the budget overrun once. Processing continues: complete
// erasure takes precedence over punctuality, so the breach is a recorded
// observation, not a fault.
func (o *Orchestrator) checkSLA(ctx context.Context, r *run) {
	if r.breached || o.cfg.SLABudget <= 0 || r.req.ApprovedAt.IsZero() {
		return
	}
	elapsed := o.now().Sub(r.req.ApprovedAt)
	if elapsed <= o.cfg.SLABudget {
		return
	}
	r.breached = true
	if o.metrics != nil {
		o.metrics.SLABreaches.Inc()
	}
	if err := o.auditor.Emit(ctx, domain.AuditEvent{
		RequestID:   r.req.ID,
		PriorStatus: r.current,
		NewStatus:   r.current,
		Actor:       domain.ActorOrchestrator,
		Detail:      fmt.Sprintf("SLA budget %s exceeded after %s; continuing to completion", o.cfg.SLABudget, elapsed.Round(time.Second)),
	}); err != nil {
		o.logger.Error("failed to record SLA breach", "request_id", r.req.ID, "error", err)
	}
	o.logger.Warn("SLA budget exceeded", "request_id", r.req.ID, "elapsed", elapsed)
}

// renewLoop keeps the distributed leases alive. On any lost lease it cancels
// the run context with ErrLeaseLost so every in-flight store call stops. The
// returned channel closes when the loop exits.
func (o *Orchestrator) renewLoop(ctx context.Context, held []lease.Lease, cancel context.CancelCauseFunc) <-chan struct{} {
	interval := o.cfg.LeaseTTL / 3
	if interval <= 0 {
		interval = time.Second
	}
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				for _, l := range held {
					if err := o.leases.Renew(ctx, l.RequestID, l.Holder, l.TTL); err != nil {
						if errors.Is(err, sentinel.ErrLeaseLost) {
							cancel(sentinel.ErrLeaseLost)
							return
						}
						o.logger.Warn("lease renewal failed, will retry", "request_id", l.RequestID, "error", err)
					}
				}
			}
		}
	}()
	return done
}
