package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"lethe/internal/domain"
	"lethe/internal/executor"
	"lethe/pkg/platform/retry"
)

// locate enumerates candidate partitions. An empty result is not an error:
// it means the subject has no lake-side data and REWRITING is skipped.
func (o *Orchestrator) locate(ctx context.Context, r *run) ([]domain.PartitionRef, error) {
	start := o.now()
	var partitions []domain.PartitionRef
	err := o.cfg.Policies.Locate.Do(ctx, &r.retries, func(ctx context.Context) error {
		var lerr error
		partitions, lerr = o.catalog.ListPartitions(ctx, r.req.SubjectHash)
		return lerr
	})
	o.recordStep(r, domain.StepLocate, o.now().Sub(start))
	if err != nil {
		return nil, fmt.Errorf("locate partitions: %w", err)
	}
	r.partitionsAffected = len(partitions)
	o.logger.Info("partitions located", "request_id", r.req.ID, "count", len(partitions))
	return partitions, nil
}

// rewriteAll processes partitions with bounded parallelism. A failing
// partition does not abort its siblings; the step fails only after every
// partition has either succeeded or exhausted its retry budget, and any
// conservation violation outranks transient failures in the reported cause.
func (o *Orchestrator) rewriteAll(ctx context.Context, r *run, partitions []domain.PartitionRef) error {
	start := o.now()
	defer func() { o.recordStep(r, domain.StepRewrite, o.now().Sub(start)) }()

	var (
		g       errgroup.Group
		mu      sync.Mutex
		failures []error
	)
	g.SetLimit(o.cfg.RewriteConcurrency)

	for _, p := range partitions {
		g.Go(func() error {
			attempts := 0
			err := o.cfg.Policies.Rewrite.Do(ctx, &attempts, func(ctx context.Context) error {
				return o.rewritePartition(ctx, r, p)
			})
			mu.Lock()
			r.retries += attempts
			if err != nil {
				failures = append(failures, fmt.Errorf("partition %s: %w", p.Key(), err))
			}
			mu.Unlock()
			return nil
		})
	}
	// Goroutines report through failures, never through the group, so one
	// partition's error cannot cancel the others.
	_ = g.Wait()

	if len(failures) == 0 {
		return nil
	}
	for _, err := range failures {
		if domain.IsConservationError(err) {
			return err
		}
	}
	return errors.Join(failures...)
}

// rewritePartition is one partition's two-phase rewrite. It is idempotent:
// if the subject's rows are already gone (a prior holder swapped before
// dying), the current state passes the matching-count check and the
// partition is treated as done without rewriting again.
func (o *Orchestrator) rewritePartition(ctx context.Context, r *run, p domain.PartitionRef) error {
	db, table, hash := o.cfg.LakeDatabase, o.cfg.LakeTable, r.req.SubjectHash

	before, err := executor.Count(ctx, o.lake, countPartitionSQL(db, table, p))
	if err != nil {
		return retry.Transient(fmt.Errorf("count partition rows: %w", err))
	}
	matching, err := executor.Count(ctx, o.lake, countMatchingSQL(db, table, p, hash))
	if err != nil {
		return retry.Transient(fmt.Errorf("count matching rows: %w", err))
	}
	if matching == 0 {
		o.logger.Info("partition already clean", "request_id", r.req.ID, "partition", p.Key())
		return nil
	}

	staging := fmt.Sprintf("rewrite_%s_%s_%s_%d", p.Year, p.Month, p.Day, o.now().UnixMilli())

	if err := o.runStatement(ctx, o.lake, rewriteSQL(db, table, staging, p, hash)); err != nil {
		return fmt.Errorf("materialize replacement: %w", err)
	}

	after, err := executor.Count(ctx, o.lake, countTableSQL(db, staging))
	if err != nil {
		return retry.Transient(fmt.Errorf("count replacement rows: %w", err))
	}
	if before-matching != after {
		// Possible unrelated data loss. Fatal: never swap, never retry.
		return &domain.ConservationError{
			Partition: p.Key(),
			Before:    before,
			Matching:  matching,
			After:     after,
		}
	}

	if err := o.runStatement(ctx, o.lake, swapSQL(db, table, staging, p)); err != nil {
		return fmt.Errorf("swap partition: %w", err)
	}

	// The swap moved the old partition's objects into the staging table;
	// dropping it is the deferred deletion. A failed drop leaves orphaned
	// objects, not inconsistent data, so it only warns.
	if err := o.runStatement(ctx, o.lake, dropTableSQL(db, staging)); err != nil {
		o.logger.Warn("failed to drop old partition data", "request_id", r.req.ID, "staging", staging, "error", err)
	}

	if o.metrics != nil {
		o.metrics.PartitionsRewritten.Inc()
	}
	o.logger.Info("partition rewritten", "request_id", r.req.ID, "partition", p.Key(),
		"rows_before", before, "rows_removed", matching)
	return nil
}

// purge deletes the subject's warehouse rows in one atomic statement.
func (o *Orchestrator) purge(ctx context.Context, r *run) error {
	start := o.now()
	defer func() { o.recordStep(r, domain.StepPurge, o.now().Sub(start)) }()

	err := o.cfg.Policies.Purge.Do(ctx, &r.retries, func(ctx context.Context) error {
		purgeCtx := ctx
		if o.cfg.PurgeTimeout > 0 {
			var cancel context.CancelFunc
			purgeCtx, cancel = context.WithTimeout(ctx, o.cfg.PurgeTimeout)
			defer cancel()
		}
		executionID, err := o.warehouse.Submit(purgeCtx, purgeSQL(o.cfg.WarehouseTable, r.req.SubjectHash))
		if err != nil {
			return retry.Transient(fmt.Errorf("submit warehouse delete: %w", err))
		}
		res, err := executor.Await(purgeCtx, o.warehouse, executionID, o.pollInterval())
		if err != nil {
			return err
		}
		r.rowsDeleted = res.RowCount
		return nil
	})
	if err != nil {
		return fmt.Errorf("purge warehouse: %w", err)
	}
	o.logger.Info("warehouse purged", "request_id", r.req.ID, "rows_deleted", r.rowsDeleted)
	return nil
}

// runStatement submits and awaits one lake statement.
func (o *Orchestrator) runStatement(ctx context.Context, ex executor.Executor, sqlText string) error {
	executionID, err := ex.Submit(ctx, sqlText)
	if err != nil {
		return retry.Transient(fmt.Errorf("submit statement: %w", err))
	}
	_, err = executor.Await(ctx, ex, executionID, o.pollInterval())
	return err
}

func (o *Orchestrator) pollInterval() time.Duration {
	if o.cfg.PollInterval > 0 {
		return o.cfg.PollInterval
	}
	return 2 * time.Second
}

func (o *Orchestrator) recordStep(r *run, step domain.Step, d time.Duration) {
	if r.timings == nil {
		r.timings = make(map[domain.Step]time.Duration)
	}
	r.timings[step] = d
	if o.metrics != nil {
		o.metrics.ObserveStep(string(step), d)
	}
}
