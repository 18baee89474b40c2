// Package catalog resolves which lake partitions may hold a subject's rows.
package catalog

import (
	"context"
	"fmt"

	"lethe/internal/domain"
	"lethe/internal/executor"
	"lethe/pkg/platform/retry"
)

// Catalog enumerates candidate partitions for a subject. The scan is
// deliberately date-unbounded: out-of-order arrivals mean any partition may
// hold the subject's rows regardless of request age.
type Catalog interface {
	ListPartitions(ctx context.Context, subjectHash string) ([]domain.PartitionRef, error)
}

// SQLCatalog discovers partitions by querying the lake table itself through
// the query executor, the same interface the rewrite step uses.
type SQLCatalog struct {
	ex       executor.Executor
	database string
	table    string
}

// NewSQL constructs a catalog over the lake's SQL interface.
func NewSQL(ex executor.Executor, database, table string) *SQLCatalog {
	return &SQLCatalog{ex: ex, database: database, table: table}
}

func (c *SQLCatalog) ListPartitions(ctx context.Context, subjectHash string) ([]domain.PartitionRef, error) {
	// subjectHash is validated as a hex digest before a request is ever
	// persisted, so inlining it is safe.
	query := fmt.Sprintf(
		`SELECT DISTINCT year, month, day FROM %q.%q WHERE subject_hash = '%s' ORDER BY year, month, day`,
		c.database, c.table, subjectHash,
	)
	rows, err := c.ex.Query(ctx, query)
	if err != nil {
		// Catalog lookups ride the executor's network path; let the caller's
		// retry policy decide how many attempts the step gets.
		return nil, retry.Transient(fmt.Errorf("list partitions: %w", err))
	}

	partitions := make([]domain.PartitionRef, 0, len(rows))
	for _, row := range rows {
		if len(row) < 3 {
			return nil, fmt.Errorf("malformed catalog entry %v: expected year, month, day", row)
		}
		ref := domain.PartitionRef{Year: row[0], Month: row[1], Day: row[2]}
		if !ref.Valid() {
			return nil, fmt.Errorf("malformed catalog entry %v: empty key component", row)
		}
		partitions = append(partitions, ref)
	}
	return partitions, nil
}
