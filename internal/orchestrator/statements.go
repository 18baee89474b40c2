package orchestrator

import (
	"fmt"

	"lethe/internal/domain"
)

// Statement builders for the lake and warehouse. Subject hashes are validated
// hex digests and partition keys come from the catalog's own rows, so values
// are inlined the way the downstream engines expect.

func partitionPredicate(p domain.PartitionRef) string {
	return fmt.Sprintf("year = '%s' AND month = '%s' AND day = '%s'", p.Year, p.Month, p.Day)
}

func countPartitionSQL(database, table string, p domain.PartitionRef) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %q.%q WHERE %s`, database, table, partitionPredicate(p))
}

func countMatchingSQL(database, table string, p domain.PartitionRef, subjectHash string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %q.%q WHERE %s AND subject_hash = '%s'`,
		database, table, partitionPredicate(p), subjectHash)
}

func countTableSQL(database, table string) string {
	return fmt.Sprintf(`SELECT COUNT(*) FROM %q.%q`, database, table)
}

// rewriteSQL materializes the replacement partition: every row except the
// subject's, same layout and compression as the source.
func rewriteSQL(database, table, staging string, p domain.PartitionRef, subjectHash string) string {
	return fmt.Sprintf(
		`CREATE TABLE %q.%q WITH (format = 'PARQUET', parquet_compression = 'SNAPPY') AS `+
			`SELECT * FROM %q.%q WHERE %s AND subject_hash != '%s'`,
		database, staging, database, table, partitionPredicate(p), subjectHash,
	)
}

// swapSQL atomically exchanges the live partition with the staging table.
// After it runs the staging table holds the old partition's objects, which is
// what makes swap-then-delete crash-safe: at every instant readers see either
// the old or the new partition, fully intact.
func swapSQL(database, table, staging string, p domain.PartitionRef) string {
	return fmt.Sprintf(
		`ALTER TABLE %q.%q EXCHANGE PARTITION (%s) WITH TABLE %q.%q`,
		database, table, partitionPredicate(p), database, staging,
	)
}

func dropTableSQL(database, staging string) string {
	return fmt.Sprintf(`DROP TABLE IF EXISTS %q.%q`, database, staging)
}

func purgeSQL(warehouseTable, subjectHash string) string {
	return fmt.Sprintf(`DELETE FROM %s WHERE subject_hash = '%s'`, warehouseTable, subjectHash)
}
