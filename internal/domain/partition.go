package domain

import "fmt"

// PartitionRef identifies one date-bounded slice of the curated lake. Refs
// are recomputed by the catalog on every run and never persisted, so catalog
// drift between runs cannot leave the engine acting on stale paths.
type PartitionRef struct {
	Year  string
	Month string
	Day   string
}

// Key renders the partition in its canonical path form, e.g.
// "year=2025/month=01/day=15". Used for object prefixes, rewrite predicates,
// and audit detail.
func (p PartitionRef) Key() string {
	return fmt.Sprintf("year=%s/month=%s/day=%s", p.Year, p.Month, p.Day)
}

// Valid reports whether all key components are present. The catalog treats
// a partial row as a malformed catalog entry, which is fatal.
func (p PartitionRef) Valid() bool {
	return p.Year != "" && p.Month != "" && p.Day != ""
}
