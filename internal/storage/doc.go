// Package storage holds a region's entries. Each key maps to an Entry that
// carries the current value, its version tag, and its state. Entries are
// locked one key at a time; a removed entry stays in the table as a
// placeholder until its lock holder detaches it.
package storage
