// Package replication decides which members receive each entry of a
// region write: every hosting member for a replicated region, the owners
// of the key's bucket for a partitioned one.
package replication
