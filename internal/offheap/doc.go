// Package offheap simulates values stored outside normal heap management.
// Each value is a reference-counted chunk; every retained reference carries
// an explicit ownership token that must be presented to release it.
package offheap
