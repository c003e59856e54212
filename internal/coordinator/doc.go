// Package coordinator distributes put-all batches to the members owning
// their keys. Each bucket's rows first visit one owner that mints their
// versions, then travel with those versions to the remaining owners.
// Failures are classified per key into the batch Result.
package coordinator
