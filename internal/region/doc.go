// Package region hosts one region's data on a member and applies batches
// sent to it. Every entry of a batch is reconciled against the local
// version before it is installed; listeners see applied entries in batch
// order, at most once each.
package region
