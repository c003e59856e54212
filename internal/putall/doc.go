// Package putall implements the multi-key write batch: an ordered arena of
// entry rows with stable positions, its split into per-bucket and
// versioned/versionless sub-batches, and its binary wire format including
// the compact member-ID table of EntryVersionsList.
package putall
