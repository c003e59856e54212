// Package clock provides the version metadata used for conflict detection:
// member identities, per-write version tags, and the per-region version
// vector that records which member versions a replica has seen.
package clock
