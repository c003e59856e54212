// Package kverrors declares the error taxonomy shared by the replication
// core. Callers match with errors.Is; per-key failures wrap these sentinels.
package kverrors
