// Package quorum fans a request out to a set of members in parallel,
// bounds each call with its own timeout, and reports which members
// answered.
package quorum
