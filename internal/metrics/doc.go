// Package metrics holds the Prometheus collectors of a member.
package metrics
