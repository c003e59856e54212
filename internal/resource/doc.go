// Package resource watches memory usage and reports when a member is in a
// critical state. A critical member refuses writes that add data.
package resource
