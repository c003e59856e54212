// Package repair decides whether an incoming version may be applied over
// the locally held one, and recovers from delta version gaps by fetching
// the authoritative full value from a peer.
package repair
