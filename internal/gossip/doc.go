// Package gossip tracks cluster membership. Membership is a simplified
// SWIM protocol: members probe each other, spread what they know with
// incarnation numbers, and advertise whether they are critically low on
// memory. ZKMembership offers the same view backed by ZooKeeper
// ephemeral nodes.
//
// Suspect and dead members are excluded from routing; there is no data
// rebalancing when membership changes.
package gossip
