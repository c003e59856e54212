// Package ring maps partitioned-region buckets onto members with a
// consistent hashing ring of virtual nodes. Keys hash to a fixed bucket;
// each bucket hashes onto the ring, and the members found walking forward
// from that point own it, primary first.
package ring
