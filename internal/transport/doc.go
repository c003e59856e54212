// Package transport carries replication traffic between members. The gRPC
// service regionkv.Replication exchanges hand-encoded binary messages
// through a forced codec, optionally zstd-compressed. InProcess delivers
// the same encoded messages between members of one process.
package transport
