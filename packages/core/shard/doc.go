// Package shard splits an ordered unit list into disjoint contiguous shards
// so independent CI hosts can each run a fixed fraction of the work.
package shard
