// Package discover finds runnable units (test files) under a directory tree.
//
// Units are matched by base name against a glob pattern supporting * and ?.
// The walk order is lexicographic at every directory level, which makes the
// returned list reproducible across machines. Shard boundaries depend on it.
package discover
