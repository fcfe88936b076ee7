// Package batch partitions units into per-worker batches.
package batch
