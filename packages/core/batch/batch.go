package batch

import "fmt"

// InvalidWorkerCountError is returned when fewer than one worker is requested
type InvalidWorkerCountError struct {
	Workers int
}

func (e *InvalidWorkerCountError) Error() string {
	return fmt.Sprintf("invalid worker count %d: must be at least 1", e.Workers)
}

// Assign distributes units across workers round-robin: the unit at position
// i lands in batch i%workers. Exactly workers batches are returned, trailing
// batches are empty when there are fewer units than workers.
//
// Round-robin spreads neighbouring units, which tend to cost about the same,
// over different workers instead of handing one worker a contiguous block.
func Assign[T any](units []T, workers int) ([][]T, error) {
	if workers < 1 {
		return nil, &InvalidWorkerCountError{Workers: workers}
	}

	batches := make([][]T, workers)
	for i := range batches {
		batches[i] = make([]T, 0, (len(units)+workers-1)/workers)
	}

	for i, unit := range units {
		w := i % workers
		batches[w] = append(batches[w], unit)
	}

	return batches, nil
}

// WorkerOf returns the batch index that Assign places position i into
func WorkerOf(i, workers int) int {
	return i % workers
}
