package util

import (
	"sync/atomic"
	"testing"
)

func TestParallelProcessBoundsWorkers(t *testing.T) {
	items := make([]int, 20)
	for idx := range items {
		items[idx] = idx
	}

	var inFlight int32
	var maxInFlight int32
	results := make([]int, len(items))

	ParallelProcess(
		items,
		3,
		func(idx int, item int) {
			current := atomic.AddInt32(&inFlight, 1)
			for {
				seen := atomic.LoadInt32(&maxInFlight)
				if current <= seen ||
					atomic.CompareAndSwapInt32(&maxInFlight, seen, current) {
					break
				}
			}

			results[idx] = item * item
			atomic.AddInt32(&inFlight, -1)
		})

	if maxInFlight > 3 {
		t.Errorf("expected at most 3 workers, saw %d", maxInFlight)
	}
	for idx, result := range results {
		if result != idx*idx {
			t.Errorf("unexpected result %d at %d", result, idx)
		}
	}

	// Empty lists are a no-op.
	ParallelProcess([]int{}, 0, func(int, int) { t.Errorf("unexpected call") })
}
