package util

import (
	"sync"
)

// ParallelProcess runs process on every item, with at most maxWorkers
// goroutines in flight.  maxWorkers <= 0 means one goroutine per item.
func ParallelProcess[T any](
	list []T,
	maxWorkers int,
	process func(int, T),
) {
	if maxWorkers <= 0 || maxWorkers > len(list) {
		maxWorkers = len(list)
	}

	tokens := make(chan struct{}, maxWorkers)

	wg := sync.WaitGroup{}
	wg.Add(len(list))
	for idx, item := range list {
		tokens <- struct{}{}
		go func(idx int, item T) {
			process(idx, item)
			<-tokens
			wg.Done()
		}(idx, item)
	}
	wg.Wait()
}
