package reorg

import (
	"runtime"
	"sync"
)

type workerPool struct {
	workers int
	wg      sync.WaitGroup
}

// newWorkerPool sizes the pool to workers, or to three quarters of the
// available CPUs when workers is zero or negative.
func newWorkerPool(workers int) *workerPool {
	if workers <= 0 {
		workers = (runtime.NumCPU() * 3) / 4
	}
	if workers < 1 {
		workers = 1
	}
	return &workerPool{workers: workers}
}

// divide splits [0, total) into at most p.workers contiguous blocks. Empty
// blocks are dropped so that every goroutine has work to do.
func (p *workerPool) divide(total int) [][2]int {
	chunks := make([][2]int, 0, p.workers)
	chunkSize := total / p.workers
	remainder := total % p.workers

	start := 0
	for i := 0; i < p.workers; i++ {
		size := chunkSize
		if i < remainder {
			size++
		}
		if size == 0 {
			continue
		}
		chunks = append(chunks, [2]int{start, start + size})
		start += size
	}
	return chunks
}

// run calls fn once per block of [0, total) on its own goroutine and waits.
func (p *workerPool) run(total int, fn func(start, end int)) {
	chunks := p.divide(total)
	if len(chunks) == 1 {
		fn(chunks[0][0], chunks[0][1])
		return
	}
	p.wg.Add(len(chunks))
	for _, chunk := range chunks {
		go func(start, end int) {
			defer p.wg.Done()
			fn(start, end)
		}(chunk[0], chunk[1])
	}
	p.wg.Wait()
}
