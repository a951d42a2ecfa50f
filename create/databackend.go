package create

import (
	"log"
	"os"
	"sync"
	"sync/atomic"

	"github.com/distr1/ptar/collective"
	"github.com/distr1/ptar/fdcache"
	"github.com/distr1/ptar/layout"
	"github.com/distr1/ptar/workqueue"
)

// shared is the state every rank's goroutine holds a pointer to, created
// once by Create and handed to every createRank call: the group-wide
// work queue and the progress counters.
type shared struct {
	queue     *workqueue.Queue
	processed int64 // atomic: chunks drained so far, across every rank
	bytesDone int64 // atomic: bytes copied so far, across every rank
}

// runWorkStealing is the work-stealing data phase: this rank enqueues its
// own chunks into the group-wide queue while concurrently draining
// whatever chunks are available, so idle ranks steal work originally
// assigned to slower ranks. The rank that drains the last outstanding
// chunk closes the queue, since no further rank can still be enqueueing
// once the AllReduce-derived total has been reached.
func runWorkStealing(rank int, g *collective.Group, sh *shared, archive *os.File, records []layout.Record, chunkSize int64, logger *log.Logger) error {
	var localItems []workqueue.Item
	for _, rec := range records {
		localItems = append(localItems, chunkItemsForRecord(rec, chunkSize)...)
	}

	total := collective.AllReduce(g, rank, int64(len(localItems)), func(a, b int64) int64 { return a + b })
	if total == 0 {
		return nil
	}

	var wg sync.WaitGroup
	var enqueueErr error
	wg.Add(1)
	go func() {
		defer wg.Done()
		for _, it := range localItems {
			if err := sh.queue.Enqueue(it); err != nil {
				// Never reaches the queue, so it will never be counted by
				// the consumer's processed/total check below; account for
				// it here instead so the rank that would otherwise drain
				// the final real chunk still sees its close condition.
				enqueueErr = err
				if logger != nil {
					logger.Printf("create: %v", err)
				}
				if atomic.AddInt64(&sh.processed, 1) == total {
					sh.queue.Close()
				}
			}
		}
	}()

	cache := fdcache.New()
	defer cache.Close()

	var workErr error
	for {
		it, ok, decodeErr := sh.queue.Dequeue()
		if !ok {
			break
		}
		if decodeErr != nil {
			if workErr == nil {
				workErr = decodeErr
			}
			if logger != nil {
				logger.Printf("create: %v", decodeErr)
			}
		} else if archive != nil {
			if err := processItem(archive, cache, it, chunkSize); err != nil {
				if workErr == nil {
					workErr = err
				}
				if logger != nil {
					logger.Printf("create: %v", err)
				}
			} else {
				atomic.AddInt64(&sh.bytesDone, chunkLength(it, chunkSize))
			}
		}
		if atomic.AddInt64(&sh.processed, 1) == total {
			sh.queue.Close()
		}
	}
	wg.Wait()
	if workErr == nil {
		workErr = enqueueErr
	}
	return workErr
}

// runStaticChunk is the static-chunk data phase: every rank's chunks are
// gathered into one globally ordered array, then each rank processes the
// chunks whose global index is congruent to its rank modulo the group
// size, a deterministic assignment that needs no runtime stealing.
func runStaticChunk(rank int, g *collective.Group, archive *os.File, records []layout.Record, chunkSize int64, logger *log.Logger) error {
	var localItems []workqueue.Item
	for _, rec := range records {
		localItems = append(localItems, chunkItemsForRecord(rec, chunkSize)...)
	}

	gathered := collective.AllGather(g, rank, localItems)
	var all []workqueue.Item
	for _, part := range gathered {
		all = append(all, part...)
	}

	cache := fdcache.New()
	defer cache.Close()

	var workErr error
	R := g.Size()
	for idx := rank; idx < len(all); idx += R {
		if archive == nil {
			continue
		}
		if err := processItem(archive, cache, all[idx], chunkSize); err != nil {
			if workErr == nil {
				workErr = err
			}
			if logger != nil {
				logger.Printf("create: %v", err)
			}
		}
	}
	return workErr
}
