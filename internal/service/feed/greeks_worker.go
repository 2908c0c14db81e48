package feed

import (
	"sync"

	"github.com/krobus00/option-feed-service/internal/entity"
	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
)

const (
	defaultGreeksWorkers   = 2
	defaultGreeksQueueSize = 1024
)

type GreeksJob struct {
	InstrumentKey entity.InstrumentKey
	Input         GreeksInput
	Done          func(key entity.InstrumentKey, greeks entity.Greeks, err error)
}

// GreeksWorkerPool computes greeks off the ingestion path.
type GreeksWorkerPool struct {
	jobs chan GreeksJob
	wg   conc.WaitGroup

	closeOnce sync.Once
	mu        sync.RWMutex
	closed    bool
}

func NewGreeksWorkerPool(workers, queueSize int) *GreeksWorkerPool {
	if workers <= 0 {
		workers = defaultGreeksWorkers
	}
	if queueSize <= 0 {
		queueSize = defaultGreeksQueueSize
	}

	p := &GreeksWorkerPool{jobs: make(chan GreeksJob, queueSize)}
	for i := 0; i < workers; i++ {
		p.wg.Go(p.work)
	}

	return p
}

func (p *GreeksWorkerPool) work() {
	for job := range p.jobs {
		greeks, err := ComputeGreeks(job.Input)
		if err != nil {
			logrus.WithFields(logrus.Fields{
				"instrument_key": job.InstrumentKey,
				"spot":           job.Input.Spot,
				"strike":         job.Input.Strike,
				"price":          job.Input.OptionPrice,
			}).Debugf("greeks computation failed: %v", err)
		}

		if job.Done != nil {
			job.Done(job.InstrumentKey, greeks, err)
		}
	}
}

// Submit enqueues job without blocking. It returns false when the queue is
// full or the pool is stopped.
func (p *GreeksWorkerPool) Submit(job GreeksJob) bool {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return false
	}

	select {
	case p.jobs <- job:
		return true
	default:
		return false
	}
}

// Stop drains queued jobs and waits for the workers to exit.
func (p *GreeksWorkerPool) Stop() {
	p.closeOnce.Do(func() {
		p.mu.Lock()
		p.closed = true
		close(p.jobs)
		p.mu.Unlock()
	})

	p.wg.Wait()
}
