package pipeline

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/fleetsense/fleetsense/pkg/log"
	"github.com/fleetsense/fleetsense/pkg/metrics"
	"github.com/fleetsense/fleetsense/pkg/types"
)

// Queue is a bounded FIFO of signal samples. Producers never block: Push
// returns false and increments the drop counter when the queue is full.
type Queue struct {
	mu      sync.Mutex
	data    []*types.SignalSample
	cap     int
	dropped atomic.Uint64

	// notifyCh wakes a consumer blocked in Wait. Capacity 1 so repeated
	// pushes collapse into a single wakeup.
	notifyCh chan struct{}
}

// NewQueue creates a queue holding at most capacity samples.
func NewQueue(capacity int) *Queue {
	return &Queue{
		data:     make([]*types.SignalSample, 0, capacity),
		cap:      capacity,
		notifyCh: make(chan struct{}, 1),
	}
}

// Push appends a sample. Returns false if the queue is full.
func (q *Queue) Push(s *types.SignalSample) bool {
	q.mu.Lock()
	if len(q.data) >= q.cap {
		q.mu.Unlock()
		q.dropped.Add(1)
		metrics.SamplesDropped.WithLabelValues(s.SourceID).Inc()
		return false
	}
	q.data = append(q.data, s)
	q.mu.Unlock()

	select {
	case q.notifyCh <- struct{}{}:
	default:
	}
	return true
}

// PopBatch removes and returns up to max samples in arrival order. Returns
// nil when the queue is empty.
func (q *Queue) PopBatch(max int) []*types.SignalSample {
	q.mu.Lock()
	defer q.mu.Unlock()
	if len(q.data) == 0 {
		return nil
	}
	if max <= 0 || max > len(q.data) {
		max = len(q.data)
	}
	out := make([]*types.SignalSample, max)
	copy(out, q.data[:max])
	q.data = append(q.data[:0], q.data[max:]...)
	return out
}

// Wait blocks until a sample is available, the timeout elapses or stopCh
// closes. It can wake spuriously; callers should loop around PopBatch.
func (q *Queue) Wait(timeout time.Duration, stopCh <-chan struct{}) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-q.notifyCh:
	case <-timer.C:
	case <-stopCh:
	}
}

// Len returns the number of queued samples.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.data)
}

// Dropped returns the number of samples rejected on a full queue.
func (q *Queue) Dropped() uint64 {
	return q.dropped.Load()
}

// Distributor fans samples from the ingest queue out to registered
// consumer queues. Consumers may be attached or detached at any time;
// samples in flight during a detach may be dropped.
type Distributor struct {
	in *Queue

	mu        sync.RWMutex
	consumers map[string]*Queue

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewDistributor creates a distributor reading from in.
func NewDistributor(in *Queue) *Distributor {
	return &Distributor{
		in:        in,
		consumers: make(map[string]*Queue),
		stopCh:    make(chan struct{}),
	}
}

// Register attaches a named consumer queue.
func (d *Distributor) Register(name string, q *Queue) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.consumers[name] = q
}

// Unregister detaches a consumer queue.
func (d *Distributor) Unregister(name string) {
	d.mu.Lock()
	defer d.mu.Unlock()
	delete(d.consumers, name)
}

// Start begins the distribution loop.
func (d *Distributor) Start() {
	d.wg.Add(1)
	go d.run()
}

// Stop stops the distributor and returns once its goroutine has exited.
func (d *Distributor) Stop() {
	close(d.stopCh)
	d.wg.Wait()
}

func (d *Distributor) run() {
	defer d.wg.Done()
	logger := log.WithComponent("pipeline")

	for {
		select {
		case <-d.stopCh:
			return
		default:
		}

		batch := d.in.PopBatch(0)
		if batch == nil {
			d.in.Wait(100*time.Millisecond, d.stopCh)
			continue
		}

		d.mu.RLock()
		for _, sample := range batch {
			for name, q := range d.consumers {
				if !q.Push(sample) {
					logger.Debug().Str("consumer", name).Uint32("signal_id", uint32(sample.SignalID)).Msg("consumer queue full, sample dropped")
				}
			}
		}
		d.mu.RUnlock()
	}
}

// Ingest pushes a sample into the distributor's input queue on behalf of a
// producer and records metrics.
func (d *Distributor) Ingest(s *types.SignalSample) bool {
	if d.in.Push(s) {
		metrics.SamplesIngested.WithLabelValues(s.SourceID).Inc()
		return true
	}
	return false
}
