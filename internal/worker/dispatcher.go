package worker

import (
	"container/list"
	"errors"
	"log"
	"os"
	"strings"
	"sync"
)

var workerDebugEnabled = strings.EqualFold(os.Getenv("FINCHATGO_WORKER_DEBUG"), "1")

func debugLog(format string, args ...interface{}) {
	if workerDebugEnabled {
		log.Printf(format, args...)
	}
}

type ownerQueue struct {
	jobs     []Job
	enqueued bool
}

// Dispatcher takes render jobs off one inbound queue and feeds the pool
// one job per owner in LRU order, so owners share workers fairly.
type Dispatcher struct {
	pool *renderPool
	jobs chan Job

	mu        sync.Mutex
	queues    map[string]*ownerQueue
	ready     *list.List // LRU queue of owner ids
	positions map[string]*list.Element
}

func NewDispatcher(renderer Renderer, minWorkers, maxWorkers, queueSize int) *Dispatcher {
	if queueSize < 1 {
		queueSize = 16
	}
	d := &Dispatcher{
		pool:      newRenderPool(minWorkers, maxWorkers, defaultWorkerIdle, renderer),
		jobs:      make(chan Job, queueSize),
		queues:    make(map[string]*ownerQueue),
		ready:     list.New(),
		positions: make(map[string]*list.Element),
	}
	go d.run()
	return d
}

var (
	ErrQueueFull = errors.New("render queue full")
	ErrCancelled = errors.New("render job cancelled")
)

// Submit enqueues one render job without blocking the caller.
func (d *Dispatcher) Submit(job Job) error {
	select {
	case d.jobs <- job:
		return nil
	default:
		return ErrQueueFull
	}
}

// CancelOwner drops an owner's not-yet-dispatched jobs. Every dropped
// job still receives a Result, so a caller blocked on its channel gets
// ErrCancelled instead of hanging. In-flight renders are bounded by
// their own context and finish on their own.
func (d *Dispatcher) CancelOwner(ownerID string) {
	d.mu.Lock()
	q := d.queues[ownerID]
	delete(d.queues, ownerID)
	if elem, ok := d.positions[ownerID]; ok {
		d.ready.Remove(elem)
		delete(d.positions, ownerID)
	}
	d.mu.Unlock()

	if q == nil {
		return
	}
	for _, job := range q.jobs {
		deliver(job, Result{Err: ErrCancelled})
	}
}

func (d *Dispatcher) run() {
	for {
		if !d.dispatchOne() {
			job := <-d.jobs
			d.enqueueJob(job)
			continue
		}
		select {
		case job := <-d.jobs:
			d.enqueueJob(job)
		default:
		}
	}
}

func (d *Dispatcher) enqueueJob(job Job) {
	d.mu.Lock()
	defer d.mu.Unlock()

	q := d.queues[job.OwnerID]
	if q == nil {
		q = &ownerQueue{}
		d.queues[job.OwnerID] = q
	}
	q.jobs = append(q.jobs, job)
	if q.enqueued {
		return
	}
	q.enqueued = true
	elem := d.ready.PushBack(job.OwnerID)
	d.positions[job.OwnerID] = elem
}

// dispatchOne hands the front owner's next job to a worker. Owners with
// more queued work rotate to the back of the LRU list.
func (d *Dispatcher) dispatchOne() bool {
	d.mu.Lock()
	elem := d.ready.Front()
	if elem == nil {
		d.mu.Unlock()
		return false
	}
	ownerID := elem.Value.(string)
	q := d.queues[ownerID]
	job := q.jobs[0]
	q.jobs = q.jobs[1:]
	if len(q.jobs) == 0 {
		q.enqueued = false
		d.ready.Remove(elem)
		delete(d.positions, ownerID)
		delete(d.queues, ownerID)
	} else {
		d.ready.MoveToBack(elem)
	}
	d.mu.Unlock()

	workerChan := d.pool.acquire()
	debugLog("[dispatcher] assign render job for owner %s session %s", ownerID, job.SessionID)
	workerChan <- job
	return true
}

// QueuedFor reports an owner's backlog, used by tests and debugging.
func (d *Dispatcher) QueuedFor(ownerID string) int {
	d.mu.Lock()
	defer d.mu.Unlock()
	q := d.queues[ownerID]
	if q == nil {
		return 0
	}
	return len(q.jobs)
}
