// Package worker schedules report render jobs on a bounded pool with
// round-robin fairness across owners, so one owner queueing many reports
// cannot starve everyone else.
package worker

import (
	"context"
	"errors"
	"log"

	"finchatgo/internal/report"
)

// Renderer is the report entry point the pool drives.
type Renderer interface {
	Render(ctx context.Context, ownerID, sessionID string) (*report.Document, error)
}

// Job is one queued render request. Result receives exactly one value;
// give it capacity 1 so a departed caller never blocks a worker.
type Job struct {
	Context   context.Context
	OwnerID   string
	SessionID string
	Result    chan Result

	stop bool // pool-internal retirement sentinel
}

type Result struct {
	Doc *report.Document
	Err error
}

type renderWorker struct {
	pool     *renderPool
	renderer Renderer
	jobCh    chan Job
}

func newRenderWorker(pool *renderPool, renderer Renderer) *renderWorker {
	return &renderWorker{
		pool:     pool,
		renderer: renderer,
		jobCh:    make(chan Job),
	}
}

func (w *renderWorker) start() {
	go func() {
		for job := range w.jobCh {
			if job.stop {
				w.pool.retire(w.jobCh)
				return
			}
			w.execute(job)
			w.pool.release(w.jobCh)
		}
	}()
}

func (w *renderWorker) execute(job Job) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Printf("render worker panicked for session %s: %v", job.SessionID, rec)
			deliver(job, Result{Err: errors.New("report rendering failed unexpectedly")})
		}
	}()

	ctx := job.Context
	if ctx == nil {
		ctx = context.Background()
	}
	doc, err := w.renderer.Render(ctx, job.OwnerID, job.SessionID)
	deliver(job, Result{Doc: doc, Err: err})
}

func deliver(job Job, res Result) {
	if job.Result == nil {
		return
	}
	select {
	case job.Result <- res:
	default:
	}
}
