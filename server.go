package main

import (
	"context"
	"errors"
	"log"

	"github.com/groundline-geo/terrain/internal/pipeline"
)

// runQueue hands requests from the HTTP process endpoint to the background
// worker. Enqueue never blocks: a full queue is reported to the caller so
// the handler can answer 503 instead of stalling.
type runQueue struct {
	ch chan pipeline.Request
}

func newRunQueue(capacity int) *runQueue {
	if capacity < 1 {
		capacity = 1
	}
	return &runQueue{ch: make(chan pipeline.Request, capacity)}
}

// Enqueue submits a request for background processing.
func (q *runQueue) Enqueue(req pipeline.Request) error {
	select {
	case q.ch <- req:
		return nil
	default:
		return errors.New("queue full")
	}
}

// Work consumes queued requests until the context is cancelled. Failed runs
// are logged and the loop moves on; the run index keeps the FAILED record.
func (q *runQueue) Work(ctx context.Context, runner *pipeline.Runner) {
	for {
		select {
		case <-ctx.Done():
			return
		case req := <-q.ch:
			res, err := runner.Run(ctx, req)
			if err != nil {
				log.Printf("Processing %s failed: %v", req.InputPath, err)
				continue
			}
			log.Print(res.Summary())
		}
	}
}
