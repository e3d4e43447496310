package notify

import (
	"context"
	"time"

	"github.com/go-faster/sdk/zctx"
	"go.uber.org/zap"
)

// RetryWorker redelivers messages from the retry queue until its context is
// cancelled.
type RetryWorker struct {
	dispatcher *Dispatcher
	queue      RetryQueue
	interval   time.Duration
}

// NewRetryWorker creates a worker polling queue every interval.
func NewRetryWorker(d *Dispatcher, queue RetryQueue, interval time.Duration) *RetryWorker {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	return &RetryWorker{dispatcher: d, queue: queue, interval: interval}
}

// Run blocks until ctx is done.
func (w *RetryWorker) Run(ctx context.Context) {
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		w.drain(ctx)
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// drain redelivers every job that is due.
func (w *RetryWorker) drain(ctx context.Context) {
	for ctx.Err() == nil {
		job, err := w.queue.PopDue(ctx, w.dispatcher.now())
		if err != nil {
			zctx.From(ctx).Warn("Retry queue poll failed", zap.Error(err))
			return
		}
		if job == nil {
			return
		}
		w.dispatcher.deliver(ctx, *job)
	}
}
