package events

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Handler processes one event. Implementations never let an error escape a
// build's boundary; returned errors indicate transport-level problems only.
type Handler interface {
	Handle(ctx context.Context, ev Event) error
}

// Workers is the parallel executor pool. Any worker may run any handler,
// concurrently with sweeps touching the same build; the store's atomic
// commit is the unit of isolation.
type Workers struct {
	queue       Queue
	handler     Handler
	concurrency int
	logger      *slog.Logger

	stopCh chan struct{}
	wg     sync.WaitGroup
}

func NewWorkers(queue Queue, handler Handler, concurrency int, logger *slog.Logger) *Workers {
	if logger == nil {
		logger = slog.Default()
	}
	if concurrency < 1 {
		concurrency = 1
	}
	return &Workers{
		queue:       queue,
		handler:     handler,
		concurrency: concurrency,
		logger:      logger,
		stopCh:      make(chan struct{}),
	}
}

// Start spawns the worker goroutines.
func (w *Workers) Start(ctx context.Context) {
	w.logger.Info("starting event workers", "concurrency", w.concurrency)
	for i := 0; i < w.concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx, i)
	}
}

// Stop waits for in-flight handlers to finish. There is no cooperative
// cancellation of a running handler; conflicting state is resolved by the
// next event or sweep.
func (w *Workers) Stop() {
	close(w.stopCh)
	w.wg.Wait()
	w.logger.Info("event workers stopped")
}

func (w *Workers) loop(ctx context.Context, workerID int) {
	defer w.wg.Done()

	logger := w.logger.With("worker_id", workerID)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		default:
		}

		ev, err := w.queue.Consume(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			logger.Error("failed to consume event", "error", err)
			time.Sleep(5 * time.Second)
			continue
		}
		if ev == nil {
			continue
		}

		if err := w.handler.Handle(ctx, *ev); err != nil {
			logger.Error("event handling failed",
				"message_id", ev.ID,
				"type", ev.Type,
				"build_id", ev.BuildID,
				"error", err,
			)
		}
	}
}
