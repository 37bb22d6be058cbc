package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/errx"
)

// WorkerConfig configures the consume loops.
type WorkerConfig struct {
	// Concurrency is the number of consume loops; per queue unless
	// Sequential (default: 1)
	Concurrency int
	// Sequential makes every loop serve all stage queues in turn, one
	// message at a time (default: true)
	Sequential bool
	// IdleInterval is the pause of a sequential loop after a pass over
	// empty queues (default: 200ms)
	IdleInterval time.Duration
	// PollTimeout bounds each blocking consume (default: 2s)
	PollTimeout time.Duration
	// RetryInterval is the pause after a broker error (default: 1s)
	RetryInterval time.Duration
	// RecoverInFlight requeues unacknowledged deliveries on start (default: true)
	RecoverInFlight bool
	// ShutdownTimeout bounds the wait for running handlers (default: 30s)
	ShutdownTimeout time.Duration
}

// DefaultWorkerConfig returns the default worker configuration.
func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{
		Concurrency:     1,
		Sequential:      true,
		IdleInterval:    200 * time.Millisecond,
		PollTimeout:     2 * time.Second,
		RetryInterval:   time.Second,
		RecoverInFlight: true,
		ShutdownTimeout: 30 * time.Second,
	}
}

// Worker consumes the stage queues and dispatches deliveries to the
// pipeline's handlers. Each consumer holds at most one unacknowledged
// delivery.
type Worker struct {
	cfg      WorkerConfig
	broker   broker.Broker
	handlers map[string]StageHandler
}

// NewWorker creates a Worker over every queue p handles.
func NewWorker(cfg WorkerConfig, b broker.Broker, p *Pipeline) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 1
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 2 * time.Second
	}
	if cfg.IdleInterval <= 0 {
		cfg.IdleInterval = 200 * time.Millisecond
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = time.Second
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 30 * time.Second
	}
	return &Worker{cfg: cfg, broker: b, handlers: p.Handlers()}
}

// Queues returns the consumed queues in a stable order.
func (w *Worker) Queues() []string {
	qs := make([]string, 0, len(w.handlers))
	for q := range w.handlers {
		qs = append(qs, q)
	}
	slices.Sort(qs)
	return qs
}

// Recover moves unacknowledged deliveries of every consumed queue back to
// their queue.
func (w *Worker) Recover(ctx context.Context) (int, error) {
	total := 0
	for _, q := range w.Queues() {
		n, err := w.broker.Recover(ctx, q)
		if err != nil {
			return total, err
		}
		if n > 0 {
			slog.Warn("Recovered unacknowledged messages", "queue", q, "count", n)
		}
		total += n
	}
	return total, nil
}

// Run consumes until ctx is cancelled, then waits up to the shutdown timeout
// for running handlers.
func (w *Worker) Run(ctx context.Context) error {
	if w.cfg.RecoverInFlight {
		if _, err := w.Recover(ctx); err != nil {
			return err
		}
	}

	queues := w.Queues()
	slog.Info("Starting pipeline worker",
		"queues", queues,
		"concurrency", w.cfg.Concurrency,
		"sequential", w.cfg.Sequential)

	var wg sync.WaitGroup
	if w.cfg.Sequential {
		for i := range w.cfg.Concurrency {
			wg.Add(1)
			go func() {
				defer wg.Done()
				w.sequentialLoop(ctx, i)
			}()
		}
	} else {
		for _, q := range queues {
			for i := range w.cfg.Concurrency {
				wg.Add(1)
				go func() {
					defer wg.Done()
					w.loop(ctx, q, i)
				}()
			}
		}
	}

	<-ctx.Done()
	slog.Info("Stopping pipeline worker")

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		slog.Info("Pipeline worker stopped")
	case <-time.After(w.cfg.ShutdownTimeout):
		slog.Warn("Pipeline worker shutdown timed out; unacknowledged messages are recovered once the consumer lease expires")
	}
	return nil
}

// sequentialLoop serves every queue in pipeline order, one message at a
// time, and idles when a whole pass found nothing.
func (w *Worker) sequentialLoop(ctx context.Context, id int) {
	for ctx.Err() == nil {
		n, err := w.Drain(ctx)
		wait := w.cfg.IdleInterval
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Consume loop error", "consumer", id, "error", err)
			wait = w.cfg.RetryInterval
		} else if n > 0 {
			continue
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(wait):
		}
	}
}

func (w *Worker) loop(ctx context.Context, queue string, id int) {
	for ctx.Err() == nil {
		if _, err := w.ProcessOne(ctx, queue); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Warn("Consume loop error", "queue", queue, "consumer", id, "error", err)
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.cfg.RetryInterval):
			}
		}
	}
}

// ProcessOne consumes at most one message from queue, runs its handler and
// acknowledges or dead-letters it. It reports whether a message was handled.
// Only broker failures are returned; handler errors are logged and the
// message is rejected.
func (w *Worker) ProcessOne(ctx context.Context, queue string) (bool, error) {
	sh, ok := w.handlers[queue]
	if !ok {
		return false, errorRegistry.NewWithMessage(ErrUnknownQueue, "no handler for queue "+queue)
	}
	d, err := w.broker.Consume(ctx, queue, w.cfg.PollTimeout)
	if err != nil || d == nil {
		return false, err
	}

	start := time.Now()
	herr := safeHandle(ctx, sh.Handle, d)
	stageDuration.WithLabelValues(sh.Stage).Observe(time.Since(start).Seconds())

	// Settle even when ctx was cancelled mid-handler.
	settle := context.WithoutCancel(ctx)
	if herr != nil {
		if ctx.Err() != nil && errors.Is(herr, ctx.Err()) {
			// Left in the processing list for recovery.
			slog.Warn("Handler interrupted by shutdown", "queue", queue, "message_id", d.ID)
			return true, nil
		}
		slog.Error("Stage handler failed; dead-lettering message",
			"stage", sh.Stage,
			"queue", queue,
			"message_id", d.ID,
			"code", errx.CodeOf(herr),
			"error", herr)
		stageMessagesTotal.WithLabelValues(sh.Stage, "dead_letter").Inc()
		deadLetteredTotal.WithLabelValues(queue).Inc()
		return true, w.broker.Reject(settle, d)
	}
	stageMessagesTotal.WithLabelValues(sh.Stage, "ack").Inc()
	return true, w.broker.Ack(settle, d)
}

func safeHandle(ctx context.Context, h Handler, d *broker.Delivery) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errorRegistry.NewWithMessage(ErrHandlerPanic, fmt.Sprint(r)).WithDetail("queue", d.Queue)
		}
	}()
	return h(ctx, d)
}

// Drain processes messages until every consumed queue is empty or ctx is
// done. It returns the number of messages handled.
func (w *Worker) Drain(ctx context.Context) (int, error) {
	total := 0
	for ctx.Err() == nil {
		progress := false
		for _, q := range w.Queues() {
			n, err := w.broker.Len(ctx, q)
			if err != nil {
				return total, err
			}
			if n == 0 {
				continue
			}
			handled, err := w.ProcessOne(ctx, q)
			if err != nil {
				return total, err
			}
			if handled {
				total++
				progress = true
			}
		}
		if !progress {
			return total, nil
		}
	}
	return total, ctx.Err()
}
