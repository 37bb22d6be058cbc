// Package pipeline runs the ballot stages over durable queues:
//
//	validation -> ocr -> fallback -> results
//
// Each stage handler consumes one message, publishes at most one message to
// the next stage and returns. A handler error dead-letters the inbound
// message; fallback failures additionally publish an EXTRACTION_FAILED
// record so every ballot ends in a terminal record or a dead-letter entry.
package pipeline

import (
	"context"
	"image"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
)

// Stage names used in logs and metrics.
const (
	StageValidation = "validation"
	StageOCR        = "ocr"
	StageFallback   = "fallback"
	StageResults    = "results"
)

// Validator decodes and validates a raw image.
type Validator interface {
	Inspect(data []byte) (*Inspection, error)
}

// Reader extracts a record from a preprocessed image.
type Reader interface {
	Read(ctx context.Context, img *image.Gray, table image.Rectangle) (*ballot.ExtractionRecord, error)
}

// Fallback extracts a record from the original image with a remote model.
type Fallback interface {
	Extract(ctx context.Context, img []byte) (*ballot.ExtractionRecord, error)
}

// Sink persists terminal records.
type Sink interface {
	Handle(ctx context.Context, msg ballot.ResultMessage) (bool, error)
}

// Config configures the stage handlers.
type Config struct {
	Queues broker.Queues
	// Threshold is the local confidence below which the fallback is tried (default: 0.7)
	Threshold float64
}

// DefaultConfig returns the default handler configuration.
func DefaultConfig() Config {
	return Config{
		Queues:    broker.DefaultQueues(),
		Threshold: 0.7,
	}
}

// Pipeline holds the stage handlers and their collaborators.
type Pipeline struct {
	cfg       Config
	broker    broker.Broker
	validator Validator
	reader    Reader
	fallback  Fallback
	sink      Sink
}

// Option customizes a Pipeline.
type Option func(*Pipeline)

// WithFallback enables the fallback stage.
func WithFallback(f Fallback) Option {
	return func(p *Pipeline) { p.fallback = f }
}

// WithSink enables the results stage.
func WithSink(s Sink) Option {
	return func(p *Pipeline) { p.sink = s }
}

// New creates a Pipeline. Without WithFallback, low-confidence local records
// complete flagged for review; without WithSink, the results queue is left
// for another consumer.
func New(cfg Config, b broker.Broker, v Validator, r Reader, opts ...Option) *Pipeline {
	if cfg.Queues == (broker.Queues{}) {
		cfg.Queues = broker.DefaultQueues()
	}
	p := &Pipeline{cfg: cfg, broker: b, validator: v, reader: r}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Config returns the handler configuration.
func (p *Pipeline) Config() Config { return p.cfg }

// FallbackEnabled reports whether a fallback extractor is configured.
func (p *Pipeline) FallbackEnabled() bool { return p.fallback != nil }

// Handler processes one delivery.
type Handler func(ctx context.Context, d *broker.Delivery) error

// Handlers maps each consumed queue to its stage name and handler.
func (p *Pipeline) Handlers() map[string]StageHandler {
	q := p.cfg.Queues
	hs := map[string]StageHandler{
		q.Validation: {Stage: StageValidation, Handle: p.HandleValidation},
		q.OCR:        {Stage: StageOCR, Handle: p.HandleOCR},
	}
	if p.fallback != nil {
		hs[q.Fallback] = StageHandler{Stage: StageFallback, Handle: p.HandleFallback}
	}
	if p.sink != nil {
		hs[q.Results] = StageHandler{Stage: StageResults, Handle: p.HandleResult}
	}
	return hs
}

// StageHandler binds a handler to its stage name.
type StageHandler struct {
	Stage  string
	Handle Handler
}

// Submit publishes a raw image to the validation queue.
func (p *Pipeline) Submit(ctx context.Context, ballotID string, img []byte) error {
	return p.broker.Publish(ctx, p.cfg.Queues.Validation, ballot.ValidationRequest{BallotID: ballotID, ImageBuffer: img})
}

// Replay moves up to count dead-lettered messages back to target.
func (p *Pipeline) Replay(ctx context.Context, dlq, target string, count int) (int, error) {
	return p.broker.Replay(ctx, dlq, target, count)
}

func (p *Pipeline) publishResult(ctx context.Context, msg ballot.ResultMessage) error {
	if err := p.broker.Publish(ctx, p.cfg.Queues.Results, msg); err != nil {
		return err
	}
	terminalRecordsTotal.WithLabelValues(string(msg.Status), string(msg.Source)).Inc()
	return nil
}

// tableBox encodes r as [x, y, width, height].
func tableBox(r image.Rectangle) [4]int {
	if r.Empty() {
		return [4]int{}
	}
	return [4]int{r.Min.X, r.Min.Y, r.Dx(), r.Dy()}
}

func tableRect(b [4]int) image.Rectangle {
	if b[2] <= 0 || b[3] <= 0 {
		return image.Rectangle{}
	}
	return image.Rect(b[0], b[1], b[0]+b[2], b[1]+b[3])
}
