// Package broker provides the durable queues connecting the pipeline stages.
// A message stays in its consumer's processing list from delivery until it
// is acknowledged or rejected; rejected messages go to the queue's
// dead-letter queue, named <queue>.dlq.
package broker

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"time"

	"github.com/MeKo-Tech/tally/internal/errx"
	"github.com/google/uuid"
)

// DLQSuffix is appended to a queue name to form its dead-letter queue.
const DLQSuffix = ".dlq"

// DLQ returns the dead-letter queue of queue.
func DLQ(queue string) string { return queue + DLQSuffix }

// IsDLQ reports whether name is a dead-letter queue.
func IsDLQ(name string) bool {
	return strings.HasSuffix(name, DLQSuffix) && len(name) > len(DLQSuffix)
}

// Queues names the stage queues.
type Queues struct {
	Validation string `mapstructure:"validation" yaml:"validation" json:"validation"`
	OCR        string `mapstructure:"ocr" yaml:"ocr" json:"ocr"`
	Fallback   string `mapstructure:"fallback" yaml:"fallback" json:"fallback"`
	Results    string `mapstructure:"results" yaml:"results" json:"results"`
}

// DefaultQueues returns the standard queue names.
func DefaultQueues() Queues {
	return Queues{
		Validation: "image_processing_queue",
		OCR:        "ocr_processing_queue",
		Fallback:   "anthropic_fallback_queue",
		Results:    "results_queue",
	}
}

// All returns the stage queues in pipeline order.
func (q Queues) All() []string {
	return []string{q.Validation, q.OCR, q.Fallback, q.Results}
}

// Message is the envelope stored in a queue.
type Message struct {
	ID          string          `json:"id"`
	Queue       string          `json:"queue"`
	Body        json.RawMessage `json:"body"`
	Persistent  bool            `json:"persistent"`
	PublishedAt time.Time       `json:"publishedAt"`
}

// Decode unmarshals the message body into v.
func (m *Message) Decode(v any) error {
	return json.Unmarshal(m.Body, v)
}

// Delivery is a message handed to a consumer. It must be acknowledged or
// rejected exactly once.
type Delivery struct {
	Message
	// raw is the stored encoding, used to remove the message from the
	// processing list.
	raw string
}

// Broker is a set of durable FIFO queues with at-least-once delivery.
type Broker interface {
	// Publish encodes body as JSON and appends it to queue.
	Publish(ctx context.Context, queue string, body any) error
	// Consume waits up to timeout for a message. It returns nil, nil when
	// the timeout expires or ctx is done.
	Consume(ctx context.Context, queue string, timeout time.Duration) (*Delivery, error)
	Ack(ctx context.Context, d *Delivery) error
	// Reject removes the delivery and appends it to the queue's DLQ.
	Reject(ctx context.Context, d *Delivery) error
	// Replay moves up to count messages from dlq to target, oldest first,
	// and returns how many were moved.
	Replay(ctx context.Context, dlq, target string, count int) (int, error)
	// Recover moves deliveries held by consumers that are gone back to
	// queue. Deliveries of live consumers stay where they are.
	Recover(ctx context.Context, queue string) (int, error)
	Len(ctx context.Context, queue string) (int64, error)
	Close() error
}

var errorRegistry = errx.NewRegistry("BROKER")

var (
	ErrPublish      = errorRegistry.Register("PUBLISH", errx.TypeExternal, http.StatusServiceUnavailable, "Failed to publish message")
	ErrConsume      = errorRegistry.Register("CONSUME", errx.TypeExternal, http.StatusServiceUnavailable, "Failed to consume message")
	ErrAck          = errorRegistry.Register("ACK", errx.TypeExternal, http.StatusServiceUnavailable, "Failed to acknowledge message")
	ErrReject       = errorRegistry.Register("REJECT", errx.TypeExternal, http.StatusServiceUnavailable, "Failed to reject message")
	ErrReplay       = errorRegistry.Register("REPLAY", errx.TypeExternal, http.StatusServiceUnavailable, "Failed to replay dead-lettered messages")
	ErrUnknownQueue = errorRegistry.Register("UNKNOWN_QUEUE", errx.TypeValidation, http.StatusBadRequest, "Unknown queue")
	ErrMarshal      = errorRegistry.Register("MARSHAL", errx.TypeInternal, http.StatusInternalServerError, "Failed to encode message")
	ErrUnmarshal    = errorRegistry.Register("UNMARSHAL", errx.TypeInternal, http.StatusInternalServerError, "Failed to decode message envelope")
)

func newMessage(queue string, body any) (Message, string, error) {
	b, err := json.Marshal(body)
	if err != nil {
		return Message{}, "", errorRegistry.NewWithCause(ErrMarshal, err).WithDetail("queue", queue)
	}
	m := Message{
		ID:          uuid.NewString(),
		Queue:       queue,
		Body:        b,
		Persistent:  true,
		PublishedAt: time.Now().UTC(),
	}
	raw, err := json.Marshal(m)
	if err != nil {
		return Message{}, "", errorRegistry.NewWithCause(ErrMarshal, err).WithDetail("queue", queue)
	}
	return m, string(raw), nil
}

func decodeDelivery(queue, raw string) (*Delivery, error) {
	d := &Delivery{raw: raw}
	if err := json.Unmarshal([]byte(raw), &d.Message); err != nil {
		return nil, errorRegistry.NewWithCause(ErrUnmarshal, err).WithDetail("queue", queue)
	}
	d.Queue = queue
	return d, nil
}

func checkReplay(dlq, target string, count int) error {
	if !IsDLQ(dlq) {
		return errorRegistry.NewWithMessage(ErrUnknownQueue, "not a dead-letter queue: "+dlq)
	}
	if target == "" || IsDLQ(target) {
		return errorRegistry.NewWithMessage(ErrUnknownQueue, "invalid replay target: "+target)
	}
	if count < 0 {
		return errorRegistry.NewWithMessage(ErrUnknownQueue, "replay count must not be negative")
	}
	return nil
}
