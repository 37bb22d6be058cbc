package pipeline

import (
	"context"
	"encoding/json"
	"image"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/fallback"
	"github.com/MeKo-Tech/tally/internal/preprocess"
	"github.com/MeKo-Tech/tally/internal/testutil"
	"github.com/MeKo-Tech/tally/internal/validator"
	"github.com/MeKo-Tech/tally/internal/vision"
)

func newInspector() *Inspector {
	return NewInspector(preprocess.New(preprocess.DefaultConfig()), validator.New(validator.DefaultConfig()))
}

func encodePNG(img image.Image) []byte {
	b, err := vision.EncodePNG(img)
	if err != nil {
		panic(err)
	}
	return b
}

var (
	sheetOnce sync.Once
	sheetPNG  []byte
)

// tallySheet returns an encoded synthetic tally sheet the validator accepts.
func tallySheet() []byte {
	sheetOnce.Do(func() {
		sheetPNG = encodePNG(testutil.GenerateTallySheet(testutil.DefaultSheetConfig()))
	})
	return sheetPNG
}

func panorama(w, h int) []byte {
	return encodePNG(testutil.CreateTextPage(w, h, "A WIDE LANDSCAPE PHOTOGRAPH"))
}

func sampleRecord(confidence float64, source ballot.Source) *ballot.ExtractionRecord {
	return &ballot.ExtractionRecord{
		TableCode:   "10234",
		TableNumber: "10234",
		Location:    ballot.Location{Department: "LA PAZ", Province: "MURILLO"},
		Votes: ballot.Votes{
			ValidVotes: 262,
			NullVotes:  3,
			BlankVotes: 5,
			PartyVotes: []ballot.PartyVote{{PartyID: "CC", Votes: 120}, {PartyID: "MAS", Votes: 142}},
		},
		OverallConfidence:       confidence,
		NeedsManualVerification: confidence < 0.7,
		Source:                  source,
	}
}

type stubReader struct {
	mu    sync.Mutex
	rec   *ballot.ExtractionRecord
	err   error
	calls int
	table image.Rectangle
	size  image.Point
	// entered receives on every call and gate, when set, holds the call
	// until closed
	entered chan struct{}
	gate    chan struct{}
}

func (r *stubReader) Read(ctx context.Context, img *image.Gray, table image.Rectangle) (*ballot.ExtractionRecord, error) {
	if r.entered != nil {
		r.entered <- struct{}{}
	}
	if r.gate != nil {
		select {
		case <-r.gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.calls++
	r.table = table
	r.size = img.Bounds().Size()
	if r.err != nil {
		return nil, r.err
	}
	rec := *r.rec
	return &rec, nil
}

func (r *stubReader) Calls() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls
}

type stubFallback struct {
	rec   *ballot.ExtractionRecord
	err   error
	calls atomic.Int32
	image []byte
}

func (f *stubFallback) Extract(_ context.Context, img []byte) (*ballot.ExtractionRecord, error) {
	f.calls.Add(1)
	f.image = img
	if f.err != nil {
		return nil, f.err
	}
	rec := *f.rec
	return &rec, nil
}

type stubSink struct {
	mu   sync.Mutex
	msgs []ballot.ResultMessage
	err  error
}

func (s *stubSink) Handle(_ context.Context, msg ballot.ResultMessage) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return false, s.err
	}
	s.msgs = append(s.msgs, msg)
	return true, nil
}

// countingBroker counts publishes per queue.
type countingBroker struct {
	broker.Broker
	mu        sync.Mutex
	published map[string]int
}

func newCountingBroker(b broker.Broker) *countingBroker {
	return &countingBroker{Broker: b, published: map[string]int{}}
}

func (b *countingBroker) Publish(ctx context.Context, queue string, body any) error {
	if err := b.Broker.Publish(ctx, queue, body); err != nil {
		return err
	}
	b.mu.Lock()
	b.published[queue]++
	b.mu.Unlock()
	return nil
}

func (b *countingBroker) Published(queue string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.published[queue]
}

// messagesServer mimics the Messages endpoint of the fallback service.
type messagesServer struct {
	*httptest.Server
	calls atomic.Int32
}

func newMessagesServer(status int, text string) *messagesServer {
	s := &messagesServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		s.calls.Add(1)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"internal failure"}}`))
			return
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-7-sonnet-20250219",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": text}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
		})
	}))
	return s
}

func newFallbackExtractor(url string) (*fallback.Extractor, error) {
	cfg := fallback.DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	return fallback.New(cfg)
}

func newTestPipeline(t *testing.T, r Reader, opts ...Option) (*Pipeline, *countingBroker, *Worker) {
	t.Helper()
	b := newCountingBroker(broker.NewMemory())
	t.Cleanup(func() { _ = b.Close() })
	p := New(DefaultConfig(), b, newInspector(), r, opts...)
	w := NewWorker(DefaultWorkerConfig(), b, p)
	return p, b, w
}
