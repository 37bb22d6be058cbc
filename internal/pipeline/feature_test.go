package pipeline

import (
	"context"
	"fmt"
	"math"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/cucumber/godog"
)

// scenario holds the state of one pipeline scenario.
type scenario struct {
	broker   *countingBroker
	store    *results.MemoryStore
	reader   *stubReader
	service  *messagesServer
	image    []byte
	pipeline *Pipeline
	worker   *Worker
	record   *ballot.ResultMessage
}

func (s *scenario) anEmptyInMemoryBroker() error {
	s.broker = newCountingBroker(broker.NewMemory())
	return nil
}

func (s *scenario) aResultsSinkBackedByMemory() error {
	s.store = results.NewMemoryStore()
	return nil
}

func (s *scenario) aPanoramaPhotograph(w, h int) error {
	s.image = panorama(w, h)
	return nil
}

func (s *scenario) aTallySheetImage() error {
	s.image = tallySheet()
	return nil
}

func (s *scenario) theLocalReaderReturnsConfidence(c float64) error {
	s.reader.rec = sampleRecord(c, ballot.SourceOCR)
	return nil
}

func (s *scenario) theFallbackServiceAnswersWithConfidence(c float64) error {
	s.service = newMessagesServer(http.StatusOK, fmt.Sprintf(`Here is the data:
{"tableCode": "10234", "tableNumber": "10234",
 "location": {"department": "LA PAZ", "province": "MURILLO"},
 "votes": {"validVotes": 262, "nullVotes": 3, "blankVotes": 5,
           "partyVotes": [{"partyId": "CC", "votes": 120}, {"partyId": "MAS", "votes": 142}]},
 "confidence": %.2f}`, c))
	return nil
}

func (s *scenario) theFallbackServiceFailsWithHTTP(status int) error {
	s.service = newMessagesServer(status, "")
	return nil
}

func (s *scenario) build() error {
	opts := []Option{WithSink(results.NewSink(s.store, nil))}
	if s.service != nil {
		fb, err := newFallbackExtractor(s.service.URL)
		if err != nil {
			return err
		}
		opts = append(opts, WithFallback(fb))
	}
	s.pipeline = New(DefaultConfig(), s.broker, newInspector(), s.reader, opts...)
	s.worker = NewWorker(DefaultWorkerConfig(), s.broker, s.pipeline)
	return nil
}

func (s *scenario) theBallotIsSubmitted(id string) error {
	if err := s.build(); err != nil {
		return err
	}
	return s.pipeline.Submit(context.Background(), id, s.image)
}

func (s *scenario) theWorkerDrainsAllQueues() error {
	_, err := s.worker.Drain(context.Background())
	return err
}

func (s *scenario) theTerminalRecordHasStatus(id, status string) error {
	msgs, err := s.store.List(context.Background(), results.Filter{})
	if err != nil {
		return err
	}
	var found []ballot.ResultMessage
	for _, m := range msgs {
		if m.BallotID == id {
			found = append(found, m)
		}
	}
	if len(found) != 1 {
		return fmt.Errorf("expected exactly one terminal record for %s, got %d", id, len(found))
	}
	s.record = &found[0]
	if string(s.record.Status) != status {
		return fmt.Errorf("expected status %s, got %s (error %q)", status, s.record.Status, s.record.Error)
	}
	return nil
}

func (s *scenario) itsConfidenceIs(c float64) error {
	if math.Abs(s.record.Confidence-c) > 1e-9 {
		return fmt.Errorf("expected confidence %.2f, got %.4f", c, s.record.Confidence)
	}
	return nil
}

func (s *scenario) itsReasonMentions(text string) error {
	if !strings.Contains(s.record.Reason, text) {
		return fmt.Errorf("reason %q does not mention %q", s.record.Reason, text)
	}
	return nil
}

func (s *scenario) itsSourceIs(source string) error {
	if string(s.record.Source) != source {
		return fmt.Errorf("expected source %s, got %s", source, s.record.Source)
	}
	return nil
}

func (s *scenario) humanVerification(want bool) func() error {
	return func() error {
		if s.record.NeedsHumanVerification != want {
			return fmt.Errorf("expected needsHumanVerification=%t", want)
		}
		return nil
	}
}

func (s *scenario) theLocalReaderWasCalled(n int) error {
	if got := s.reader.Calls(); got != n {
		return fmt.Errorf("local reader called %d times, want %d", got, n)
	}
	return nil
}

func (s *scenario) theFallbackServiceWasCalled(n int) error {
	if s.service == nil {
		return fmt.Errorf("no fallback service configured")
	}
	if got := int(s.service.calls.Load()); got != n {
		return fmt.Errorf("fallback service called %d times, want %d", got, n)
	}
	return nil
}

func (s *scenario) messagesPublishedToFallback(n int) error {
	if got := s.broker.Published(s.pipeline.Config().Queues.Fallback); got != n {
		return fmt.Errorf("%d messages published to the fallback queue, want %d", got, n)
	}
	return nil
}

func (s *scenario) theFallbackDLQHolds(n int) error {
	got, err := s.broker.Len(context.Background(), broker.DLQ(s.pipeline.Config().Queues.Fallback))
	if err != nil {
		return err
	}
	if int(got) != n {
		return fmt.Errorf("fallback dead-letter queue holds %d messages, want %d", got, n)
	}
	return nil
}

func initializeScenario(sc *godog.ScenarioContext) {
	s := &scenario{reader: &stubReader{}}

	sc.Step(`^an empty in-memory broker$`, s.anEmptyInMemoryBroker)
	sc.Step(`^a results sink backed by memory$`, s.aResultsSinkBackedByMemory)
	sc.Step(`^a (\d+)x(\d+) panorama photograph$`, s.aPanoramaPhotograph)
	sc.Step(`^a tally sheet image$`, s.aTallySheetImage)
	sc.Step(`^the local reader returns confidence ([\d.]+)$`, s.theLocalReaderReturnsConfidence)
	sc.Step(`^the fallback service answers with confidence ([\d.]+)$`, s.theFallbackServiceAnswersWithConfidence)
	sc.Step(`^the fallback service fails with HTTP (\d+)$`, s.theFallbackServiceFailsWithHTTP)
	sc.Step(`^the ballot "([^"]*)" is submitted$`, s.theBallotIsSubmitted)
	sc.Step(`^the worker drains all queues$`, s.theWorkerDrainsAllQueues)
	sc.Step(`^the terminal record for "([^"]*)" has status "([^"]*)"$`, s.theTerminalRecordHasStatus)
	sc.Step(`^its confidence is ([\d.]+)$`, s.itsConfidenceIs)
	sc.Step(`^its reason mentions "([^"]*)"$`, s.itsReasonMentions)
	sc.Step(`^its source is "([^"]*)"$`, s.itsSourceIs)
	sc.Step(`^it needs human verification$`, s.humanVerification(true))
	sc.Step(`^it does not need human verification$`, s.humanVerification(false))
	sc.Step(`^the local reader was called (\d+) times$`, s.theLocalReaderWasCalled)
	sc.Step(`^the fallback service was called (\d+) times$`, s.theFallbackServiceWasCalled)
	sc.Step(`^(\d+) messages? (?:was|were) published to the fallback queue$`, s.messagesPublishedToFallback)
	sc.Step(`^the fallback dead-letter queue holds (\d+) messages?$`, s.theFallbackDLQHolds)

	sc.After(func(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
		if s.service != nil {
			s.service.Close()
		}
		if s.broker != nil {
			_ = s.broker.Close()
		}
		return ctx, nil
	})
}

func TestFeatures(t *testing.T) {
	if testing.Short() {
		t.Skip("Skipping pipeline scenarios in short mode")
	}
	dir := filepath.Join("testdata", "features")
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatalf("failed to read features directory: %v", err)
	}

	format := os.Getenv("GODOG_FORMAT")
	if format == "" {
		format = "progress"
	}

	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".feature") {
			continue
		}
		path := filepath.Join(dir, e.Name())
		t.Run(e.Name(), func(t *testing.T) {
			suite := godog.TestSuite{
				ScenarioInitializer: initializeScenario,
				Options: &godog.Options{
					Format:   format,
					Tags:     os.Getenv("GODOG_TAGS"),
					Paths:    []string{path},
					Strict:   true,
					TestingT: t,
				},
			}
			if suite.Run() != 0 {
				t.Fatalf("non-zero status returned for %s", path)
			}
		})
	}
}
