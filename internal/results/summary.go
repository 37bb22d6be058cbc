package results

import (
	"cmp"
	"context"
	"slices"
	"time"

	"github.com/MeKo-Tech/tally/internal/ballot"
)

// PartyResult is one party's total over a set of tally sheets.
type PartyResult struct {
	PartyID     string  `json:"partyId"`
	TotalVotes  int     `json:"totalVotes"`
	BallotCount int     `json:"ballotCount"`
	Percentage  float64 `json:"percentage"`
}

// Totals sums the vote totals of COMPLETED records.
type Totals struct {
	ValidVotes   int `json:"validVotes"`
	NullVotes    int `json:"nullVotes"`
	BlankVotes   int `json:"blankVotes"`
	TotalBallots int `json:"totalBallots"`
	NeedsReview  int `json:"needsReview"`
}

// Summary aggregates the COMPLETED records matching a filter.
type Summary struct {
	Parties     []PartyResult `json:"results"`
	Totals      Totals        `json:"totals"`
	Filter      Filter        `json:"filters"`
	GeneratedAt time.Time     `json:"generatedAt"`
}

// Summarize aggregates the COMPLETED records among msgs. Parties are sorted
// by total votes, descending, then by id; percentages are of all party votes.
func Summarize(msgs []ballot.ResultMessage, f Filter) Summary {
	f.Status = ballot.StatusCompleted
	f.Limit = 0
	s := Summary{Filter: f, Parties: []PartyResult{}, GeneratedAt: time.Now().UTC()}

	byParty := make(map[string]*PartyResult)
	all := 0
	for _, msg := range msgs {
		if !f.Match(msg) || msg.Results == nil {
			continue
		}
		v := msg.Results.Votes
		s.Totals.ValidVotes += v.ValidVotes
		s.Totals.NullVotes += v.NullVotes
		s.Totals.BlankVotes += v.BlankVotes
		s.Totals.TotalBallots++
		if msg.NeedsHumanVerification {
			s.Totals.NeedsReview++
		}
		for _, pv := range v.PartyVotes {
			p, ok := byParty[pv.PartyID]
			if !ok {
				p = &PartyResult{PartyID: pv.PartyID}
				byParty[pv.PartyID] = p
			}
			p.TotalVotes += pv.Votes
			p.BallotCount++
			all += pv.Votes
		}
	}

	for _, p := range byParty {
		if all > 0 {
			p.Percentage = float64(p.TotalVotes) / float64(all) * 100
		}
		s.Parties = append(s.Parties, *p)
	}
	slices.SortFunc(s.Parties, func(a, b PartyResult) int {
		if c := cmp.Compare(b.TotalVotes, a.TotalVotes); c != 0 {
			return c
		}
		return cmp.Compare(a.PartyID, b.PartyID)
	})
	return s
}

// TableResult is the latest COMPLETED record of one table.
type TableResult struct {
	TableNumber string               `json:"tableNumber"`
	Record      ballot.ResultMessage `json:"record"`
	BallotCount int                  `json:"ballotCount"`
}

// Statistics counts records per status.
type Statistics struct {
	Completed        int                    `json:"completed"`
	Rejected         int                    `json:"rejected"`
	ExtractionFailed int                    `json:"extractionFailed"`
	Total            int                    `json:"total"`
	BySource         map[ballot.Source]int  `json:"bySource"`
	Recent           []ballot.ResultMessage `json:"recent"`
	GeneratedAt      time.Time              `json:"generatedAt"`
}

// Service answers queries over a Store.
type Service struct {
	store Store
}

// NewService creates a Service.
func NewService(store Store) *Service {
	return &Service{store: store}
}

// Store returns the underlying store.
func (s *Service) Store() Store { return s.store }

// Summary aggregates the COMPLETED records matching f.
func (s *Service) Summary(ctx context.Context, f Filter) (Summary, error) {
	f.Status = ballot.StatusCompleted
	f.Limit = 0
	msgs, err := s.store.List(ctx, f)
	if err != nil {
		return Summary{}, err
	}
	return Summarize(msgs, f), nil
}

// Table returns the most recently processed COMPLETED record of a table.
func (s *Service) Table(ctx context.Context, tableNumber string) (*TableResult, error) {
	msgs, err := s.store.List(ctx, Filter{Status: ballot.StatusCompleted, TableNumber: tableNumber})
	if err != nil {
		return nil, err
	}
	if len(msgs) == 0 {
		return nil, errorRegistry.New(ErrNotFound).WithDetail("tableNumber", tableNumber)
	}
	latest := slices.MaxFunc(msgs, func(a, b ballot.ResultMessage) int {
		return a.ProcessedAt.Compare(b.ProcessedAt)
	})
	return &TableResult{TableNumber: tableNumber, Record: latest, BallotCount: len(msgs)}, nil
}

// Statistics counts all stored records; Recent holds the last ten stored.
func (s *Service) Statistics(ctx context.Context) (Statistics, error) {
	msgs, err := s.store.List(ctx, Filter{})
	if err != nil {
		return Statistics{}, err
	}
	st := Statistics{BySource: make(map[ballot.Source]int), Total: len(msgs), GeneratedAt: time.Now().UTC()}
	for _, msg := range msgs {
		switch msg.Status {
		case ballot.StatusCompleted:
			st.Completed++
		case ballot.StatusRejected:
			st.Rejected++
		case ballot.StatusExtractionFailed:
			st.ExtractionFailed++
		}
		if msg.Source != "" {
			st.BySource[msg.Source]++
		}
	}
	recent := msgs[max(0, len(msgs)-10):]
	st.Recent = make([]ballot.ResultMessage, 0, len(recent))
	for i := len(recent) - 1; i >= 0; i-- {
		st.Recent = append(st.Recent, recent[i])
	}
	return st, nil
}
