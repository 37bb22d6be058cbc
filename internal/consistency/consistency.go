// Package consistency cross-checks the fields read from a tally sheet and
// turns per-field confidences into one overall confidence.
package consistency

import (
	"log/slog"
	"math"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/roi"
)

// Config holds the aggregation thresholds.
type Config struct {
	Threshold          float64 // overall confidence below this needs manual verification (default: 0.7)
	Tolerance          float64 // relative party-sum difference accepted without penalty (default: 0.1)
	MaxPenalty         float64 // cap on the party-sum penalty (default: 0.5)
	TableNumberPenalty float64 // factor applied to a malformed table number (default: 0.8)
	MinTableNumberLen  int     // (default: 2)
}

// DefaultConfig returns the default aggregation configuration.
func DefaultConfig() Config {
	return Config{
		Threshold:          0.7,
		Tolerance:          0.1,
		MaxPenalty:         0.5,
		TableNumberPenalty: 0.8,
		MinTableNumberLen:  2,
	}
}

// Aggregator builds extraction records from field readings.
type Aggregator struct {
	cfg Config
}

// New creates an Aggregator.
func New(cfg Config) *Aggregator {
	return &Aggregator{cfg: cfg}
}

// Config returns the aggregation configuration.
func (a *Aggregator) Config() Config { return a.cfg }

// Score returns the consistency score in [1-MaxPenalty, 1]. It starts at 1,
// is reduced when the party votes disagree with a positive valid total by
// more than the tolerance, and again when the table number is malformed.
func (a *Aggregator) Score(votes ballot.Votes, tableNumber string) float64 {
	score := 1.0
	if votes.ValidVotes > 0 {
		diff := math.Abs(float64(votes.PartySum()-votes.ValidVotes)) / float64(votes.ValidVotes)
		if diff > a.cfg.Tolerance {
			score *= 1 - math.Min(diff, a.cfg.MaxPenalty)
		}
	}
	if !ballot.IsDigits(tableNumber) || len(tableNumber) < a.cfg.MinTableNumberLen {
		score *= a.cfg.TableNumberPenalty
	}
	return score
}

// NeedsVerification reports whether a record with the given overall
// confidence must be checked by a person.
func (a *Aggregator) NeedsVerification(confidence float64) bool {
	return confidence < a.cfg.Threshold
}

// Aggregate builds the OCR extraction record of a sheet read with template
// tpl. Overall confidence is the mean field confidence times the consistency
// score. Numeric fields that did not read as digits count as 0 and are
// listed in Flagged.
func (a *Aggregator) Aggregate(tpl *roi.Template, fields map[string]ballot.FieldResult) *ballot.ExtractionRecord {
	rec := &ballot.ExtractionRecord{
		TableCode:   fields[roi.KeyTableCode].Value,
		TableNumber: fields[roi.KeyTableNumber].Value,
		Location: ballot.Location{
			Department:   fields[roi.KeyDepartment].Value,
			Province:     fields[roi.KeyProvince].Value,
			Municipality: fields[roi.KeyMunicipality].Value,
			Locality:     fields[roi.KeyLocality].Value,
			PollingPlace: fields[roi.KeyPollingPlace].Value,
		},
		Votes: ballot.Votes{
			ValidVotes: fields[roi.KeyValidVotes].Number(),
			BlankVotes: fields[roi.KeyBlankVotes].Number(),
			NullVotes:  fields[roi.KeyNullVotes].Number(),
			PartyVotes: make([]ballot.PartyVote, 0, 9),
		},
		Source: ballot.SourceOCR,
		Fields: fields,
	}
	for _, party := range tpl.Parties() {
		rec.Votes.PartyVotes = append(rec.Votes.PartyVotes, ballot.PartyVote{
			PartyID: party,
			Votes:   fields[roi.PartyPrefix+party].Number(),
		})
	}

	sum, n := 0.0, 0
	for _, r := range tpl.Regions {
		f, ok := fields[r.Key]
		if !ok {
			continue
		}
		sum += f.Confidence
		n++
		if r.Mode == roi.ModeNumeric && f.NumericValue == nil {
			rec.Flagged = append(rec.Flagged, r.Key)
		}
	}
	mean := 0.0
	if n > 0 {
		mean = sum / float64(n)
	}

	rec.ConsistencyScore = a.Score(rec.Votes, rec.TableNumber)
	rec.OverallConfidence = math.Max(0, math.Min(1, mean*rec.ConsistencyScore))
	rec.NeedsManualVerification = a.NeedsVerification(rec.OverallConfidence)

	slog.Debug("Aggregated extraction",
		"mean_field_confidence", mean,
		"consistency", rec.ConsistencyScore,
		"confidence", rec.OverallConfidence,
		"flagged", len(rec.Flagged))
	return rec
}
