package consistency

import (
	"fmt"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/roi"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func votes(valid int, parties ...int) ballot.Votes {
	v := ballot.Votes{ValidVotes: valid}
	for i, n := range parties {
		v.PartyVotes = append(v.PartyVotes, ballot.PartyVote{PartyID: fmt.Sprintf("P%d", i), Votes: n})
	}
	return v
}

func TestScore(t *testing.T) {
	a := New(DefaultConfig())
	tests := []struct {
		name  string
		votes ballot.Votes
		table string
		want  float64
	}{
		{"exact sum", votes(100, 60, 40), "10234", 1.0},
		{"within tolerance", votes(100, 60, 45), "10234", 1.0},
		{"20 percent off", votes(100, 60, 60), "10234", 0.8},
		{"penalty capped", votes(100, 300), "10234", 0.5},
		{"no valid total", votes(0, 10), "10234", 1.0},
		{"table number not numeric", votes(100, 100), "1O2", 0.8},
		{"table number too short", votes(100, 100), "7", 0.8},
		{"both penalties", votes(100, 60, 60), "", 0.64},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, a.Score(tt.votes, tt.table), 1e-9)
		})
	}
}

func TestScore_MonotonicInDifference(t *testing.T) {
	a := New(DefaultConfig())
	prev := 1.0
	for sum := 111; sum <= 150; sum++ {
		s := a.Score(votes(100, sum), "10234")
		assert.Less(t, s, prev, "sum %d", sum)
		assert.GreaterOrEqual(t, s, 0.5)
		prev = s
	}
	// beyond half the total the score stays at the floor
	assert.InDelta(t, 0.5, a.Score(votes(100, 151), "10234"), 1e-9)
	assert.InDelta(t, 0.5, a.Score(votes(100, 900), "10234"), 1e-9)
}

func TestNeedsVerification_ExactThreshold(t *testing.T) {
	for _, th := range []float64{0, 0.25, 0.7, 0.8, 1} {
		cfg := DefaultConfig()
		cfg.Threshold = th
		a := New(cfg)
		for _, c := range []float64{0, th - 1e-9, th, th + 1e-9, 1} {
			assert.Equal(t, c < th, a.NeedsVerification(c), "threshold %v confidence %v", th, c)
		}
	}
}

func fieldsFor(tpl *roi.Template, conf float64, values map[string]string) map[string]ballot.FieldResult {
	out := make(map[string]ballot.FieldResult, len(tpl.Regions))
	for _, r := range tpl.Regions {
		out[r.Key] = ballot.NewFieldResult(values[r.Key], conf)
	}
	return out
}

func TestAggregate(t *testing.T) {
	tpl := roi.Default()
	values := map[string]string{
		roi.KeyTableCode:    "10234",
		roi.KeyTableNumber:  "10234",
		roi.KeyDepartment:   "LA PAZ",
		roi.KeyPollingPlace: "ESCUELA BOLIVIA",
		roi.KeyValidVotes:   "262",
		roi.KeyBlankVotes:   "5",
		roi.KeyNullVotes:    "3",
		"party_CC":          "120",
		"party_FPV":         "4",
		"party_MTS":         "3",
		"party_UCS":         "2",
		"party_MAS":         "98",
		"party_21F":         "25",
		"party_PDC":         "7",
		"party_MNR":         "1",
		"party_PAN":         "2",
	}

	a := New(DefaultConfig())
	rec := a.Aggregate(tpl, fieldsFor(tpl, 0.9, values))
	assert.Equal(t, ballot.SourceOCR, rec.Source)
	assert.Equal(t, "10234", rec.TableCode)
	assert.Equal(t, "LA PAZ", rec.Location.Department)
	assert.Equal(t, "ESCUELA BOLIVIA", rec.Location.PollingPlace)
	assert.Equal(t, 262, rec.Votes.ValidVotes)
	assert.Equal(t, 5, rec.Votes.BlankVotes)
	require.Len(t, rec.Votes.PartyVotes, 9)
	assert.Equal(t, ballot.PartyVote{PartyID: "CC", Votes: 120}, rec.Votes.PartyVotes[0])
	assert.Equal(t, 262, rec.Votes.PartySum())
	assert.InDelta(t, 1.0, rec.ConsistencyScore, 1e-9)
	assert.InDelta(t, 0.9, rec.OverallConfidence, 1e-9)
	assert.False(t, rec.NeedsManualVerification)
	assert.Empty(t, rec.Flagged)

	// an unreadable party cell counts as zero, is flagged and breaks the sum
	values["party_CC"] = "l2O"
	rec = a.Aggregate(tpl, fieldsFor(tpl, 0.9, values))
	assert.Equal(t, 0, rec.Votes.PartyVotes[0].Votes)
	assert.Equal(t, []string{"party_CC"}, rec.Flagged)
	diff := 120.0 / 262.0
	assert.InDelta(t, 1-diff, rec.ConsistencyScore, 1e-9)
	assert.InDelta(t, 0.9*(1-diff), rec.OverallConfidence, 1e-9)
	assert.True(t, rec.NeedsManualVerification)
}

func TestAggregate_EmptyFields(t *testing.T) {
	rec := New(DefaultConfig()).Aggregate(roi.Default(), map[string]ballot.FieldResult{})
	assert.Zero(t, rec.OverallConfidence)
	assert.True(t, rec.NeedsManualVerification)
	assert.Len(t, rec.Votes.PartyVotes, 9)
}
