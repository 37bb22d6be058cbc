package ballot

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewFieldResult(t *testing.T) {
	tests := []struct {
		value   string
		numeric bool
		want    int
	}{
		{"120", true, 120},
		{"007", true, 7},
		{"", false, 0},
		{"12a", false, 0},
		{"LA PAZ", false, 0},
		{"-3", false, 0},
		{"99999999999999999999999", false, 0},
	}
	for _, tt := range tests {
		t.Run(tt.value, func(t *testing.T) {
			f := NewFieldResult(tt.value, 0.5)
			assert.Equal(t, tt.numeric, f.NumericValue != nil)
			assert.Equal(t, tt.want, f.Number())
			assert.Equal(t, tt.value, f.Value)
		})
	}
}

func TestHashImage(t *testing.T) {
	h := HashImage([]byte("ballot"))
	assert.Len(t, h, 64)
	assert.Equal(t, h, HashImage([]byte("ballot")))
	assert.NotEqual(t, h, HashImage([]byte("ballot2")))
}

func TestVotesPartySum(t *testing.T) {
	v := Votes{PartyVotes: []PartyVote{{"CC", 10}, {"MAS", 32}}}
	assert.Equal(t, 42, v.PartySum())
	assert.Zero(t, Votes{}.PartySum())
}

func TestResultMessageJSON(t *testing.T) {
	rec := &ExtractionRecord{
		TableCode:         "10234",
		TableNumber:       "10234",
		Location:          Location{Department: "LA PAZ"},
		Votes:             Votes{ValidVotes: 10, PartyVotes: []PartyVote{{"CC", 10}}},
		OverallConfidence: 0.9,
		Source:            SourceOCR,
	}
	data, err := json.Marshal(Completed("b-1", "hash", rec))
	require.NoError(t, err)

	var raw map[string]any
	require.NoError(t, json.Unmarshal(data, &raw))
	assert.Equal(t, "COMPLETED", raw["status"])
	assert.Equal(t, "ocr", raw["source"])
	assert.Equal(t, false, raw["needsHumanVerification"])
	results := raw["results"].(map[string]any)
	assert.Equal(t, "10234", results["tableCode"])
	votes := results["votes"].(map[string]any)
	assert.InDelta(t, 10, votes["validVotes"], 1e-9)
	assert.NotContains(t, raw, "reason")

	failed, err := json.Marshal(Failed("b-2", "hash", "boom"))
	require.NoError(t, err)
	assert.Contains(t, string(failed), `"status":"EXTRACTION_FAILED"`)
	assert.Contains(t, string(failed), `"source":"anthropic_error"`)
	assert.NotContains(t, string(failed), `"results"`)
}

func TestValidationRequestCarriesBase64(t *testing.T) {
	data, err := json.Marshal(ValidationRequest{BallotID: "b", ImageBuffer: []byte{0xff, 0xd8}})
	require.NoError(t, err)
	assert.JSONEq(t, `{"ballotId":"b","imageBuffer":"/9g="}`, string(data))

	var back ValidationRequest
	require.NoError(t, json.Unmarshal(data, &back))
	assert.Equal(t, []byte{0xff, 0xd8}, back.ImageBuffer)
}
