// Package ballot holds the data model shared by every pipeline stage: the
// validation verdict, per-field OCR results, the extraction record and the
// JSON messages exchanged between stages.
//
// Every value that crosses a queue is made of fixed-width primitives (string,
// int, float64, bool); detector-specific numbers are copied into CheckDetail
// metrics before encoding.
package ballot

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// Status is the outcome carried by a terminal result message.
type Status string

const (
	StatusRejected         Status = "REJECTED"
	StatusCompleted        Status = "COMPLETED"
	StatusExtractionFailed Status = "EXTRACTION_FAILED"
)

// Source names the extractor that produced a record.
type Source string

const (
	SourceOCR            Source = "ocr"
	SourceAnthropic      Source = "anthropic"
	SourceAnthropicError Source = "anthropic_error"
)

// HashImage returns the content hash identifying a ballot image.
func HashImage(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// CheckDetail is the verdict of one validator check.
type CheckDetail struct {
	IsValid    bool               `json:"isValid"`
	Confidence float64            `json:"confidence"`
	Reason     string             `json:"reason,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
}

// ValidationResult is the Document Validator's verdict for one image.
type ValidationResult struct {
	IsValid    bool                   `json:"isValid"`
	Confidence float64                `json:"confidence"`
	Reason     string                 `json:"reason,omitempty"`
	Checks     map[string]CheckDetail `json:"perCheckDetails,omitempty"`
}

// FieldResult is the OCR reading of one ROI.
type FieldResult struct {
	Value        string  `json:"value"`
	NumericValue *int    `json:"numericValue"`
	Confidence   float64 `json:"confidence"`
}

// NewFieldResult builds a FieldResult. NumericValue is set only when value
// is a non-empty run of ASCII digits.
func NewFieldResult(value string, confidence float64) FieldResult {
	f := FieldResult{Value: value, Confidence: confidence}
	if IsDigits(value) {
		if n, err := strconv.Atoi(value); err == nil {
			f.NumericValue = &n
		}
	}
	return f
}

// Number returns the numeric value, or 0 when the field is not numeric.
func (f FieldResult) Number() int {
	if f.NumericValue == nil {
		return 0
	}
	return *f.NumericValue
}

// IsDigits reports whether s is a non-empty string of ASCII digits.
func IsDigits(s string) bool {
	if s == "" {
		return false
	}
	for i := 0; i < len(s); i++ {
		if s[i] < '0' || s[i] > '9' {
			return false
		}
	}
	return true
}

// PartyVote is one party's vote count.
type PartyVote struct {
	PartyID string `json:"partyId"`
	Votes   int    `json:"votes"`
}

// Votes holds the vote totals of a tally sheet.
type Votes struct {
	ValidVotes int         `json:"validVotes"`
	NullVotes  int         `json:"nullVotes"`
	BlankVotes int         `json:"blankVotes"`
	PartyVotes []PartyVote `json:"partyVotes"`
}

// PartySum adds the per-party votes.
func (v Votes) PartySum() int {
	sum := 0
	for _, pv := range v.PartyVotes {
		sum += pv.Votes
	}
	return sum
}

// Location identifies the polling station of a tally sheet.
type Location struct {
	Department   string `json:"department"`
	Province     string `json:"province"`
	Municipality string `json:"municipality"`
	Locality     string `json:"locality"`
	PollingPlace string `json:"pollingPlace"`
}

// ExtractionRecord is the structured reading of one ballot.
type ExtractionRecord struct {
	TableCode               string                 `json:"tableCode"`
	TableNumber             string                 `json:"tableNumber"`
	Location                Location               `json:"location"`
	Votes                   Votes                  `json:"votes"`
	OverallConfidence       float64                `json:"confidence"`
	ConsistencyScore        float64                `json:"consistencyScore,omitempty"`
	NeedsManualVerification bool                   `json:"needsHumanVerification"`
	Source                  Source                 `json:"source"`
	Fields                  map[string]FieldResult `json:"fields,omitempty"`
	Flagged                 []string               `json:"flagged,omitempty"`
}

// Results is the payload of a COMPLETED result message.
type Results struct {
	TableCode   string   `json:"tableCode"`
	TableNumber string   `json:"tableNumber"`
	Votes       Votes    `json:"votes"`
	Location    Location `json:"location"`
}

// ResultsOf copies the reportable part of r.
func ResultsOf(r *ExtractionRecord) *Results {
	return &Results{TableCode: r.TableCode, TableNumber: r.TableNumber, Votes: r.Votes, Location: r.Location}
}
