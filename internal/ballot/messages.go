package ballot

import "time"

// ValidationRequest is the inbound message of the image validation stage.
// Byte slices travel as base64 strings.
type ValidationRequest struct {
	BallotID    string `json:"ballotId"`
	ImageBuffer []byte `json:"imageBuffer"`
}

// OCRRequest is published by the validation stage for valid images.
type OCRRequest struct {
	BallotID             string  `json:"ballotId"`
	ImageHash            string  `json:"imageHash"`
	ProcessedImage       []byte  `json:"processedImageBuffer"`
	ImageBuffer          []byte  `json:"imageBuffer,omitempty"`
	ValidationConfidence float64 `json:"validationConfidence"`
	TableBox             [4]int  `json:"tableBox"`
}

// FallbackRequest asks the fallback stage to read an image the OCR stage
// could not read with enough confidence. Exactly one of OCRResult and Error
// is set.
type FallbackRequest struct {
	BallotID             string            `json:"ballotId"`
	ImageHash            string            `json:"imageHash"`
	ImageBuffer          []byte            `json:"imageBuffer"`
	ValidationConfidence float64           `json:"validationConfidence"`
	OCRResult            *ExtractionRecord `json:"ocrResult,omitempty"`
	Error                string            `json:"error,omitempty"`
}

// ResultMessage is the terminal record of a ballot.
type ResultMessage struct {
	BallotID               string    `json:"ballotId"`
	ImageHash              string    `json:"imageHash"`
	Status                 Status    `json:"status"`
	Results                *Results  `json:"results,omitempty"`
	Confidence             float64   `json:"confidence"`
	Source                 Source    `json:"source,omitempty"`
	NeedsHumanVerification bool      `json:"needsHumanVerification"`
	Reason                 string    `json:"reason,omitempty"`
	Error                  string    `json:"error,omitempty"`
	ProcessedAt            time.Time `json:"processedAt"`
}

// Rejected builds the terminal record of an image the validator refused.
func Rejected(ballotID, imageHash string, v ValidationResult) ResultMessage {
	return ResultMessage{
		BallotID:    ballotID,
		ImageHash:   imageHash,
		Status:      StatusRejected,
		Confidence:  v.Confidence,
		Reason:      v.Reason,
		ProcessedAt: time.Now().UTC(),
	}
}

// Completed builds the terminal record of a successful extraction.
func Completed(ballotID, imageHash string, r *ExtractionRecord) ResultMessage {
	return ResultMessage{
		BallotID:               ballotID,
		ImageHash:              imageHash,
		Status:                 StatusCompleted,
		Results:                ResultsOf(r),
		Confidence:             r.OverallConfidence,
		Source:                 r.Source,
		NeedsHumanVerification: r.NeedsManualVerification,
		ProcessedAt:            time.Now().UTC(),
	}
}

// Failed builds the terminal record of an extraction that failed everywhere.
func Failed(ballotID, imageHash, errMsg string) ResultMessage {
	return ResultMessage{
		BallotID:               ballotID,
		ImageHash:              imageHash,
		Status:                 StatusExtractionFailed,
		Source:                 SourceAnthropicError,
		NeedsHumanVerification: true,
		Error:                  errMsg,
		ProcessedAt:            time.Now().UTC(),
	}
}
