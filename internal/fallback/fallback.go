// Package fallback reads a tally sheet with a multimodal Anthropic model when
// local OCR is not confident enough. It makes exactly one request per call;
// retrying is left to the pipeline.
package fallback

import (
	"bytes"
	"context"
	_ "embed"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"log/slog"
	"math"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schema.json
var schemaJSON []byte

// DefaultConfidence is used when the model does not report a confidence.
const DefaultConfidence = 0.5

const prompt = `Extract the following information from this photograph of an electoral tally sheet (acta electoral).

1. The table code and table number (mesa), taken only from the PRESIDENTE/A section.
2. The polling station location: department, province, municipality, locality and polling place.
3. The vote counts:
   - valid votes (total)
   - null votes
   - blank votes
   - votes per political party, keyed by the party acronym printed on the sheet (for example CC, MAS-IPSP)

Answer with the extracted values only, without explanations, as one JSON object with this structure:

{
  "tableCode": "string",
  "tableNumber": "string",
  "location": {
    "department": "string",
    "province": "string",
    "municipality": "string",
    "locality": "string",
    "pollingPlace": "string"
  },
  "votes": {
    "validVotes": number,
    "nullVotes": number,
    "blankVotes": number,
    "partyVotes": [
      {"partyId": "string", "votes": number}
    ]
  },
  "confidence": number
}

Include only data you can read clearly in the image. Use null or 0 for values you cannot see.
"confidence" is your own estimate between 0 and 1 of how reliable the extracted numbers are.`

// Config holds the fallback client settings.
type Config struct {
	APIKey         string        `mapstructure:"api_key" yaml:"api_key" json:"-"`                // falls back to ANTHROPIC_API_KEY
	BaseURL        string        `mapstructure:"base_url" yaml:"base_url" json:"base_url"`       // empty uses the SDK default
	Model          string        `mapstructure:"model" yaml:"model" json:"model"`                // (default: claude-3-7-sonnet-20250219)
	MaxTokens      int           `mapstructure:"max_tokens" yaml:"max_tokens" json:"max_tokens"` // (default: 4096)
	Timeout        time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`          // per request (default: 60s)
	Threshold      float64       `mapstructure:"threshold" yaml:"threshold" json:"threshold"`    // below this the record needs a human (default: 0.7)
	ValidateSchema bool          `mapstructure:"validate_schema" yaml:"validate_schema" json:"validate_schema"`
}

// DefaultConfig returns the default fallback configuration.
func DefaultConfig() Config {
	return Config{
		Model:          "claude-3-7-sonnet-20250219",
		MaxTokens:      4096,
		Timeout:        60 * time.Second,
		Threshold:      0.7,
		ValidateSchema: true,
	}
}

// Extractor calls the Anthropic Messages API.
type Extractor struct {
	cfg    Config
	client anthropic.Client
	schema *jsonschema.Schema
}

// New creates an Extractor. Extra request options are appended after the
// ones derived from cfg.
func New(cfg Config, opts ...option.RequestOption) (*Extractor, error) {
	if cfg.APIKey == "" {
		cfg.APIKey = os.Getenv("ANTHROPIC_API_KEY")
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 4096
	}

	options := []option.RequestOption{option.WithAPIKey(cfg.APIKey), option.WithMaxRetries(0)}
	if cfg.BaseURL != "" {
		options = append(options, option.WithBaseURL(cfg.BaseURL))
	}
	options = append(options, opts...)

	e := &Extractor{cfg: cfg, client: anthropic.NewClient(options...)}
	if cfg.ValidateSchema {
		compiler := jsonschema.NewCompiler()
		if err := compiler.AddResource("extraction.json", bytes.NewReader(schemaJSON)); err != nil {
			return nil, fmt.Errorf("add schema: %w", err)
		}
		schema, err := compiler.Compile("extraction.json")
		if err != nil {
			return nil, fmt.Errorf("compile schema: %w", err)
		}
		e.schema = schema
	}
	return e, nil
}

// Config returns the fallback configuration.
func (e *Extractor) Config() Config { return e.cfg }

// Extract sends the image to the model and returns the record it read.
// All failures are *errx.Error values from this package.
func (e *Extractor) Extract(ctx context.Context, img []byte) (*ballot.ExtractionRecord, error) {
	if e.cfg.APIKey == "" {
		return nil, errorRegistry.New(ErrMissingAPIKey)
	}

	mediaType, data, err := encodeImage(img)
	if err != nil {
		return nil, errorRegistry.NewWithCause(ErrImage, err)
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	start := time.Now()
	message, err := e.client.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: int64(e.cfg.MaxTokens),
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(
				anthropic.NewTextBlock(prompt),
				anthropic.NewImageBlockBase64(mediaType, data),
			),
		},
	})
	if err != nil {
		apiErr := parseAPIError(err)
		slog.Error("Fallback request failed", "error", err, "status", StatusOf(apiErr))
		return nil, apiErr
	}

	var text strings.Builder
	for _, block := range message.Content {
		if block.Type == "text" {
			text.WriteString(block.Text)
		}
	}
	if text.Len() == 0 {
		return nil, errorRegistry.New(ErrEmptyResponse)
	}

	rec, err := e.parse(text.String())
	if err != nil {
		return nil, err
	}
	slog.Debug("Fallback extraction",
		"model", e.cfg.Model,
		"confidence", rec.OverallConfidence,
		"duration", time.Since(start))
	return rec, nil
}

// loose decodes a JSON string or number into a string; null decodes to "".
type loose string

func (l *loose) UnmarshalJSON(b []byte) error {
	if string(b) == "null" {
		*l = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(b, &s); err == nil {
		*l = loose(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*l = loose(n.String())
	return nil
}

type reply struct {
	TableCode   loose `json:"tableCode"`
	TableNumber loose `json:"tableNumber"`
	Location    struct {
		Department   loose `json:"department"`
		Province     loose `json:"province"`
		Municipality loose `json:"municipality"`
		Locality     loose `json:"locality"`
		PollingPlace loose `json:"pollingPlace"`
	} `json:"location"`
	Votes      ballot.Votes `json:"votes"`
	Confidence *float64     `json:"confidence"`
}

func (e *Extractor) parse(text string) (*ballot.ExtractionRecord, error) {
	raw, ok := FirstJSONObject(text)
	if !ok {
		return nil, errorRegistry.New(ErrNoJSON).WithDetail("response", truncate(text, 500))
	}

	if e.schema != nil {
		var v any
		if err := json.Unmarshal([]byte(raw), &v); err != nil {
			return nil, errorRegistry.NewWithCause(ErrInvalidJSON, err)
		}
		if err := e.schema.Validate(v); err != nil {
			return nil, errorRegistry.NewWithCause(ErrSchemaMismatch, err)
		}
	}

	var r reply
	if err := json.Unmarshal([]byte(raw), &r); err != nil {
		return nil, errorRegistry.NewWithCause(ErrInvalidJSON, err)
	}

	confidence := DefaultConfidence
	if r.Confidence != nil {
		confidence = math.Max(0, math.Min(1, *r.Confidence))
	}
	tableCode := string(r.TableCode)
	if tableCode == "" {
		tableCode = string(r.TableNumber)
	}
	if r.Votes.PartyVotes == nil {
		r.Votes.PartyVotes = []ballot.PartyVote{}
	}
	return &ballot.ExtractionRecord{
		TableCode:   tableCode,
		TableNumber: string(r.TableNumber),
		Location: ballot.Location{
			Department:   string(r.Location.Department),
			Province:     string(r.Location.Province),
			Municipality: string(r.Location.Municipality),
			Locality:     string(r.Location.Locality),
			PollingPlace: string(r.Location.PollingPlace),
		},
		Votes:                   r.Votes,
		OverallConfidence:       confidence,
		NeedsManualVerification: confidence < e.cfg.Threshold,
		Source:                  ballot.SourceAnthropic,
	}, nil
}

// FirstJSONObject returns the first balanced {...} object in s. Braces
// inside JSON strings are ignored.
func FirstJSONObject(s string) (string, bool) {
	start := strings.IndexByte(s, '{')
	if start < 0 {
		return "", false
	}
	depth := 0
	inString, escaped := false, false
	for i := start; i < len(s); i++ {
		c := s[i]
		if inString {
			switch {
			case escaped:
				escaped = false
			case c == '\\':
				escaped = true
			case c == '"':
				inString = false
			}
			continue
		}
		switch c {
		case '"':
			inString = true
		case '{':
			depth++
		case '}':
			depth--
			if depth == 0 {
				return s[start : i+1], true
			}
		}
	}
	return "", false
}

// encodeImage returns the media type and base64 data of img. Formats the
// API does not accept are re-encoded as PNG.
func encodeImage(img []byte) (string, string, error) {
	if len(img) == 0 {
		return "", "", fmt.Errorf("empty image")
	}
	mediaType := http.DetectContentType(img)
	switch mediaType {
	case "image/jpeg", "image/png", "image/gif", "image/webp":
	default:
		decoded, _, err := vision.Decode(img)
		if err != nil {
			return "", "", err
		}
		img, err = vision.EncodePNG(decoded)
		if err != nil {
			return "", "", err
		}
		mediaType = "image/png"
	}
	return mediaType, base64.StdEncoding.EncodeToString(img), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
