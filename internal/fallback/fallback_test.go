package fallback

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/errx"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sheetJSON = `{
  "tableCode": "10234",
  "tableNumber": 10234,
  "location": {"department": "LA PAZ", "province": "MURILLO", "municipality": null},
  "votes": {
    "validVotes": 262, "nullVotes": 3, "blankVotes": 5,
    "partyVotes": [{"partyId": "CC", "votes": 120}, {"partyId": "MAS-IPSP", "votes": 142}]
  },
  "confidence": 0.85
}`

type messagesServer struct {
	*httptest.Server
	calls atomic.Int32
	body  atomic.Value
}

func newMessagesServer(t *testing.T, status int, text string) *messagesServer {
	t.Helper()
	s := &messagesServer{}
	s.Server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.calls.Add(1)
		b, _ := io.ReadAll(r.Body)
		s.body.Store(b)
		w.Header().Set("Content-Type", "application/json")
		if status != http.StatusOK {
			w.WriteHeader(status)
			_, _ = w.Write([]byte(`{"type":"error","error":{"type":"api_error","message":"internal failure"}}`))
			return
		}
		resp := map[string]any{
			"id":            "msg_test",
			"type":          "message",
			"role":          "assistant",
			"model":         "claude-3-7-sonnet-20250219",
			"stop_reason":   "end_turn",
			"stop_sequence": nil,
			"content":       []map[string]any{{"type": "text", "text": text}},
			"usage":         map[string]any{"input_tokens": 10, "output_tokens": 20},
		}
		_ = json.NewEncoder(w).Encode(resp)
	}))
	t.Cleanup(s.Close)
	return s
}

func newExtractor(t *testing.T, url string) *Extractor {
	t.Helper()
	cfg := DefaultConfig()
	cfg.APIKey = "test-key"
	cfg.BaseURL = url
	e, err := New(cfg)
	require.NoError(t, err)
	return e
}

func pngImage(t *testing.T) []byte {
	t.Helper()
	b, err := vision.EncodePNG(vision.NewBlank(20, 10, 255))
	require.NoError(t, err)
	return b
}

func TestExtract_Success(t *testing.T) {
	srv := newMessagesServer(t, http.StatusOK, "Here is the data:\n```json\n"+sheetJSON+"\n```\nLet me know {if} you need more.")
	rec, err := newExtractor(t, srv.URL).Extract(context.Background(), pngImage(t))
	require.NoError(t, err)

	assert.Equal(t, ballot.SourceAnthropic, rec.Source)
	assert.Equal(t, "10234", rec.TableCode)
	assert.Equal(t, "10234", rec.TableNumber)
	assert.Equal(t, "LA PAZ", rec.Location.Department)
	assert.Empty(t, rec.Location.Municipality)
	assert.Equal(t, 262, rec.Votes.ValidVotes)
	assert.Equal(t, 262, rec.Votes.PartySum())
	assert.InDelta(t, 0.85, rec.OverallConfidence, 1e-9)
	assert.False(t, rec.NeedsManualVerification)
	assert.EqualValues(t, 1, srv.calls.Load())

	var req struct {
		Model     string `json:"model"`
		MaxTokens int    `json:"max_tokens"`
		Messages  []struct {
			Content []struct {
				Type   string `json:"type"`
				Source struct {
					MediaType string `json:"media_type"`
				} `json:"source"`
			} `json:"content"`
		} `json:"messages"`
	}
	require.NoError(t, json.Unmarshal(srv.body.Load().([]byte), &req))
	assert.Equal(t, "claude-3-7-sonnet-20250219", req.Model)
	assert.Equal(t, 4096, req.MaxTokens)
	require.Len(t, req.Messages, 1)
	require.Len(t, req.Messages[0].Content, 2)
	assert.Equal(t, "image", req.Messages[0].Content[1].Type)
	assert.Equal(t, "image/png", req.Messages[0].Content[1].Source.MediaType)
}

func TestExtract_DefaultConfidence(t *testing.T) {
	srv := newMessagesServer(t, http.StatusOK, `{"tableNumber": "7", "votes": {"validVotes": 1, "nullVotes": 0, "blankVotes": 0, "partyVotes": []}}`)
	rec, err := newExtractor(t, srv.URL).Extract(context.Background(), pngImage(t))
	require.NoError(t, err)
	assert.InDelta(t, DefaultConfidence, rec.OverallConfidence, 1e-9)
	assert.True(t, rec.NeedsManualVerification)
	assert.Equal(t, "7", rec.TableCode)
}

func TestExtract_MissingAPIKey(t *testing.T) {
	t.Setenv("ANTHROPIC_API_KEY", "")
	srv := newMessagesServer(t, http.StatusOK, sheetJSON)
	cfg := DefaultConfig()
	cfg.BaseURL = srv.URL
	e, err := New(cfg)
	require.NoError(t, err)

	_, err = e.Extract(context.Background(), pngImage(t))
	require.ErrorIs(t, err, errorRegistry.New(ErrMissingAPIKey))
	assert.Zero(t, srv.calls.Load())
}

func TestExtract_HTTPError(t *testing.T) {
	srv := newMessagesServer(t, http.StatusInternalServerError, "")
	_, err := newExtractor(t, srv.URL).Extract(context.Background(), pngImage(t))
	require.Error(t, err)
	assert.Equal(t, ErrAPIRequest.Code, errx.CodeOf(err))
	assert.Equal(t, http.StatusInternalServerError, StatusOf(err))
	assert.Equal(t, http.StatusBadGateway, errx.HTTPStatus(err))

	var coded *errx.Error
	require.ErrorAs(t, err, &coded)
	assert.Contains(t, coded.Details["body"], "internal failure")
	// no retries at this layer
	assert.EqualValues(t, 1, srv.calls.Load())
}

func TestExtract_ResponseErrors(t *testing.T) {
	tests := []struct {
		name string
		text string
		code *errx.ErrorCode
	}{
		{"no json", "I cannot read this image.", ErrNoJSON},
		{"unbalanced", `{"tableNumber": "1", "votes": {`, ErrNoJSON},
		{"schema mismatch", `{"tableNumber": "1"}`, ErrSchemaMismatch},
		{"negative votes", `{"tableNumber": "1", "votes": {"validVotes": -4, "nullVotes": 0, "blankVotes": 0, "partyVotes": []}}`, ErrSchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := newMessagesServer(t, http.StatusOK, tt.text)
			_, err := newExtractor(t, srv.URL).Extract(context.Background(), pngImage(t))
			require.Error(t, err)
			assert.Equal(t, tt.code.Code, errx.CodeOf(err))
		})
	}
}

func TestExtract_SchemaValidationDisabled(t *testing.T) {
	srv := newMessagesServer(t, http.StatusOK, `{"tableNumber": "1"}`)
	cfg := DefaultConfig()
	cfg.APIKey = "k"
	cfg.BaseURL = srv.URL
	cfg.ValidateSchema = false
	e, err := New(cfg)
	require.NoError(t, err)

	rec, err := e.Extract(context.Background(), pngImage(t))
	require.NoError(t, err)
	assert.Empty(t, rec.Votes.PartyVotes)
	assert.NotNil(t, rec.Votes.PartyVotes)
}

func TestFirstJSONObject(t *testing.T) {
	tests := []struct {
		in   string
		want string
		ok   bool
	}{
		{`{"a":1}`, `{"a":1}`, true},
		{`prefix {"a":{"b":2}} suffix {"c":3}`, `{"a":{"b":2}}`, true},
		{`{"s":"brace } in string","t":"\"{"}`, `{"s":"brace } in string","t":"\"{"}`, true},
		{`no object`, "", false},
		{`{"open":`, "", false},
	}
	for _, tt := range tests {
		got, ok := FirstJSONObject(tt.in)
		assert.Equal(t, tt.ok, ok, tt.in)
		assert.Equal(t, tt.want, got, tt.in)
	}
}

func TestEncodeImage(t *testing.T) {
	mt, data, err := encodeImage(pngImage(t))
	require.NoError(t, err)
	assert.Equal(t, "image/png", mt)
	assert.NotEmpty(t, data)

	_, _, err = encodeImage(nil)
	require.Error(t, err)
	_, _, err = encodeImage([]byte("not an image"))
	require.Error(t, err)
}
