package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/MeKo-Tech/tally/internal/version"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/google/uuid"
)

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status  string `json:"status"`
	Version string `json:"version,omitempty"`
	Time    string `json:"time"`
}

// ImageRequest carries a base64 image, optionally with a ballot id.
type ImageRequest struct {
	BallotID string `json:"ballotId,omitempty"`
	Image    []byte `json:"image"`
}

// Dimensions of a processed image.
type Dimensions struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// ProcessResponse is the body of POST /process.
type ProcessResponse struct {
	ImageHash      string                  `json:"imageHash"`
	ProcessedImage []byte                  `json:"processedImage"`
	Dimensions     Dimensions              `json:"dimensions"`
	Validation     ballot.ValidationResult `json:"validation"`
}

// SubmitResponse is the body of POST /ballots.
type SubmitResponse struct {
	BallotID  string `json:"ballotId"`
	ImageHash string `json:"imageHash"`
}

// ReplayRequest is the body of POST /admin/dlq/replay.
type ReplayRequest struct {
	DLQName     string `json:"dlqName"`
	TargetQueue string `json:"targetQueue"`
	Count       *int   `json:"count,omitempty"`
}

// ReplayResponse reports how many messages were moved.
type ReplayResponse struct {
	Success   bool   `json:"success"`
	Processed int    `json:"processed"`
	Message   string `json:"message"`
}

const defaultReplayCount = 10

func (s *Server) healthHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodGet) {
		return
	}
	writeJSON(w, http.StatusOK, HealthResponse{
		Status:  "ok",
		Version: version.Short(),
		Time:    time.Now().UTC().Format(time.RFC3339),
	})
}

// readImage reads an image from a JSON body {image: base64} or from the
// "image" field of a multipart form.
func (s *Server) readImage(w http.ResponseWriter, r *http.Request) (ImageRequest, bool) {
	limit := s.cfg.MaxUploadMB * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, limit)

	var req ImageRequest
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		if err := r.ParseMultipartForm(limit); err != nil {
			writeMessage(w, http.StatusBadRequest, "Failed to parse form data")
			return req, false
		}
		file, _, err := r.FormFile("image")
		if err != nil {
			writeMessage(w, http.StatusBadRequest, "No image data provided")
			return req, false
		}
		defer func() { _ = file.Close() }()
		if req.Image, err = io.ReadAll(file); err != nil {
			writeMessage(w, http.StatusBadRequest, "Failed to read image data")
			return req, false
		}
		req.BallotID = r.FormValue("ballotId")
	} else if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		status := http.StatusBadRequest
		if strings.Contains(err.Error(), "request body too large") {
			status = http.StatusRequestEntityTooLarge
		}
		writeMessage(w, status, fmt.Sprintf("Invalid request body: %v", err))
		return req, false
	}

	if len(req.Image) == 0 {
		writeMessage(w, http.StatusBadRequest, "No image data provided")
		return req, false
	}
	uploadSizeBytes.Observe(float64(len(req.Image)))
	return req, true
}

// processHandler validates an image synchronously and returns a preview.
func (s *Server) processHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	req, ok := s.readImage(w, r)
	if !ok {
		return
	}
	insp, err := s.inspector.Inspect(req.Image)
	if err != nil {
		writeError(w, err)
		return
	}
	preview, err := vision.EncodePNG(insp.Processed.Gray)
	if err != nil {
		writeError(w, err)
		return
	}
	v := insp.Validation.Result
	previewsTotal.WithLabelValues(strconv.FormatBool(v.IsValid)).Inc()
	slog.Info("Processed preview", "image_hash", insp.ImageHash, "valid", v.IsValid, "confidence", v.Confidence)

	b := insp.Processed.Gray.Bounds()
	writeJSON(w, http.StatusOK, ProcessResponse{
		ImageHash:      insp.ImageHash,
		ProcessedImage: preview,
		Dimensions:     Dimensions{Width: b.Dx(), Height: b.Dy()},
		Validation:     v,
	})
}

// ballotsHandler queues an image for the pipeline.
func (s *Server) ballotsHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.submitter == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Ballot submission is not configured")
		return
	}
	req, ok := s.readImage(w, r)
	if !ok {
		return
	}
	if _, _, err := vision.Decode(req.Image); err != nil {
		writeMessage(w, http.StatusBadRequest, "Invalid image format")
		return
	}
	if req.BallotID == "" {
		req.BallotID = uuid.NewString()
	}
	if err := s.submitter.Submit(r.Context(), req.BallotID, req.Image); err != nil {
		writeError(w, err)
		return
	}
	ballotsSubmittedTotal.Inc()
	hash := ballot.HashImage(req.Image)
	slog.Info("Ballot submitted", "ballot_id", req.BallotID, "image_hash", hash)
	writeJSON(w, http.StatusAccepted, SubmitResponse{BallotID: req.BallotID, ImageHash: hash})
}

func filterFromQuery(r *http.Request) (results.Filter, error) {
	q := r.URL.Query()
	f := results.Filter{
		Status:       ballot.Status(strings.ToUpper(q.Get("status"))),
		Department:   q.Get("department"),
		Province:     q.Get("province"),
		Municipality: q.Get("municipality"),
		TableNumber:  q.Get("tableNumber"),
	}
	switch f.Status {
	case "", ballot.StatusCompleted, ballot.StatusRejected, ballot.StatusExtractionFailed:
	default:
		return f, fmt.Errorf("unknown status %q", f.Status)
	}
	if l := q.Get("limit"); l != "" {
		n, err := strconv.Atoi(l)
		if err != nil || n < 0 {
			return f, fmt.Errorf("invalid limit %q", l)
		}
		f.Limit = n
	}
	return f, nil
}

func (s *Server) resultsReady(w http.ResponseWriter, r *http.Request) bool {
	if !requireMethod(w, r, http.MethodGet) {
		return false
	}
	if s.results == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Results store is not configured")
		return false
	}
	return true
}

// resultsHandler lists stored terminal records.
func (s *Server) resultsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.resultsReady(w, r) {
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	msgs, err := s.results.Store().List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	if msgs == nil {
		msgs = []ballot.ResultMessage{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"results": msgs, "count": len(msgs)})
}

// summaryHandler aggregates party votes over COMPLETED records.
func (s *Server) summaryHandler(w http.ResponseWriter, r *http.Request) {
	if !s.resultsReady(w, r) {
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.results.Summary(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

func (s *Server) tableHandler(w http.ResponseWriter, r *http.Request) {
	if !s.resultsReady(w, r) {
		return
	}
	tr, err := s.results.Table(r.Context(), r.PathValue("tableNumber"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, tr)
}

func (s *Server) statisticsHandler(w http.ResponseWriter, r *http.Request) {
	if !s.resultsReady(w, r) {
		return
	}
	st, err := s.results.Statistics(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, st)
}

// exportHandler streams the summary and all matching records as a workbook.
func (s *Server) exportHandler(w http.ResponseWriter, r *http.Request) {
	if !s.resultsReady(w, r) {
		return
	}
	f, err := filterFromQuery(r)
	if err != nil {
		writeMessage(w, http.StatusBadRequest, err.Error())
		return
	}
	sum, err := s.results.Summary(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	msgs, err := s.results.Store().List(r.Context(), f)
	if err != nil {
		writeError(w, err)
		return
	}
	var buf bytes.Buffer
	if err := results.ExportXLSX(&buf, sum, msgs); err != nil {
		writeError(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet")
	w.Header().Set("Content-Disposition", `attachment; filename="results.xlsx"`)
	_, _ = w.Write(buf.Bytes())
}

// replayHandler moves dead-lettered messages back to a stage queue.
func (s *Server) replayHandler(w http.ResponseWriter, r *http.Request) {
	if !requireMethod(w, r, http.MethodPost) {
		return
	}
	if s.submitter == nil {
		writeMessage(w, http.StatusServiceUnavailable, "Broker is not configured")
		return
	}
	var req ReplayRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeMessage(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.DLQName == "" || req.TargetQueue == "" {
		writeMessage(w, http.StatusBadRequest, "dlqName and targetQueue are required")
		return
	}
	if len(s.queues) > 0 && (!s.queues[req.TargetQueue] || !s.queues[strings.TrimSuffix(req.DLQName, broker.DLQSuffix)]) {
		writeMessage(w, http.StatusBadRequest, "Unknown queue")
		return
	}
	count := defaultReplayCount
	if req.Count != nil {
		count = *req.Count
	}

	n, err := s.submitter.Replay(r.Context(), req.DLQName, req.TargetQueue, count)
	if err != nil {
		writeError(w, err)
		return
	}
	slog.Info("Replayed dead-lettered messages", "dlq", req.DLQName, "target", req.TargetQueue, "count", n)
	writeJSON(w, http.StatusOK, ReplayResponse{
		Success:   true,
		Processed: n,
		Message:   fmt.Sprintf("Moved %d messages from %s to %s", n, req.DLQName, req.TargetQueue),
	})
}
