// Package results persists the terminal record of every ballot, answers
// aggregate queries over them and fans new records out to live subscribers.
//
// Records are keyed by image hash. The first terminal record of an image
// wins, except that a COMPLETED record replaces a stored REJECTED or
// EXTRACTION_FAILED one; any other duplicate is dropped.
package results

import (
	"context"
	"net/http"
	"strings"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/errx"
)

var errorRegistry = errx.NewRegistry("RESULTS")

var (
	ErrNotFound  = errorRegistry.Register("NOT_FOUND", errx.TypeNotFound, http.StatusNotFound, "Result not found")
	ErrDuplicate = errorRegistry.Register("DUPLICATE", errx.TypeConflict, http.StatusConflict, "A terminal record already exists for this image")
	ErrStore     = errorRegistry.Register("STORE", errx.TypeExternal, http.StatusServiceUnavailable, "Result store failure")
	ErrExport    = errorRegistry.Register("EXPORT", errx.TypeInternal, http.StatusInternalServerError, "Failed to export results")
)

// Store persists terminal records.
type Store interface {
	// Save stores msg unless the dedupe rule drops it, and reports whether
	// it was stored.
	Save(ctx context.Context, msg ballot.ResultMessage) (bool, error)
	Get(ctx context.Context, key string) (*ballot.ResultMessage, error)
	// List returns the matching records in the order they were first stored.
	List(ctx context.Context, f Filter) ([]ballot.ResultMessage, error)
	Close() error
}

// Key returns the dedupe key of msg: its image hash, or its ballot id when
// the hash is unknown.
func Key(msg ballot.ResultMessage) string {
	if msg.ImageHash != "" {
		return msg.ImageHash
	}
	return "ballot:" + msg.BallotID
}

// Supersedes reports whether incoming may replace existing.
func Supersedes(existing *ballot.ResultMessage, incoming ballot.ResultMessage) bool {
	if existing == nil {
		return true
	}
	return existing.Status != ballot.StatusCompleted && incoming.Status == ballot.StatusCompleted
}

// Filter selects records. Empty fields match everything; location fields
// compare case-insensitively.
type Filter struct {
	Status       ballot.Status `json:"status,omitempty"`
	Department   string        `json:"department,omitempty"`
	Province     string        `json:"province,omitempty"`
	Municipality string        `json:"municipality,omitempty"`
	TableNumber  string        `json:"tableNumber,omitempty"`
	Limit        int           `json:"-"`
}

// Match reports whether msg passes the filter, ignoring Limit.
func (f Filter) Match(msg ballot.ResultMessage) bool {
	if f.Status != "" && msg.Status != f.Status {
		return false
	}
	if f.Department == "" && f.Province == "" && f.Municipality == "" && f.TableNumber == "" {
		return true
	}
	if msg.Results == nil {
		return false
	}
	loc := msg.Results.Location
	return matchFold(f.Department, loc.Department) &&
		matchFold(f.Province, loc.Province) &&
		matchFold(f.Municipality, loc.Municipality) &&
		(f.TableNumber == "" || f.TableNumber == msg.Results.TableNumber)
}

func matchFold(want, got string) bool {
	return want == "" || strings.EqualFold(strings.TrimSpace(want), strings.TrimSpace(got))
}

func limit(out []ballot.ResultMessage, n int) []ballot.ResultMessage {
	if n > 0 && len(out) > n {
		return out[:n]
	}
	return out
}
