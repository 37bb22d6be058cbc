package results

import (
	"context"
	"log/slog"

	"github.com/MeKo-Tech/tally/internal/ballot"
)

// Sink consumes terminal records: it stores them and broadcasts the ones
// that were stored.
type Sink struct {
	store Store
	hub   *Hub
}

// NewSink creates a Sink. hub may be nil.
func NewSink(store Store, hub *Hub) *Sink {
	return &Sink{store: store, hub: hub}
}

// Handle stores msg and reports whether it was kept. A dropped duplicate is
// not an error.
func (s *Sink) Handle(ctx context.Context, msg ballot.ResultMessage) (bool, error) {
	stored, err := s.store.Save(ctx, msg)
	if err != nil {
		return false, err
	}
	if !stored {
		slog.Info("Dropped duplicate terminal record",
			"ballot_id", msg.BallotID,
			"image_hash", msg.ImageHash,
			"status", msg.Status)
		return false, nil
	}
	slog.Info("Stored terminal record",
		"ballot_id", msg.BallotID,
		"image_hash", msg.ImageHash,
		"status", msg.Status,
		"source", msg.Source,
		"confidence", msg.Confidence)
	if s.hub != nil {
		s.hub.Broadcast(msg)
	}
	return true, nil
}
