package pipeline

import (
	"context"
	"errors"
	"log/slog"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/MeKo-Tech/tally/internal/errx"
	"github.com/MeKo-Tech/tally/internal/vision"
)

func decode(d *broker.Delivery, v any) error {
	if err := d.Decode(v); err != nil {
		return errorRegistry.NewWithCause(ErrMalformedMessage, err).
			WithDetail("queue", d.Queue).
			WithDetail("message_id", d.ID)
	}
	return nil
}

func malformed(d *broker.Delivery, msg string) error {
	return errorRegistry.NewWithMessage(ErrMalformedMessage, msg).
		WithDetail("queue", d.Queue).
		WithDetail("message_id", d.ID)
}

// HandleValidation validates the inbound image. Invalid images become
// REJECTED records; valid ones move to the OCR stage with the processed image.
func (p *Pipeline) HandleValidation(ctx context.Context, d *broker.Delivery) error {
	var req ballot.ValidationRequest
	if err := decode(d, &req); err != nil {
		return err
	}
	if req.BallotID == "" {
		return malformed(d, "missing ballotId")
	}

	insp, err := p.validator.Inspect(req.ImageBuffer)
	if err != nil {
		return err
	}
	v := insp.Validation.Result
	log := slog.With("ballot_id", req.BallotID, "image_hash", insp.ImageHash, "stage", StageValidation)

	if !v.IsValid {
		log.Info("Image rejected", "confidence", v.Confidence, "reason", v.Reason)
		return p.publishResult(ctx, ballot.Rejected(req.BallotID, insp.ImageHash, v))
	}

	processed, err := vision.EncodePNG(insp.Processed.Image)
	if err != nil {
		return errorRegistry.NewWithCause(ErrEncode, err).WithDetail("ballot_id", req.BallotID)
	}
	log.Info("Image validated", "confidence", v.Confidence)
	return p.broker.Publish(ctx, p.cfg.Queues.OCR, ballot.OCRRequest{
		BallotID:             req.BallotID,
		ImageHash:            insp.ImageHash,
		ProcessedImage:       processed,
		ImageBuffer:          req.ImageBuffer,
		ValidationConfidence: v.Confidence,
		TableBox:             tableBox(insp.TableBox()),
	})
}

// HandleOCR reads the processed image locally. Reader failures and records
// below the threshold go to the fallback stage when it is enabled.
func (p *Pipeline) HandleOCR(ctx context.Context, d *broker.Delivery) error {
	var req ballot.OCRRequest
	if err := decode(d, &req); err != nil {
		return err
	}
	if req.BallotID == "" || len(req.ProcessedImage) == 0 {
		return malformed(d, "missing ballotId or processed image")
	}
	img, _, err := vision.Decode(req.ProcessedImage)
	if err != nil {
		return errorRegistry.NewWithCause(ErrDecode, err).WithDetail("ballot_id", req.BallotID)
	}
	log := slog.With("ballot_id", req.BallotID, "image_hash", req.ImageHash, "stage", StageOCR)

	original := req.ImageBuffer
	if len(original) == 0 {
		original = req.ProcessedImage
	}

	rec, err := p.reader.Read(ctx, vision.ToGray(img), tableRect(req.TableBox))
	if err != nil {
		if ctx.Err() != nil {
			return err
		}
		log.Warn("Local extraction failed", "error", err)
		if p.fallback == nil {
			msg := ballot.Failed(req.BallotID, req.ImageHash, err.Error())
			msg.Source = ballot.SourceOCR
			return p.publishResult(ctx, msg)
		}
		return p.broker.Publish(ctx, p.cfg.Queues.Fallback, ballot.FallbackRequest{
			BallotID:             req.BallotID,
			ImageHash:            req.ImageHash,
			ImageBuffer:          original,
			ValidationConfidence: req.ValidationConfidence,
			Error:                err.Error(),
		})
	}
	localConfidence.Observe(rec.OverallConfidence)

	if rec.OverallConfidence < p.cfg.Threshold && rec.Source != ballot.SourceAnthropic {
		if p.fallback != nil {
			log.Info("Escalating to fallback", "confidence", rec.OverallConfidence, "threshold", p.cfg.Threshold)
			return p.broker.Publish(ctx, p.cfg.Queues.Fallback, ballot.FallbackRequest{
				BallotID:             req.BallotID,
				ImageHash:            req.ImageHash,
				ImageBuffer:          original,
				ValidationConfidence: req.ValidationConfidence,
				OCRResult:            rec,
			})
		}
		rec.NeedsManualVerification = true
	}

	log.Info("Extraction completed", "confidence", rec.OverallConfidence, "source", rec.Source)
	return p.publishResult(ctx, ballot.Completed(req.BallotID, req.ImageHash, rec))
}

// HandleFallback runs the remote extractor. A failure publishes an
// EXTRACTION_FAILED record and still returns an error so the inbound message
// is dead-lettered for review.
func (p *Pipeline) HandleFallback(ctx context.Context, d *broker.Delivery) error {
	if p.fallback == nil {
		return malformed(d, "fallback stage is disabled")
	}
	var req ballot.FallbackRequest
	if err := decode(d, &req); err != nil {
		return err
	}
	if req.BallotID == "" || len(req.ImageBuffer) == 0 {
		return malformed(d, "missing ballotId or image")
	}
	log := slog.With("ballot_id", req.BallotID, "image_hash", req.ImageHash, "stage", StageFallback)

	rec, err := p.fallback.Extract(ctx, req.ImageBuffer)
	if err != nil {
		fallbackCallsTotal.WithLabelValues("error").Inc()
		log.Error("Fallback extraction failed", "error", err, "code", errx.CodeOf(err))
		if perr := p.publishResult(ctx, ballot.Failed(req.BallotID, req.ImageHash, err.Error())); perr != nil {
			return errors.Join(err, perr)
		}
		return errorRegistry.NewWithCause(ErrExtraction, err).WithDetail("ballot_id", req.BallotID)
	}
	fallbackCallsTotal.WithLabelValues("success").Inc()

	if req.OCRResult != nil {
		log.Info("Fallback replaced local reading",
			"local_confidence", req.OCRResult.OverallConfidence,
			"confidence", rec.OverallConfidence)
	}
	return p.publishResult(ctx, ballot.Completed(req.BallotID, req.ImageHash, rec))
}

// HandleResult hands a terminal record to the sink.
func (p *Pipeline) HandleResult(ctx context.Context, d *broker.Delivery) error {
	if p.sink == nil {
		return malformed(d, "results stage is disabled")
	}
	var msg ballot.ResultMessage
	if err := decode(d, &msg); err != nil {
		return err
	}
	if msg.BallotID == "" || msg.Status == "" {
		return malformed(d, "missing ballotId or status")
	}
	_, err := p.sink.Handle(ctx, msg)
	return err
}
