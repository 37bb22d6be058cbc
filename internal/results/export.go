package results

import (
	"bytes"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/xuri/excelize/v2"
)

const (
	summarySheet = "Summary"
	recordsSheet = "Records"
)

// ExportXLSX writes a workbook with the party summary and one row per record.
// Party columns of the record sheet follow the order of summary.Parties.
func ExportXLSX(w io.Writer, summary Summary, msgs []ballot.ResultMessage) error {
	start := time.Now()
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", summarySheet); err != nil {
		return errorRegistry.NewWithCause(ErrExport, err)
	}
	if _, err := f.NewSheet(recordsSheet); err != nil {
		return errorRegistry.NewWithCause(ErrExport, err)
	}

	writeSummary(f, summary)
	writeRecords(f, summary, msgs)

	_ = f.SetColWidth(summarySheet, "A", "A", 18)
	_ = f.SetColWidth(recordsSheet, "A", "B", 38)
	_ = f.SetColWidth(recordsSheet, "C", "I", 16)

	var buf bytes.Buffer
	if err := f.Write(&buf); err != nil {
		return errorRegistry.NewWithCause(ErrExport, fmt.Errorf("xlsx write: %w", err))
	}
	if _, err := w.Write(buf.Bytes()); err != nil {
		return errorRegistry.NewWithCause(ErrExport, err)
	}
	slog.Info("Exported results",
		"records", len(msgs),
		"parties", len(summary.Parties),
		"elapsed_ms", time.Since(start).Milliseconds())
	return nil
}

func setRow(f *excelize.File, sheet string, row int, values ...any) {
	cell, _ := excelize.CoordinatesToCellName(1, row)
	_ = f.SetSheetRow(sheet, cell, &values)
}

func writeSummary(f *excelize.File, s Summary) {
	setRow(f, summarySheet, 1, "Party", "Votes", "Tally sheets", "Percentage")
	row := 2
	for _, p := range s.Parties {
		setRow(f, summarySheet, row, p.PartyID, p.TotalVotes, p.BallotCount, p.Percentage)
		row++
	}
	row++
	setRow(f, summarySheet, row, "Valid votes", s.Totals.ValidVotes)
	setRow(f, summarySheet, row+1, "Blank votes", s.Totals.BlankVotes)
	setRow(f, summarySheet, row+2, "Null votes", s.Totals.NullVotes)
	setRow(f, summarySheet, row+3, "Tally sheets", s.Totals.TotalBallots)
	setRow(f, summarySheet, row+4, "Needs review", s.Totals.NeedsReview)
	setRow(f, summarySheet, row+5, "Generated at", s.GeneratedAt.Format(time.RFC3339))
}

func writeRecords(f *excelize.File, s Summary, msgs []ballot.ResultMessage) {
	header := []any{"Ballot", "Image hash", "Status", "Source", "Confidence", "Needs review",
		"Table", "Department", "Province", "Municipality", "Valid", "Blank", "Null"}
	for _, p := range s.Parties {
		header = append(header, p.PartyID)
	}
	header = append(header, "Reason")
	setRow(f, recordsSheet, 1, header...)

	for i, msg := range msgs {
		values := []any{msg.BallotID, msg.ImageHash, string(msg.Status), string(msg.Source),
			msg.Confidence, msg.NeedsHumanVerification}
		if r := msg.Results; r != nil {
			values = append(values, r.TableNumber, r.Location.Department, r.Location.Province,
				r.Location.Municipality, r.Votes.ValidVotes, r.Votes.BlankVotes, r.Votes.NullVotes)
			votes := make(map[string]int, len(r.Votes.PartyVotes))
			for _, pv := range r.Votes.PartyVotes {
				votes[pv.PartyID] += pv.Votes
			}
			for _, p := range s.Parties {
				values = append(values, votes[p.PartyID])
			}
		} else {
			for range 7 + len(s.Parties) {
				values = append(values, "")
			}
		}
		reason := msg.Reason
		if reason == "" {
			reason = msg.Error
		}
		values = append(values, reason)
		setRow(f, recordsSheet, i+2, values...)
	}
}
