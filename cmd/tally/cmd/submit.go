package cmd

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/scan"
	"github.com/MeKo-Tech/tally/internal/vision"
	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

// submitCmd queues ballot images.
var submitCmd = &cobra.Command{
	Use:   "submit <file>...",
	Short: "Queue ballot images or scanned PDFs for extraction",
	Long: `Publish one validation request per image. Every image embedded in a PDF
is submitted as its own ballot. Each submission prints one JSON line with
its ballot id and image hash.

Examples:
  tally submit acta-001.jpg acta-002.png
  tally submit scans.pdf --pages 1-10
  tally submit acta-001.jpg --id LPZ-10234`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		id, _ := cmd.Flags().GetString("id")
		pages, _ := cmd.Flags().GetString("pages")

		images, err := collectImages(args, pages)
		if err != nil {
			return err
		}
		if id != "" && len(images) != 1 {
			return fmt.Errorf("--id needs exactly one image, got %d", len(images))
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, GetConfig(), appOptions{broker: true})
		if err != nil {
			return err
		}
		defer a.Close()
		p, err := a.buildPipeline(nil, nil)
		if err != nil {
			return err
		}

		enc := json.NewEncoder(cmd.OutOrStdout())
		for _, img := range images {
			ballotID := id
			if ballotID == "" {
				ballotID = uuid.NewString()
			}
			if err := p.Submit(ctx, ballotID, img.data); err != nil {
				return fmt.Errorf("submit %s: %w", img.name, err)
			}
			slog.Debug("Submitted ballot", "ballot_id", ballotID, "source", img.name)
			_ = enc.Encode(submission{BallotID: ballotID, ImageHash: ballot.HashImage(img.data), Source: img.name})
		}
		return nil
	},
}

type submission struct {
	BallotID  string `json:"ballotId"`
	ImageHash string `json:"imageHash"`
	Source    string `json:"source"`
}

type namedImage struct {
	name string
	data []byte
}

// collectImages reads every argument, expanding PDFs into their embedded
// page images. Files that are neither decodable images nor PDFs fail.
func collectImages(paths []string, pages string) ([]namedImage, error) {
	var out []namedImage
	for _, path := range paths {
		data, err := os.ReadFile(path) //nolint:gosec // G304: user supplied input file
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		if scan.IsPDF(data) {
			extracted, err := scan.ExtractFile(path, pages)
			if err != nil {
				return nil, err
			}
			if len(extracted) == 0 {
				slog.Warn("PDF contains no decodable images", "pdf", path)
			}
			for _, pg := range extracted {
				out = append(out, namedImage{
					name: fmt.Sprintf("%s#page=%d/%s", filepath.Base(path), pg.Page, pg.Name),
					data: pg.Data,
				})
			}
			continue
		}
		if _, _, err := vision.Decode(data); err != nil {
			return nil, fmt.Errorf("%s: %w", path, err)
		}
		out = append(out, namedImage{name: filepath.Base(path), data: data})
	}
	return out, nil
}

func init() {
	rootCmd.AddCommand(submitCmd)
	submitCmd.Flags().String("id", "", "ballot id (single image only; default is a random UUID)")
	submitCmd.Flags().String("pages", "", "PDF page selection, e.g. 1-3,5")
}
