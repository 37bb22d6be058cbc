package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/MeKo-Tech/tally/internal/ballot"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/spf13/cobra"
)

// exportCmd writes the stored results to a workbook.
var exportCmd = &cobra.Command{
	Use:   "export",
	Short: "Export stored results to an Excel workbook",
	Long: `Write the party summary and every matching terminal record to an .xlsx
workbook. Location filters compare case-insensitively.

Examples:
  tally export
  tally export --out la-paz.xlsx --department "La Paz"
  tally export --status COMPLETED --table 10234`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := GetConfig()
		out := cfg.Results.ExportPath
		if cmd.Flags().Changed("out") {
			out, _ = cmd.Flags().GetString("out")
		}
		f, err := exportFilter(cmd)
		if err != nil {
			return err
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		a, err := newApp(ctx, cfg, appOptions{store: true})
		if err != nil {
			return err
		}
		defer a.Close()

		n, err := exportResults(ctx, results.NewService(a.store), f, out)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Exported %d records to %s\n", n, out)
		return nil
	},
}

func exportFilter(cmd *cobra.Command) (results.Filter, error) {
	fl := cmd.Flags()
	status, _ := fl.GetString("status")
	f := results.Filter{Status: ballot.Status(strings.ToUpper(status))}
	f.Department, _ = fl.GetString("department")
	f.Province, _ = fl.GetString("province")
	f.Municipality, _ = fl.GetString("municipality")
	f.TableNumber, _ = fl.GetString("table")
	switch f.Status {
	case "", ballot.StatusCompleted, ballot.StatusRejected, ballot.StatusExtractionFailed:
		return f, nil
	default:
		return f, fmt.Errorf("unknown status %q", status)
	}
}

// exportResults writes the workbook to path and returns the record count.
func exportResults(ctx context.Context, svc *results.Service, f results.Filter, path string) (int, error) {
	sum, err := svc.Summary(ctx, f)
	if err != nil {
		return 0, err
	}
	msgs, err := svc.Store().List(ctx, f)
	if err != nil {
		return 0, err
	}
	file, err := os.Create(path) //nolint:gosec // G304: output path from flag or config
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, err)
	}
	if err := results.ExportXLSX(file, sum, msgs); err != nil {
		_ = file.Close()
		return 0, err
	}
	if err := file.Close(); err != nil {
		return 0, err
	}
	return len(msgs), nil
}

func init() {
	rootCmd.AddCommand(exportCmd)
	exportCmd.Flags().StringP("out", "o", "results.xlsx", "output workbook path")
	exportCmd.Flags().String("status", "", "only records with this status (COMPLETED, REJECTED, EXTRACTION_FAILED)")
	exportCmd.Flags().String("department", "", "filter by department")
	exportCmd.Flags().String("province", "", "filter by province")
	exportCmd.Flags().String("municipality", "", "filter by municipality")
	exportCmd.Flags().String("table", "", "filter by table number")
}
