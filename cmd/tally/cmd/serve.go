package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MeKo-Tech/tally/internal/config"
	"github.com/MeKo-Tech/tally/internal/pipeline"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/MeKo-Tech/tally/internal/server"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

// serveCmd represents the serve command.
var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the HTTP API",
	Long: `Start an HTTP server for submitting ballots and reading results.

The server provides the following endpoints:
  POST /process                  - Validate an image and return a preview
  POST /ballots                  - Queue an image for extraction
  GET  /results                  - List terminal records
  GET  /results/summary          - Party totals over completed records
  GET  /results/tables/{number}  - Latest record of a polling table
  GET  /results/statistics       - Record counts per status and source
  GET  /results/export.xlsx      - Summary and records as a workbook
  POST /admin/dlq/replay         - Move dead-lettered messages back
  GET  /ws/results               - Live feed of stored records
  GET  /health, /metrics

With --with-worker the pipeline consumers run in the same process, which
is required for the in-memory broker and for the live result feed.

Examples:
  tally serve
  tally serve --port 9000 --with-worker
  tally serve --broker memory --with-worker`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		applyServeFlags(cmd, &cfg)
		withWorker, _ := cmd.Flags().GetBool("with-worker")
		if withWorker {
			applyWorkerFlags(cmd, &cfg)
		}

		if cfg.Server.Port < 1 || cfg.Server.Port > 65535 {
			return fmt.Errorf("invalid port number: %d (must be between 1 and 65535)", cfg.Server.Port)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, &cfg, appOptions{broker: true, store: true, hub: true})
		if err != nil {
			return err
		}
		defer a.Close()

		srv, worker, err := a.newServer(withWorker)
		if err != nil {
			return err
		}

		g, gctx := errgroup.WithContext(ctx)
		g.Go(func() error { return srv.ListenAndServe(gctx) })
		if worker != nil {
			g.Go(func() error { return worker.Run(gctx) })
		}
		err = g.Wait()
		slog.Info("Graceful shutdown completed")
		return err
	},
}

// newServer builds the HTTP server. With withWorker it also returns a worker
// whose results stage feeds the server's hub.
func (a *app) newServer(withWorker bool) (*server.Server, *pipeline.Worker, error) {
	var (
		submitter *pipeline.Pipeline
		worker    *pipeline.Worker
		err       error
	)
	if withWorker {
		worker, err = a.newWorker()
		if err != nil {
			return nil, nil, err
		}
	}
	// Submission only needs the broker; the worker builds its own pipeline.
	submitter, err = a.buildPipeline(nil, nil)
	if err != nil {
		return nil, nil, err
	}

	srv := server.New(a.cfg.Server, buildInspector(a.cfg),
		server.WithSubmitter(submitter, a.cfg.Broker.Queues.All()...),
		server.WithResults(results.NewService(a.store)),
		server.WithHub(a.hub),
	)
	return srv, worker, nil
}

func applyServeFlags(cmd *cobra.Command, cfg *config.Config) {
	f := cmd.Flags()
	if f.Changed("host") {
		cfg.Server.Host, _ = f.GetString("host")
	}
	if f.Changed("port") {
		cfg.Server.Port, _ = f.GetInt("port")
	}
	if f.Changed("cors-origin") {
		cfg.Server.CORSOrigin, _ = f.GetString("cors-origin")
	}
	if f.Changed("max-upload-size") {
		cfg.Server.MaxUploadMB, _ = f.GetInt64("max-upload-size")
	}
	if f.Changed("timeout") {
		cfg.Server.TimeoutSec, _ = f.GetInt("timeout")
	}
	if f.Changed("shutdown-timeout") {
		cfg.Server.ShutdownTimeout, _ = f.GetInt("shutdown-timeout")
	}
	if f.Changed("rate-limit-enabled") {
		cfg.Server.RateLimit.Enabled, _ = f.GetBool("rate-limit-enabled")
	}
	if f.Changed("requests-per-minute") {
		cfg.Server.RateLimit.RequestsPerMinute, _ = f.GetInt("requests-per-minute")
	}
	if f.Changed("requests-per-hour") {
		cfg.Server.RateLimit.RequestsPerHour, _ = f.GetInt("requests-per-hour")
	}
	if f.Changed("max-requests-per-day") {
		cfg.Server.RateLimit.MaxRequestsPerDay, _ = f.GetInt("max-requests-per-day")
	}
	if f.Changed("max-data-per-day") {
		cfg.Server.RateLimit.MaxDataPerDay, _ = f.GetInt64("max-data-per-day")
	}
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().StringP("host", "H", "localhost", "server host")
	serveCmd.Flags().IntP("port", "p", 8080, "server port")
	serveCmd.Flags().String("cors-origin", "*", "CORS allowed origins")
	serveCmd.Flags().Int64("max-upload-size", 50, "maximum upload size in MB")
	serveCmd.Flags().Int("timeout", 30, "request timeout in seconds")
	serveCmd.Flags().Int("shutdown-timeout", 10, "shutdown timeout in seconds")
	serveCmd.Flags().Bool("rate-limit-enabled", false, "enable per-client rate limiting")
	serveCmd.Flags().Int("requests-per-minute", 60, "maximum requests per minute per client")
	serveCmd.Flags().Int("requests-per-hour", 1000, "maximum requests per hour per client")
	serveCmd.Flags().Int("max-requests-per-day", 10000, "maximum requests per day per client")
	serveCmd.Flags().Int64("max-data-per-day", 1<<30, "maximum uploaded bytes per day per client")
	serveCmd.Flags().Bool("with-worker", false, "run the pipeline consumers in-process")
	serveCmd.Flags().Int("concurrency", 1, "consume loops (with --with-worker)")
	serveCmd.Flags().Bool("per-queue", false, "run separate consume loops for each queue (with --with-worker)")
	serveCmd.Flags().Bool("no-fallback", false, "disable the remote fallback stage (with --with-worker)")
}
