package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/MeKo-Tech/tally/internal/config"
	"github.com/MeKo-Tech/tally/internal/ocr/tesseract"
	"github.com/MeKo-Tech/tally/internal/pipeline"
	"github.com/MeKo-Tech/tally/internal/results"
	"github.com/spf13/cobra"
)

// workerCmd consumes the stage queues.
var workerCmd = &cobra.Command{
	Use:   "worker",
	Short: "Run the pipeline stage consumers",
	Long: `Consume the validation, OCR, fallback and results queues until interrupted.

By default each consume loop serves every queue in pipeline order, one
message at a time; --per-queue gives every queue its own loops instead.
Several workers may share a Redis broker. A worker keeps a lease while it
runs, and the deliveries of a crashed worker are requeued by the next
worker start once that lease (broker.redis.lease) has expired.
A handler failure moves the message to the queue's dead-letter queue
(<queue>.dlq), from where "tally replay" can move it back.

Examples:
  tally worker
  tally worker --concurrency 4
  tally worker --per-queue --concurrency 2
  tally worker --no-fallback --broker memory`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg := *GetConfig()
		applyWorkerFlags(cmd, &cfg)

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, &cfg, appOptions{broker: true, store: true})
		if err != nil {
			return err
		}
		defer a.Close()

		w, err := a.newWorker()
		if err != nil {
			return err
		}
		return w.Run(ctx)
	},
}

func applyWorkerFlags(cmd *cobra.Command, cfg *config.Config) {
	if cmd.Flags().Changed("concurrency") {
		cfg.Worker.Concurrency, _ = cmd.Flags().GetInt("concurrency")
	}
	if cmd.Flags().Changed("per-queue") {
		perQueue, _ := cmd.Flags().GetBool("per-queue")
		cfg.Worker.Sequential = !perQueue
	}
	if cmd.Flags().Changed("no-fallback") {
		noFallback, _ := cmd.Flags().GetBool("no-fallback")
		cfg.Fallback.Enabled = !noFallback
	}
}

// newWorker builds the full pipeline on the Tesseract engine with the app's
// store (and hub, when set) behind the results stage.
func (a *app) newWorker() (*pipeline.Worker, error) {
	engine := tesseract.New(tesseractConfig(a.cfg))
	sink := results.NewSink(a.store, a.hub)
	p, err := a.buildPipeline(engine, sink)
	if err != nil {
		return nil, fmt.Errorf("build pipeline: %w", err)
	}
	w := pipeline.NewWorker(a.cfg.ToWorkerConfig(), a.broker, p)
	slog.Info("Worker configured",
		"queues", w.Queues(),
		"concurrency", a.cfg.Worker.Concurrency,
		"sequential", a.cfg.Worker.Sequential,
		"fallback", p.FallbackEnabled(),
		"tesseract", engine.Version())
	return w, nil
}

func init() {
	rootCmd.AddCommand(workerCmd)
	workerCmd.Flags().Int("concurrency", 1, "consume loops (per queue with --per-queue)")
	workerCmd.Flags().Bool("per-queue", false, "run separate consume loops for each queue")
	workerCmd.Flags().Bool("no-fallback", false, "disable the remote fallback stage")
}
