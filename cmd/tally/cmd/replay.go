package cmd

import (
	"context"
	"fmt"
	"strings"

	"github.com/MeKo-Tech/tally/internal/broker"
	"github.com/spf13/cobra"
)

// replayCmd moves dead-lettered messages back to a stage queue.
var replayCmd = &cobra.Command{
	Use:   "replay",
	Short: "Move dead-lettered messages back to a stage queue",
	Long: `Move up to --count messages from a dead-letter queue back to its stage
queue. Without --target the stage queue is derived from the dead-letter
queue name. With --list the queue depths are printed instead.

Examples:
  tally replay --list
  tally replay --dlq anthropic_fallback_queue.dlq
  tally replay --dlq ocr_processing_queue.dlq --target ocr_processing_queue --count 50`,
	RunE: func(cmd *cobra.Command, args []string) error {
		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
		}
		cfg := GetConfig()
		a, err := newApp(ctx, cfg, appOptions{broker: true})
		if err != nil {
			return err
		}
		defer a.Close()

		if list, _ := cmd.Flags().GetBool("list"); list {
			return listQueues(ctx, cmd, a.broker, cfg.Broker.Queues)
		}

		dlq, _ := cmd.Flags().GetString("dlq")
		target, _ := cmd.Flags().GetString("target")
		count, _ := cmd.Flags().GetInt("count")
		target, err = replayTarget(dlq, target, cfg.Broker.Queues)
		if err != nil {
			return err
		}

		moved, err := a.broker.Replay(ctx, dlq, target, count)
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "Moved %d messages from %s to %s\n", moved, dlq, target)
		return nil
	},
}

// replayTarget checks that dlq belongs to one of the stage queues and
// resolves the target, defaulting to the dlq's own stage queue.
func replayTarget(dlq, target string, queues broker.Queues) (string, error) {
	if !broker.IsDLQ(dlq) {
		return "", fmt.Errorf("--dlq must name a dead-letter queue (<queue>%s)", broker.DLQSuffix)
	}
	known := map[string]bool{}
	for _, q := range queues.All() {
		known[q] = true
	}
	source := strings.TrimSuffix(dlq, broker.DLQSuffix)
	if !known[source] {
		return "", fmt.Errorf("unknown dead-letter queue: %s", dlq)
	}
	if target == "" {
		return source, nil
	}
	if !known[target] {
		return "", fmt.Errorf("unknown target queue: %s", target)
	}
	return target, nil
}

func listQueues(ctx context.Context, cmd *cobra.Command, b broker.Broker, queues broker.Queues) error {
	out := cmd.OutOrStdout()
	_, _ = fmt.Fprintf(out, "%-32s %8s %8s\n", "QUEUE", "READY", "DLQ")
	for _, q := range queues.All() {
		ready, err := b.Len(ctx, q)
		if err != nil {
			return err
		}
		dead, err := b.Len(ctx, broker.DLQ(q))
		if err != nil {
			return err
		}
		_, _ = fmt.Fprintf(out, "%-32s %8d %8d\n", q, ready, dead)
	}
	return nil
}

func init() {
	rootCmd.AddCommand(replayCmd)
	replayCmd.Flags().String("dlq", "", "dead-letter queue to drain")
	replayCmd.Flags().String("target", "", "queue to move messages to (default: the dead-letter queue's stage queue)")
	replayCmd.Flags().Int("count", 10, "maximum number of messages to move")
	replayCmd.Flags().Bool("list", false, "print queue and dead-letter queue depths")
}
