package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/vietddude/snapkeeper/internal/core/domain"
	"github.com/vietddude/snapkeeper/internal/core/retry"
	"github.com/vietddude/snapkeeper/internal/infra/queue"
)

var discoverCmd = &cobra.Command{
	Use:   "discover",
	Short: "Enqueue a snapshot job for every disk carrying the backup tag",
	Run:   runDiscover,
}

var (
	redriveFrom string
	redriveTo   string
	redriveMax  int
)

var redriveCmd = &cobra.Command{
	Use:   "redrive",
	Short: "Move parked messages back onto a stage queue",
	Long: `Moves messages from a dead-letter or poison queue back onto the queue of a stage.
Without --to, messages from <queue>-poison return to <queue> and the creation
dead-letter queue returns to snapshot-jobs.`,
	Run: runRedrive,
}

var (
	recoverSnapshotID    string
	recoverSubnet        string
	recoverResourceGroup string
	recoverUniqueSuffix  bool
	recoverOriginalIP    bool
	recoverBatchID       string
)

var recoverCmd = &cobra.Command{
	Use:   "recover",
	Short: "Restore a VM from a snapshot",
	Run:   runRecover,
}

func init() {
	redriveCmd.Flags().StringVar(&redriveFrom, "from", domain.QueueDeadLetter, "queue to drain")
	redriveCmd.Flags().StringVar(&redriveTo, "to", "", "destination queue")
	redriveCmd.Flags().IntVar(&redriveMax, "max", 0, "maximum messages to move (0 = all)")

	recoverCmd.Flags().StringVar(&recoverSnapshotID, "snapshot-id", "", "id or name of the snapshot to restore from")
	recoverCmd.Flags().StringVar(&recoverSubnet, "subnet", "", "target subnet id")
	recoverCmd.Flags().StringVar(&recoverResourceGroup, "resource-group", "", "target resource group (zone)")
	recoverCmd.Flags().BoolVar(&recoverUniqueSuffix, "unique-suffix", false, "append a random suffix to the VM name")
	recoverCmd.Flags().BoolVar(&recoverOriginalIP, "use-original-ip", false, "reuse the IP address of the source VM")
	recoverCmd.Flags().StringVar(&recoverBatchID, "batch-id", "", "batch id recorded in the job log")
	_ = recoverCmd.MarkFlagRequired("snapshot-id")
	_ = recoverCmd.MarkFlagRequired("subnet")
	_ = recoverCmd.MarkFlagRequired("resource-group")

	rootCmd.AddCommand(discoverCmd, redriveCmd, recoverCmd)
}

func runDiscover(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := newApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	n, err := app.Discover(ctx)
	if err != nil {
		slog.Error("Discovery failed", "published", n, "error", err)
		os.Exit(1)
	}
	slog.Info("Discovery complete", "published", n)
}

// redriveTarget picks the stage queue a parked queue returns to.
func redriveTarget(from, to string) (string, error) {
	if to != "" {
		return to, nil
	}
	if from == domain.QueueDeadLetter {
		return domain.QueueSnapshotJobs, nil
	}
	if stage, ok := domain.PoisonSource(from); ok {
		return stage, nil
	}
	return "", fmt.Errorf("no default destination for %s, use --to", from)
}

func runRedrive(cmd *cobra.Command, args []string) {
	to, err := redriveTarget(redriveFrom, redriveTo)
	if err != nil {
		slog.Error("Invalid redrive", "error", err)
		os.Exit(1)
	}

	ctx := context.Background()
	app := newApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	moved, err := queue.Move(ctx, app.Queue(), redriveFrom, to, redriveMax)
	if err != nil {
		slog.Error("Redrive failed", "from", redriveFrom, "to", to, "moved", moved, "error", err)
		os.Exit(1)
	}
	slog.Info("Redrive complete", "from", redriveFrom, "to", to, "moved", moved)
}

func runRecover(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := newApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	snap, err := app.Recovery().SnapshotFromID(ctx, recoverSnapshotID)
	if err != nil {
		slog.Error("Failed to read snapshot", "snapshot_id", recoverSnapshotID, "error", err)
		os.Exit(1)
	}

	vm, err := app.Recovery().Restore(ctx, &domain.NewVMDetails{
		TargetSubnetID:       recoverSubnet,
		TargetResourceGroup:  recoverResourceGroup,
		UseOriginalIPAddress: recoverOriginalIP,
		AppendUniqueSuffix:   recoverUniqueSuffix,
		SourceSnapshot:       &snap,
		BatchID:              recoverBatchID,
	})
	if err != nil {
		class := retry.Classify(err)
		slog.Error("Recovery failed", "class", class, "retryable", class.Retryable(), "error", err)
		os.Exit(1)
	}

	out := json.NewEncoder(os.Stdout)
	out.SetIndent("", "  ")
	_ = out.Encode(vm)
}
