package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/vietddude/snapkeeper/internal/health"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show copy slot usage and queue depths",
	Run:   runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) {
	ctx := context.Background()
	app := newApp(ctx)
	defer func() {
		_ = app.Close()
	}()

	report := app.Monitor().CheckHealth(ctx)
	for _, dep := range report.Dependencies {
		if dep.Error != "" {
			slog.Warn("Dependency unhealthy", "name", dep.Name, "error", dep.Error)
		}
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 3, ' ', tabwriter.Debug)
	_, _ = fmt.Fprintf(w, "STATUS\t%s\n", report.SystemStatus)
	_, _ = fmt.Fprintf(w, "COPY SLOTS\t%d/%d\n", report.CopySlotsInUse, report.CopySlotLimit)
	_, _ = fmt.Fprintln(w, "QUEUE\tDEPTH")
	for _, q := range health.Queues() {
		depth, ok := report.QueueDepths[q]
		if !ok {
			continue
		}
		_, _ = fmt.Fprintf(w, "%s\t%d\n", q, depth)
	}
	_ = w.Flush()
}
