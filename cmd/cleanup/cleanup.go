// Package cleanup implements the duplicate cleanup subcommand.
package cleanup

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tkivela/collabsync-go/internal/app"
	"github.com/tkivela/collabsync-go/internal/conf"
	"github.com/tkivela/collabsync-go/internal/dedup"
	"github.com/tkivela/collabsync-go/internal/jobstore"
)

type flags struct {
	matchField  string
	matchType   string
	keep        string
	dryRun      bool
	batchSize   int
	concurrency int
	approveFile string
	execute     string
}

// Command creates the cleanup command for detecting and deleting duplicate
// items within one collection.
func Command(settings *conf.Settings) *cobra.Command {
	var f flags

	cmd := &cobra.Command{
		Use:   "cleanup [collection]",
		Short: "Detect and delete duplicate items in a collection",
		Long: `Group a collection's items by normalized match-field value and delete
the duplicates, keeping one item per group by the chosen strategy. With
--keep manual the job stops at waiting_approval; resume it with
--execute and an approval file.`,
		Args: cobra.RangeArgs(0, 1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runCleanup(cmd.Context(), settings, &f, args)
		},
	}

	setupFlags(cmd, &f)
	return cmd
}

func setupFlags(cmd *cobra.Command, f *flags) {
	cmd.Flags().StringVar(&f.matchField, "match-field", "", "Field id whose normalized value defines a duplicate")
	cmd.Flags().StringVar(&f.matchType, "match-type", "text", "Match field type: text, number, category, contact, date, money")
	cmd.Flags().StringVar(&f.keep, "keep", "oldest", "Which duplicate survives: oldest, newest or manual")
	cmd.Flags().BoolVar(&f.dryRun, "dry-run", false, "Compute groups only, delete nothing")
	cmd.Flags().IntVar(&f.batchSize, "batch-size", 0, "Items per listing page (0 uses the configured default)")
	cmd.Flags().IntVar(&f.concurrency, "concurrency", 0, "Parallel deletions per group (0 uses the configured default)")
	cmd.Flags().StringVar(&f.execute, "execute", "", "Execute a waiting_approval job by id")
	cmd.Flags().StringVar(&f.approveFile, "approve-file", "", "JSON file of approved duplicate groups for --execute")
}

func runCleanup(ctx context.Context, settings *conf.Settings, f *flags, args []string) error {
	a, err := app.New(settings)
	if err != nil {
		return err
	}
	defer a.Close()
	if err := a.RequireEngines(); err != nil {
		return err
	}

	stopTelemetry := a.StartTelemetry()
	defer stopTelemetry()

	go a.Coordinator.ListenForSignals(ctx, nil)

	if f.execute != "" {
		return executeApproved(ctx, a, f)
	}

	if len(args) != 1 {
		return fmt.Errorf("a collection is required unless --execute is given")
	}
	if f.matchField == "" {
		return fmt.Errorf("--match-field is required")
	}

	metadata := map[string]any{
		"matchFieldId":   f.matchField,
		"matchFieldType": f.matchType,
		"keepStrategy":   f.keep,
		"dryRun":         f.dryRun,
		"batchSize":      f.batchSize,
		"concurrency":    f.concurrency,
	}
	job, err := a.Store.Create(jobstore.JobTypeCleanup, args[0], "", metadata)
	if err != nil {
		return err
	}
	fmt.Printf("created cleanup job %s\n", job.ID)

	result, err := a.Cleanup.Run(ctx, job.ID)
	if err != nil {
		return err
	}
	if result.WaitingApproval {
		fmt.Printf("job %s is waiting for approval; review the groups below, then rerun with --execute %s --approve-file groups.json\n",
			job.ID, job.ID)
	}
	return printJSON(result)
}

func executeApproved(ctx context.Context, a *app.App, f *flags) error {
	if f.approveFile == "" {
		return fmt.Errorf("--approve-file is required with --execute")
	}
	data, err := os.ReadFile(f.approveFile)
	if err != nil {
		return fmt.Errorf("reading approval file: %w", err)
	}
	var groups []dedup.DuplicateGroup
	if err := json.Unmarshal(data, &groups); err != nil {
		return fmt.Errorf("parsing approval file: %w", err)
	}

	result, err := a.Cleanup.Execute(ctx, f.execute, groups)
	if err != nil {
		return err
	}
	return printJSON(result)
}

func printJSON(v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(data))
	return nil
}
