package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/thumbnailer/internal/app"
	"github.com/yungbote/thumbnailer/internal/platform/dbctx"
	"github.com/yungbote/thumbnailer/internal/thumbnail"
)

func newGenerateCmd() *cobra.Command {
	var (
		model       string
		field       string
		force       bool
		dryRun      bool
		concurrency int
	)

	cmd := &cobra.Command{
		Use:   "generate",
		Short: "Generate thumbnails for existing records with source images",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(application *app.App, dbc dbctx.Context) error {
				models, err := resolveModels(application, model)
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Println("DRY RUN MODE - no thumbnails will be generated")
				}

				var total thumbnail.Report
				for _, m := range models {
					report, err := application.Engine.Backfill(dbc, m, thumbnail.BackfillOptions{
						Field:       field,
						Force:       force,
						DryRun:      dryRun,
						Concurrency: concurrency,
					})
					if err != nil {
						return err
					}
					total.Processed += report.Processed
					total.Generated += report.Generated
					total.Errors = append(total.Errors, report.Errors...)
				}

				printReport(total, dryRun)
				return nil
			})
		},
	}

	cmd.Flags().StringVar(&model, "model", "", "record type to process (default: all registered)")
	cmd.Flags().StringVar(&field, "field", "", "derived attribute to process (default: all declared)")
	cmd.Flags().BoolVar(&force, "force", false, "regenerate thumbnails even if they already exist")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be done without generating")
	cmd.Flags().IntVar(&concurrency, "concurrency", 1, "parallel per-record rebuilds")
	return cmd
}

// printReport writes the outcome; per-record failures are reported and
// counted but never change the exit status.
func printReport(report thumbnail.Report, dryRun bool) {
	for _, err := range report.Errors {
		fmt.Printf("error: %v\n", err)
	}
	if dryRun {
		fmt.Printf("dry run completed; would process %d records\n", report.Processed)
		return
	}
	fmt.Printf("completed; generated %d/%d thumbnails, %d errors\n",
		report.Generated, report.Processed, len(report.Errors))
}
