package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/thumbnailer/internal/app"
	"github.com/yungbote/thumbnailer/internal/platform/dbctx"
	"github.com/yungbote/thumbnailer/internal/thumbnail"
)

func newRegenerateCmd() *cobra.Command {
	var (
		model      string
		field      string
		force      bool
		dryRun     bool
		clearCache bool
	)

	cmd := &cobra.Command{
		Use:   "regenerate",
		Short: "Regenerate thumbnails whose declaration changed",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(application *app.App, dbc dbctx.Context) error {
				models, err := resolveModels(application, model)
				if err != nil {
					return err
				}
				if dryRun {
					fmt.Println("DRY RUN MODE - no thumbnails will be regenerated")
				}
				if clearCache {
					fmt.Println("clearing policy fingerprint cache")
				}

				var total thumbnail.Report
				for _, m := range models {
					report, err := application.Engine.Regenerate(dbc, m, thumbnail.RegenerateOptions{
						Field:      field,
						Force:      force,
						DryRun:     dryRun,
						ClearCache: clearCache,
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
	cmd.Flags().BoolVar(&force, "force", false, "regenerate regardless of policy drift")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "report what would be done without regenerating")
	cmd.Flags().BoolVar(&clearCache, "clear-cache", false, "clear policy fingerprints so drift is always detected")
	return cmd
}
