package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/yungbote/thumbnailer/internal/app"
	"github.com/yungbote/thumbnailer/internal/platform/dbctx"
)

func newRootCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:           "thumbnails",
		Short:         "Generate and regenerate derived thumbnails",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.AddCommand(newGenerateCmd())
	cmd.AddCommand(newRegenerateCmd())
	cmd.AddCommand(newDeclarationsCmd())
	return cmd
}

// withApp wires the process and hands the command a dbctx bound to the
// command context.
func withApp(cmd *cobra.Command, fn func(application *app.App, dbc dbctx.Context) error) error {
	application, err := app.New()
	if err != nil {
		return fmt.Errorf("init app: %w", err)
	}
	defer application.Close()

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	return fn(application, dbctx.Context{Ctx: ctx})
}

// resolveModels maps the --model flag to registered record types; an
// empty flag selects every registered type.
func resolveModels(application *app.App, modelFlag string) ([]any, error) {
	if modelFlag != "" {
		m, ok := application.Engine.ModelByName(modelFlag)
		if !ok {
			return nil, fmt.Errorf("unknown model %q (registered: %v)", modelFlag, application.Engine.Models())
		}
		return []any{m}, nil
	}
	var models []any
	for _, name := range application.Engine.Models() {
		m, _ := application.Engine.ModelByName(name)
		models = append(models, m)
	}
	return models, nil
}
