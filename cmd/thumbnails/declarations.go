package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/yungbote/thumbnailer/internal/app"
	"github.com/yungbote/thumbnailer/internal/platform/dbctx"
)

// newDeclarationsCmd dumps every bound declaration in its declarative
// form, for schema-migration tooling.
func newDeclarationsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "declarations",
		Short: "Print bound thumbnail declarations as YAML",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(application *app.App, dbc dbctx.Context) error {
				out, err := yaml.Marshal(application.Engine.Deconstructed())
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}
