// Package cli is the jobkeeper command tree. Every command is a thin mapping
// onto the scheduler's administrative operations.
package cli

import (
	"github.com/spf13/cobra"

	"jobkeeper/internal/app"
)

// AppFactory builds an App from a config path. Tests swap it to inject jobs.
type AppFactory func(cfgPath string) (*app.App, error)

type options struct {
	cfgPath string
	newApp  AppFactory
}

func NewRootCmd(newApp AppFactory) *cobra.Command {
	if newApp == nil {
		newApp = func(p string) (*app.App, error) { return app.New(p) }
	}
	o := &options{newApp: newApp}

	cmd := &cobra.Command{
		Use:           "jobkeeper",
		Short:         "Persistent background job scheduler",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&o.cfgPath, "config", "c", "./config.yaml", "path to config (yaml or json); empty uses defaults")

	cmd.AddCommand(newServeCmd(o))
	cmd.AddCommand(newJobsCmd(o))
	return cmd
}
