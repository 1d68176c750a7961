package commands

import (
	"context"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"marinvpn/internal/app"
)

var cfgPath string

func Execute() error {
	root := &cobra.Command{
		Use:          "node",
		Short:        "MarinVPN provisioning service and tunnel client",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&cfgPath, "config", "", "optional path to TOML config file")

	root.AddCommand(
		roleCmd("provision", "Run the provisioning service", app.Roles{Provision: true}),
		roleCmd("client", "Run the tunnel client", app.Roles{Client: true}),
		roleCmd("all", "Run the provisioning service and the tunnel client", app.Roles{Provision: true, Client: true}),
	)
	return root.Execute()
}

func roleCmd(use, short string, roles app.Roles) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return app.Run(ctx, app.Config{ConfigPath: cfgPath, Roles: roles})
		},
	}
}
