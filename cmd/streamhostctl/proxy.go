package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newProxyCommand(e **env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "proxy",
		Short: "Inspect and reload the shared reverse proxy",
	}
	cmd.AddCommand(newProxyStatusCommand(e))
	cmd.AddCommand(newProxyReloadCommand(e))
	return cmd
}

func newProxyStatusCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every app's proxy fragment status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			apps, err := (*e).store.ListAllApps(ctx)
			if err != nil {
				return err
			}
			status, err := (*e).proxyMgr.ConfigsStatus(ctx, apps, (*e).engine)
			if err != nil {
				return err
			}
			return printJSON(status)
		},
	}
}

func newProxyReloadCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "reload",
		Short: "Validate and reload the proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			result, err := (*e).proxyMgr.Reload(context.Background())
			if err != nil {
				return err
			}
			return printJSON(result)
		},
	}
}
