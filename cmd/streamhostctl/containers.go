package main

import (
	"context"

	"github.com/spf13/cobra"
)

func newContainersCommand(e **env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "containers",
		Short: "Inspect and sweep app containers",
	}
	cmd.AddCommand(newContainersListCommand(e))
	cmd.AddCommand(newContainersCleanupOrphansCommand(e))
	return cmd
}

func newContainersListCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List every app-owned container the engine knows about",
		RunE: func(cmd *cobra.Command, args []string) error {
			summaries, err := (*e).engine.ListAppContainers(context.Background())
			if err != nil {
				return err
			}
			return printJSON(summaries)
		},
	}
}

func newContainersCleanupOrphansCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "cleanup-orphans",
		Short: "Remove app-labeled containers with no matching catalog entry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			apps, err := (*e).store.ListAllApps(ctx)
			if err != nil {
				return err
			}
			active := make(map[string]bool, len(apps))
			for _, app := range apps {
				active[app.ID] = true
			}
			return (*e).engine.CleanupOrphans(ctx, active)
		},
	}
}
