package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamhost/orchestrator/internal/tasks"
	"github.com/streamhost/orchestrator/pkg/models"
)

func newAppCommand(e **env) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "app",
		Short: "Manage apps",
	}
	cmd.AddCommand(newAppCreateCommand(e))
	cmd.AddCommand(newAppListCommand(e))
	cmd.AddCommand(newAppStatusCommand(e))
	cmd.AddCommand(newAppBuildCommand(e))
	cmd.AddCommand(newAppDeployCommand(e))
	cmd.AddCommand(newAppStopCommand(e))
	return cmd
}

func newAppCreateCommand(e **env) *cobra.Command {
	var (
		ownerID, name, gitURL, branch, entryFile, baseImage, credentialID string
		public                                                           bool
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Register a new app; its subdomain is derived from name+id, not supplied",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := &models.App{
				OwnerID:         ownerID,
				Name:            name,
				GitURL:          gitURL,
				Branch:          branch,
				EntryFile:       entryFile,
				BaseImageChoice: models.BaseImageChoice(baseImage),
				CredentialID:    credentialID,
				IsPublic:        public,
			}
			created, err := (*e).store.CreateApp(context.Background(), app)
			if err != nil {
				return err
			}
			return printJSON(created)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "owner id")
	cmd.Flags().StringVar(&name, "name", "", "app name")
	cmd.Flags().StringVar(&gitURL, "git-url", "", "git repository URL")
	cmd.Flags().StringVar(&branch, "branch", "main", "git branch")
	cmd.Flags().StringVar(&entryFile, "entry-file", "app.py", "Streamlit entry file")
	cmd.Flags().StringVar(&baseImage, "base-image", string(models.BaseImageAuto), "base image choice")
	cmd.Flags().StringVar(&credentialID, "credential-id", "", "git credential id, if the repo is private")
	cmd.Flags().BoolVar(&public, "public", false, "list this app in the public gallery")
	cmd.MarkFlagRequired("name")
	cmd.MarkFlagRequired("git-url")
	return cmd
}

func newAppListCommand(e **env) *cobra.Command {
	var ownerID string
	var public bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List apps and their actual status",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			var apps []*models.App
			var err error
			switch {
			case public:
				apps, err = (*e).store.ListPublicApps(ctx)
			case ownerID != "":
				apps, err = (*e).store.ListAppsByOwner(ctx, ownerID)
			default:
				apps, err = (*e).store.ListAllApps(ctx)
			}
			if err != nil {
				return err
			}
			type row struct {
				*models.App
				Actual models.ActualStatus `json:"actual_status"`
			}
			rows := make([]row, 0, len(apps))
			for _, app := range apps {
				actual, err := (*e).reconciler.Reconcile(ctx, app)
				if err != nil {
					return err
				}
				rows = append(rows, row{App: app, Actual: actual})
			}
			return printJSON(rows)
		},
	}
	cmd.Flags().StringVar(&ownerID, "owner-id", "", "filter to one owner")
	cmd.Flags().BoolVar(&public, "public", false, "only the public gallery")
	return cmd
}

func newAppStatusCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "status <app-id>",
		Short: "Show one app's declared and actual status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := context.Background()
			app, err := (*e).store.GetApp(ctx, args[0])
			if err != nil {
				return err
			}
			actual, err := (*e).reconciler.Reconcile(ctx, app)
			if err != nil {
				return err
			}
			return printJSON(map[string]interface{}{
				"app":           app,
				"actual_status": actual,
			})
		},
	}
}

func newAppBuildCommand(e **env) *cobra.Command {
	var buildOnly bool
	cmd := &cobra.Command{
		Use:   "build <app-id>",
		Short: "Fetch, analyze, compose, and build an app's image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			params := map[string]string{}
			if buildOnly {
				params["build_only"] = "true"
			}
			task, err := runAndWait(context.Background(), (*e).taskEngine, models.TaskKindBuild, args[0], params)
			if err != nil {
				return err
			}
			return printTaskResult(task)
		},
	}
	cmd.Flags().BoolVar(&buildOnly, "build-only", false, "build the image without auto-deploying it")
	return cmd
}

func newAppDeployCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "deploy <app-id>",
		Short: "Deploy an app's most recently built image",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := runAndWait(context.Background(), (*e).taskEngine, models.TaskKindDeploy, args[0], nil)
			if err != nil {
				return err
			}
			return printTaskResult(task)
		},
	}
}

func newAppStopCommand(e **env) *cobra.Command {
	return &cobra.Command{
		Use:   "stop <app-id>",
		Short: "Stop a running app",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			task, err := runAndWait(context.Background(), (*e).taskEngine, models.TaskKindStop, args[0], nil)
			if err != nil {
				return err
			}
			return printTaskResult(task)
		},
	}
}

// runAndWait enqueues a task through the real Task Engine (so the catalog's
// compare-and-set invariant and retry policy apply exactly as they would
// under the daemon), runs the engine's worker loop just long enough to
// drain that one task, and polls for its terminal state.
func runAndWait(ctx context.Context, engine *tasks.Engine, kind models.TaskKind, appID string, params map[string]string) (*models.Task, error) {
	workCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	runDone := make(chan error, 1)
	go func() { runDone <- engine.Run(workCtx) }()

	taskID, err := engine.Enqueue(workCtx, kind, appID, params)
	if err != nil {
		return nil, err
	}

	ticker := time.NewTicker(300 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-workCtx.Done():
			return nil, workCtx.Err()
		case <-ticker.C:
			task, err := engine.Status(workCtx, taskID)
			if err != nil {
				return nil, err
			}
			if task.Progress.Total > 0 {
				fmt.Fprintf(os.Stderr, "  [%s] %d/%d %s\n", task.State, task.Progress.Current, task.Progress.Total, task.Progress.Message)
			}
			if task.State.IsTerminal() {
				return task, nil
			}
		}
	}
}

func printTaskResult(task *models.Task) error {
	if err := printJSON(task); err != nil {
		return err
	}
	if task.State == models.TaskFailure {
		return fmt.Errorf("task %s failed: %s", task.ID, task.ErrorMessage)
	}
	return nil
}

func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
