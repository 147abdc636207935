// Command streamhostctl is an operator CLI for the container lifecycle
// orchestrator. With the HTTP/REST surface explicitly out of scope, this
// CLI is not an API client: it opens the same catalog, container engine,
// and proxy manager the daemon uses and drives them directly, the way an
// admin shells into a box to run a one-off migration.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/streamhost/orchestrator/internal/cache"
	"github.com/streamhost/orchestrator/internal/catalog"
	"github.com/streamhost/orchestrator/internal/containers"
	"github.com/streamhost/orchestrator/internal/gitfetch"
	"github.com/streamhost/orchestrator/internal/pipeline"
	"github.com/streamhost/orchestrator/internal/proxy"
	"github.com/streamhost/orchestrator/internal/reconciler"
	"github.com/streamhost/orchestrator/internal/tasks"
	"github.com/streamhost/orchestrator/pkg/config"
	"github.com/streamhost/orchestrator/pkg/models"
)

const version = "0.1.0"

var configPath string

// env bundles the component instances every subcommand needs, opened once
// in the root command's PersistentPreRunE and torn down in
// PersistentPostRun.
type env struct {
	store      *catalog.Store
	engine     containers.Engine
	proxyMgr   *proxy.Manager
	taskEngine *tasks.Engine
	reconciler *reconciler.Reconciler
}

func main() {
	rootCmd := &cobra.Command{
		Use:     "streamhostctl",
		Short:   "Operate the streamhost container lifecycle orchestrator",
		Version: version,
	}
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "config.yaml", "Path to configuration file")

	var e *env
	rootCmd.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		built, err := newEnv(configPath)
		if err != nil {
			return err
		}
		e = built
		return nil
	}
	rootCmd.PersistentPostRun = func(cmd *cobra.Command, args []string) {
		if e != nil {
			e.store.Close()
		}
	}

	rootCmd.AddCommand(newAppCommand(&e))
	rootCmd.AddCommand(newProxyCommand(&e))
	rootCmd.AddCommand(newContainersCommand(&e))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newEnv(path string) (*env, error) {
	cfg, err := loadConfig(path)
	if err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}

	store, err := catalog.Open(cfg.Database)
	if err != nil {
		return nil, fmt.Errorf("opening catalog: %w", err)
	}

	engine, err := containers.NewDockerEngine(cfg.Container.Endpoint, cfg.Container.NetworkName)
	if err != nil {
		store.Close()
		return nil, fmt.Errorf("connecting to container engine: %w", err)
	}

	proxyMgr := proxy.New(proxy.Config{
		FragmentDir:     cfg.Proxy.FragmentDir,
		SystemAllowlist: allowlistSet(cfg.Proxy.SystemAllowlist),
		ReloadCommand:   cfg.Proxy.ReloadCommand,
		ValidateCommand: cfg.Proxy.ValidateCommand,
	})

	fetcher := gitfetch.New(cfg.Workspace.RootDir)
	healthTimeout := secondsToDuration(cfg.Tasks.HealthTimeoutSecs)
	pipelines := pipeline.New(store, fetcher, engine, proxyMgr, cfg.Composer.BaseDockerfileDir, healthTimeout)

	taskEngine := tasks.New(store, tasks.Config{
		WorkerConcurrency: cfg.Tasks.WorkerConcurrency,
		MaxRetries:        cfg.Tasks.MaxRetryAttempts,
		QueueCapacity:     cfg.Tasks.QueueCapacity,
	})
	registerRunners(taskEngine, pipelines)

	recon := reconciler.New(taskEngine, engine, proxyMgr, cache.New(cache.DefaultConfig()), secondsToDuration(cfg.Cache.DefaultTTL))

	return &env{
		store:      store,
		engine:     engine,
		proxyMgr:   proxyMgr,
		taskEngine: taskEngine,
		reconciler: recon,
	}, nil
}

func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return config.DefaultConfig(), nil
	}
	return config.LoadConfigFromFile(path)
}

func allowlistSet(names []string) map[string]bool {
	set := make(map[string]bool, len(names))
	for _, n := range names {
		set[n] = true
	}
	return set
}

func registerRunners(taskEngine *tasks.Engine, pipelines *pipeline.Pipelines) {
	taskEngine.RegisterRunner(models.TaskKindBuild, pipelines.BuildRunner())
	taskEngine.RegisterRunner(models.TaskKindDeploy, pipelines.DeployRunner())
	taskEngine.RegisterRunner(models.TaskKindStop, pipelines.StopRunner())
}

func secondsToDuration(secs int) time.Duration {
	if secs <= 0 {
		return 0
	}
	return time.Duration(secs) * time.Second
}
