// Command streamhostd is the container lifecycle orchestrator daemon: it
// wires the catalog, container engine, proxy manager, task engine, and
// pipeline orchestrator together, then serves a health/metrics endpoint
// while the task engine drains its queue in the background.
package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"log"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/streamhost/orchestrator/internal/catalog"
	"github.com/streamhost/orchestrator/internal/containers"
	"github.com/streamhost/orchestrator/internal/gitfetch"
	"github.com/streamhost/orchestrator/internal/logging"
	"github.com/streamhost/orchestrator/internal/metrics"
	"github.com/streamhost/orchestrator/internal/pipeline"
	"github.com/streamhost/orchestrator/internal/proxy"
	"github.com/streamhost/orchestrator/internal/tasks"
	"github.com/streamhost/orchestrator/pkg/config"
	"github.com/streamhost/orchestrator/pkg/models"
)

const version = "0.1.0"

func main() {
	log.SetFlags(log.LstdFlags | log.Lshortfile)

	configPath := flag.String("config", "config.yaml", "Path to configuration file")
	showVersion := flag.Bool("version", false, "Show version information")
	flag.Parse()

	if *showVersion {
		fmt.Printf("streamhostd v%s\n", version)
		return
	}

	cfg, err := loadConfig(*configPath)
	if err != nil {
		log.Fatalf("failed to load config from %s: %v", *configPath, err)
	}

	store, err := catalog.Open(cfg.Database)
	if err != nil {
		log.Fatalf("failed to open catalog: %v", err)
	}
	defer store.Close()

	logManager := logging.NewManager(store.DB())
	logManager.InstallLogInterceptor()

	met := metrics.New()

	engine, err := containers.NewDockerEngine(cfg.Container.Endpoint, cfg.Container.NetworkName)
	if err != nil {
		log.Fatalf("failed to connect to container engine: %v", err)
	}

	proxyMgr := proxy.New(proxy.Config{
		FragmentDir:     cfg.Proxy.FragmentDir,
		SystemAllowlist: allowlistSet(cfg.Proxy.SystemAllowlist),
		ReloadCommand:   cfg.Proxy.ReloadCommand,
		ValidateCommand: cfg.Proxy.ValidateCommand,
	})

	fetcher := gitfetch.New(cfg.Workspace.RootDir)

	healthTimeout := time.Duration(cfg.Tasks.HealthTimeoutSecs) * time.Second
	pipelines := pipeline.New(store, fetcher, engine, proxyMgr, cfg.Composer.BaseDockerfileDir, healthTimeout)
	pipelines.SetLogger(logManager)

	taskEngine := tasks.New(store, tasks.Config{
		WorkerConcurrency: cfg.Tasks.WorkerConcurrency,
		MaxRetries:        cfg.Tasks.MaxRetryAttempts,
		QueueCapacity:     cfg.Tasks.QueueCapacity,
	})
	taskEngine.RegisterRunner(models.TaskKindBuild, pipelines.BuildRunner())
	taskEngine.RegisterRunner(models.TaskKindDeploy, pipelines.DeployRunner())
	taskEngine.RegisterRunner(models.TaskKindStop, pipelines.StopRunner())

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := taskEngine.Run(runCtx); err != nil {
			log.Printf("task engine stopped: %v", err)
		}
	}()

	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})
	mux.Handle("/metrics", promhttp.Handler())

	httpSrv := &http.Server{
		Addr:    cfg.Server.MetricsAddr,
		Handler: mux,
	}

	go func() {
		log.Printf("streamhostd listening on %s", httpSrv.Addr)
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("http server error: %v", err)
		}
	}()

	met.DatabaseConnections.Set(1)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Println("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
}

// loadConfig loads the config file at path if present, falling back to
// config.DefaultConfig() on first boot rather than failing hard — this
// daemon's config is entirely derived (DSNs, paths), so a missing file is
// not fatal the way it is for the teacher's user-facing config.
func loadConfig(path string) (*config.Config, error) {
	if _, err := os.Stat(path); os.IsNotExist(err) {
		log.Printf("no config file at %s, using defaults", path)
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
