package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guardian/taskrunner/orchestrator/bootstrap"
	"github.com/guardian/taskrunner/orchestrator/jobrunner"
	"github.com/guardian/taskrunner/supervisor/launcher"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the orchestrator loop and its reporting endpoints",
	RunE:  runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "how long to wait for in-flight requests and local executors on shutdown")
}

func listen(server *http.Server, name string, wg *sync.WaitGroup) {
	wg.Add(1)
	go func() {
		defer wg.Done()
		log.Printf("Starting %s on %s", name, server.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorf("%s stopped: %s", name, err)
		}
	}()
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	kubeConfigPath, _ := cmd.Flags().GetString("kubeconfig")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	config, redisClient, envErr := bootstrap.LoadEnvironment(configPath)
	if envErr != nil {
		return envErr
	}
	orch := bootstrap.NewOrchestrator(config, redisClient, kubeConfigPath)
	defer orch.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	var wg sync.WaitGroup

	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	jobrunner.NewJobRunnerEndpoints(orch.Runner).WireUp(router, "/api/task")
	apiServer := &http.Server{Addr: config.Orchestrator.ListenAddress, Handler: router}
	listen(apiServer, "orchestrator endpoints", &wg)

	var local *launcher.Launcher
	var supervisorServer *http.Server
	if config.Orchestrator.EnableEmbeddedSupervisor {
		local = launcher.NewLauncher(config.Supervisor, orch.Commands, config.Orchestrator.ResultPushBaseUrl)
		supervisorRouter := chi.NewRouter()
		supervisorRouter.Use(middleware.Recoverer)
		launcher.NewSupervisorEndpoints(local).WireUp(supervisorRouter, config.Transport)
		supervisorServer = &http.Server{
			Addr:    fmt.Sprintf("%s:%d", config.Supervisor.ListenAddress, config.Supervisor.Port),
			Handler: supervisorRouter,
		}
		listen(supervisorServer, "embedded supervisor", &wg)
	}

	orch.Runner.Start(ctx)

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := apiServer.Shutdown(shutdownCtx); err != nil {
		log.Warnf("orchestrator endpoints did not shut down cleanly: %s", err)
	}
	if supervisorServer != nil {
		if err := local.Shutdown(shutdownCtx); err != nil {
			log.Warnf("local executors did not all stop: %s", err)
		}
		if err := supervisorServer.Shutdown(shutdownCtx); err != nil {
			log.Warnf("embedded supervisor did not shut down cleanly: %s", err)
		}
	}
	wg.Wait()
	return nil
}
