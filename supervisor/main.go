package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/supervisorclient"
	"github.com/guardian/taskrunner/supervisor/launcher"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:          "supervisor",
	Short:        "Launches executor processes on behalf of orchestrators",
	SilenceUsage: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Accept commands on /task/command and serve executor results",
	Long: `Runs a standalone supervisor. With --register it adds itself to the shared store as a
process-mode endpoint so that orchestrators can place jobs on it, and withdraws on shutdown.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
	rootCmd.PersistentFlags().String("config", "config/serverconfig.yaml", "path to the YAML configuration")
	serveCmd.Flags().Bool("register", false, "register this supervisor as a process endpoint in redis")
	serveCmd.Flags().Duration("shutdown-timeout", 30*time.Second, "how long to wait for running executors to stop")
}

func runServe(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	register, _ := cmd.Flags().GetBool("register")
	shutdownTimeout, _ := cmd.Flags().GetDuration("shutdown-timeout")

	config, configErr := helpers.ReadConfig(configPath)
	if configErr != nil {
		return configErr
	}
	helpers.SetupLogging(config.LogLevel)

	var pusher launcher.ResultPusher
	if config.Orchestrator.ResultPushBaseUrl != "" {
		pusher = supervisorclient.NewCommandClient(config.Transport, config.Supervisor.Port)
	}
	local := launcher.NewLauncher(config.Supervisor, pusher, config.Orchestrator.ResultPushBaseUrl)

	if register {
		redisClient, redisErr := helpers.SetupRedis(config)
		if redisErr != nil {
			return redisErr
		}
		defer redisClient.Close()
		if _, regErr := launcher.Register(redisClient, config.Supervisor, config.Orchestrator.ResourceRegion, config.Orchestrator.ResourceGroup); regErr != nil {
			return regErr
		}
		defer func() {
			if deregErr := launcher.Deregister(redisClient, config.Supervisor); deregErr != nil {
				log.Errorf("could not deregister supervisor: %s", deregErr)
			}
		}()
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	launcher.NewSupervisorEndpoints(local).WireUp(router, config.Transport)
	server := &http.Server{
		Addr:    fmt.Sprintf("%s:%d", config.Supervisor.ListenAddress, config.Supervisor.Port),
		Handler: router,
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	serveErr := make(chan error, 1)
	go func() {
		log.Printf("Starting supervisor on %s", server.Addr)
		serveErr <- server.ListenAndServe()
	}()

	select {
	case err := <-serveErr:
		if !errors.Is(err, http.ErrServerClosed) {
			return err
		}
	case <-ctx.Done():
	}

	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := local.Shutdown(shutdownCtx); err != nil {
		log.Warnf("not every executor stopped: %s", err)
	}
	return server.Shutdown(shutdownCtx)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
