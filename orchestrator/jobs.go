package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/bootstrap"
	"github.com/guardian/taskrunner/orchestrator/jobrunner"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v2"
)

var submitCmd = &cobra.Command{
	Use:   "submit",
	Short: "Submit a job for a running orchestrator to pick up",
	Long: `Writes a new job straight into the shared store. Any orchestrator sharing the store admits and
runs it on its next tick; the job id is printed on stdout.`,
	RunE: runSubmit,
}

var cancelCmd = &cobra.Command{
	Use:   "cancel <job_id>",
	Short: "Request cancellation of a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runCancel,
}

var statusCmd = &cobra.Command{
	Use:   "status <job_id>",
	Short: "Show the stored record for a job",
	Args:  cobra.ExactArgs(1),
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(submitCmd)
	rootCmd.AddCommand(cancelCmd)
	rootCmd.AddCommand(statusCmd)

	submitCmd.Flags().String("type", "", "job type, passed through to the executor")
	submitCmd.Flags().String("mode", string(models.RUN_MODE_PROCESS), "run mode: process, container or legacy")
	submitCmd.Flags().StringToString("param", nil, "job parameter as key=value, may be repeated")
	submitCmd.Flags().StringToString("env", nil, "executor environment variable as key=value, may be repeated")
	submitCmd.Flags().String("region", "", "resource region, defaults to the configured one")
	submitCmd.Flags().String("group", "", "resource group, defaults to the configured one")
	_ = submitCmd.MarkFlagRequired("type")
}

func openOrchestrator(cmd *cobra.Command) (*bootstrap.Orchestrator, error) {
	configPath, _ := cmd.Flags().GetString("config")
	kubeConfigPath, _ := cmd.Flags().GetString("kubeconfig")
	config, redisClient, envErr := bootstrap.LoadEnvironment(configPath)
	if envErr != nil {
		return nil, envErr
	}
	return bootstrap.NewOrchestrator(config, redisClient, kubeConfigPath), nil
}

func parseJobId(arg string) (models.JobIdentity, error) {
	value, err := strconv.ParseInt(arg, 10, 64)
	if err != nil || value <= 0 {
		return 0, fmt.Errorf("%q is not a valid job id", arg)
	}
	return models.JobIdentity(value), nil
}

func runSubmit(cmd *cobra.Command, args []string) error {
	jobType, _ := cmd.Flags().GetString("type")
	mode, _ := cmd.Flags().GetString("mode")
	params, _ := cmd.Flags().GetStringToString("param")
	env, _ := cmd.Flags().GetStringToString("env")
	region, _ := cmd.Flags().GetString("region")
	group, _ := cmd.Flags().GetString("group")

	orch, openErr := openOrchestrator(cmd)
	if openErr != nil {
		return openErr
	}
	defer orch.Close()

	id, submitErr := orch.Runner.Submit(context.Background(), jobrunner.JobSpec{
		JobType:        jobType,
		RunMode:        models.RunMode(mode),
		Parameters:     params,
		Environment:    env,
		ResourceRegion: region,
		ResourceGroup:  group,
	})
	if submitErr != nil {
		return submitErr
	}
	fmt.Fprintln(cmd.OutOrStdout(), id)
	return nil
}

func runCancel(cmd *cobra.Command, args []string) error {
	id, idErr := parseJobId(args[0])
	if idErr != nil {
		return idErr
	}
	orch, openErr := openOrchestrator(cmd)
	if openErr != nil {
		return openErr
	}
	defer orch.Close()

	status, cancelErr := orch.Runner.Cancel(context.Background(), id)
	if cancelErr != nil {
		return cancelErr
	}
	fmt.Fprintf(cmd.OutOrStdout(), "job %s is now %s\n", id, status)
	return nil
}

func runStatus(cmd *cobra.Command, args []string) error {
	id, idErr := parseJobId(args[0])
	if idErr != nil {
		return idErr
	}
	orch, openErr := openOrchestrator(cmd)
	if openErr != nil {
		return openErr
	}
	defer orch.Close()

	job, getErr := orch.Runner.GetJob(id)
	if getErr != nil {
		return getErr
	}
	content, marshalErr := yaml.Marshal(job)
	if marshalErr != nil {
		return marshalErr
	}
	_, _ = cmd.OutOrStdout().Write(content)
	return nil
}
