package main

import (
	"context"
	"os"
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/orchestrator/bootstrap"
	"github.com/guardian/taskrunner/orchestrator/resource"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "reaper",
	Short: "One reclamation pass over idle endpoints and unreleased finished jobs",
	Long: `Releases the endpoints the resource strategies no longer want to keep (idle pods beyond the one
kept warm, broken pods) and releases the resources of finished jobs older than --maxage that still
hold them. Meant to be run from a cron job next to the orchestrators.`,
	RunE:         runReaper,
	SilenceUsage: true,
}

func init() {
	rootCmd.Flags().String("config", "config/serverconfig.yaml", "path to the YAML configuration")
	rootCmd.Flags().String("kubeconfig", "", ".kubeconfig file for running out of cluster. If not specified then in-cluster initialisation will be tried")
	rootCmd.Flags().Bool("dry-run", true, "don't actually release anything")
	rootCmd.Flags().Int64("maxage", 36, "release resources of finished jobs that ended more than this many hours ago")
}

/**
releases whatever a finished job still holds if it ended before the cutoff
*/
func ProcessJob(ctx context.Context, job *models.JobRecord, cutoffTime time.Time, dryRun bool, orch *bootstrap.Orchestrator) error {
	if job.ResourceReleased || job.EndTime == nil || !job.EndTime.Before(cutoffTime) {
		return nil
	}
	if dryRun {
		log.Printf("dry run: would release resources of %s job %s that ended at %s", job.Status, job.Id, job.EndTime)
		return nil
	}
	released, err := orch.Runner.Release(ctx, job.Id)
	if err != nil {
		log.Printf("ERROR: Could not release resources of job %s: %s", job.Id, err)
		return err
	}
	if released {
		log.Printf("Released resources of old job %s", job.Id)
	}
	return nil
}

func releaseStragglers(ctx context.Context, redisClient *redis.Client, orch *bootstrap.Orchestrator, cutoffTime time.Time, dryRun bool) {
	for _, status := range []models.JobStatus{models.JOB_DONE, models.JOB_FAILED, models.JOB_CANCELED} {
		ids, err := models.JobIdsInStatus(redisClient, status)
		if err != nil {
			log.Printf("ERROR: Could not list %s jobs: %s", status, err)
			continue
		}
		for _, id := range ids {
			job, getErr := models.JobRecordForId(id, redisClient)
			if getErr != nil || job == nil {
				continue
			}
			//not a fatal error, the next run will try again
			_ = ProcessJob(ctx, job, cutoffTime, dryRun, orch)
		}
	}
}

func runReaper(cmd *cobra.Command, args []string) error {
	configPath, _ := cmd.Flags().GetString("config")
	kubeConfigPath, _ := cmd.Flags().GetString("kubeconfig")
	dryRun, _ := cmd.Flags().GetBool("dry-run")
	maxAgeHours, _ := cmd.Flags().GetInt64("maxage")

	config, redisClient, envErr := bootstrap.LoadEnvironment(configPath)
	if envErr != nil {
		return envErr
	}
	orch := bootstrap.NewOrchestrator(config, redisClient, kubeConfigPath)
	defer orch.Close()

	log.Printf("Dryrun is %t", dryRun)
	startTime := time.Now()
	log.Printf("Reaping starting at %s", startTime)
	ctx := context.Background()

	reclaimer := resource.NewReclaimer(redisClient, orch.Strategies)
	reclaimer.DryRun = dryRun
	released, reclaimErr := reclaimer.ReclaimIdleEndpoints(ctx)
	if reclaimErr != nil {
		return reclaimErr
	}
	log.Printf("%d endpoints reclaimed: %v", len(released), released)

	cutoffTime := startTime.Add(-time.Duration(maxAgeHours) * time.Hour)
	log.Printf("Cutoff time is %s", cutoffTime)
	releaseStragglers(ctx, redisClient, orch, cutoffTime, dryRun)

	endTime := time.Now()
	log.Printf("Reaping run completed at %s and took %s", endTime, endTime.Sub(startTime))
	return nil
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		log.Error(err)
		os.Exit(1)
	}
}
