package bootstrap

import (
	"time"

	"github.com/go-redis/redis/v7"
	"github.com/guardian/taskrunner/common/helpers"
	"github.com/guardian/taskrunner/common/models"
	"github.com/guardian/taskrunner/common/supervisorclient"
	"github.com/guardian/taskrunner/orchestrator/jobrunner"
	"github.com/guardian/taskrunner/orchestrator/k8s"
	"github.com/guardian/taskrunner/orchestrator/resource"
	log "github.com/sirupsen/logrus"
	corev1 "k8s.io/api/core/v1"
)

const JOB_SEQUENCE_NAME = "jobs"

func PodConfigFromConfig(conf *helpers.Config) models.PodConfig {
	return models.PodConfig{
		Image:           conf.Kubernetes.Image,
		ImagePullPolicy: conf.Kubernetes.ImagePullPolicy,
		ServicePort:     conf.Kubernetes.ServicePort,
		CpuRequest:      conf.Kubernetes.CpuRequest,
		MemoryRequest:   conf.Kubernetes.MemoryRequest,
		Labels:          map[string]string{k8s.LABEL_MANAGED: "true"},
	}
}

/**
connects to the cluster and sets up the container strategy. kubeConfigPath overrides the config file.
*/
func BuildContainerStrategy(conf *helpers.Config, redisClient *redis.Client, kubeConfigPath string) (*resource.ContainerStrategy, error) {
	if kubeConfigPath == "" {
		kubeConfigPath = conf.Kubernetes.KubeConfigPath
	}
	clientset, cliErr := k8s.GetK8Client(kubeConfigPath)
	if cliErr != nil {
		return nil, cliErr
	}
	namespace, nsErr := k8s.GetMyNamespace(conf.Kubernetes.Namespace)
	if nsErr != nil {
		return nil, nsErr
	}

	var template *corev1.Pod
	if conf.Kubernetes.PodTemplatePath != "" {
		var templateErr error
		template, templateErr = k8s.LoadPodTemplate(conf.Kubernetes.PodTemplatePath)
		if templateErr != nil {
			log.Errorf("could not load pod template from %s: %s", conf.Kubernetes.PodTemplatePath, templateErr)
			return nil, templateErr
		}
	}

	pods := k8s.NewPodJobClient(k8s.PodsFromClientset(clientset), template)
	keepIdle := time.Duration(conf.Orchestrator.KeepIdleSeconds) * time.Second
	return resource.NewContainerStrategy(redisClient, pods, namespace, PodConfigFromConfig(conf), keepIdle), nil
}

/**
the process strategy always, the container strategy when container mode is on and the cluster
can be reached
*/
func BuildStrategies(conf *helpers.Config, redisClient *redis.Client, commands *supervisorclient.CommandClient, kubeConfigPath string) resource.Strategies {
	strategies := resource.Strategies{
		models.RUN_MODE_PROCESS: resource.NewProcessStrategy(redisClient, resource.PermissivePolicy{}, commands),
	}
	if conf.Orchestrator.EnableContainerMode {
		container, containerErr := BuildContainerStrategy(conf, redisClient, kubeConfigPath)
		if containerErr != nil {
			log.Errorf("container mode is enabled but unavailable: %s", containerErr)
		} else {
			strategies[models.RUN_MODE_CONTAINER] = container
		}
	}
	return strategies
}

/**
Orchestrator is everything a running orchestrator, or a one-off command acting as one, needs
*/
type Orchestrator struct {
	Config      *helpers.Config
	RedisClient *redis.Client
	Commands    *supervisorclient.CommandClient
	Strategies  resource.Strategies
	Runner      *jobrunner.JobRunner
	pool        *jobrunner.WorkerPool
}

func NewOrchestrator(conf *helpers.Config, redisClient *redis.Client, kubeConfigPath string) *Orchestrator {
	commands := supervisorclient.NewCommandClient(conf.Transport, conf.Supervisor.Port)
	strategies := BuildStrategies(conf, redisClient, commands, kubeConfigPath)
	admission := jobrunner.NewAdmissionController(redisClient, conf.Admission)
	pool := jobrunner.NewWorkerPool(conf.Orchestrator.Workers)
	ids := models.NewRedisSequence(redisClient, JOB_SEQUENCE_NAME)

	runner := jobrunner.NewJobRunner(redisClient, ids, admission, strategies, commands, pool, jobrunner.RunnerConfigFromConfig(conf))
	return &Orchestrator{
		Config:      conf,
		RedisClient: redisClient,
		Commands:    commands,
		Strategies:  strategies,
		Runner:      runner,
		pool:        pool,
	}
}

func (o *Orchestrator) Close() {
	o.pool.Close()
	if closeErr := o.RedisClient.Close(); closeErr != nil {
		log.Warnf("could not close redis connection: %s", closeErr)
	}
}

/**
reads the config, sets up logging and connects to redis
*/
func LoadEnvironment(configPath string) (*helpers.Config, *redis.Client, error) {
	config, configErr := helpers.ReadConfig(configPath)
	if configErr != nil {
		return nil, nil, configErr
	}
	helpers.SetupLogging(config.LogLevel)

	redisClient, redisErr := helpers.SetupRedis(config)
	if redisErr != nil {
		return nil, nil, redisErr
	}
	return config, redisClient, nil
}
