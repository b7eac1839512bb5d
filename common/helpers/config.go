package helpers

import (
	"io/ioutil"
	"os"

	log "github.com/sirupsen/logrus"
	"gopkg.in/yaml.v2"
)

type RedisConfig struct {
	Address  string `yaml:"address"`
	Password string `yaml:"password"`
	DBNum    int    `yaml:"dbNum"`
}

type OrchestratorConfig struct {
	ListenAddress            string `yaml:"listenAddress"`
	TickIntervalMillis       int    `yaml:"tickIntervalMillis"`
	Workers                  int    `yaml:"workers"`
	HeartbeatTimeoutSeconds  int    `yaml:"heartbeatTimeoutSeconds"`
	CancelTimeoutSeconds     int    `yaml:"cancelTimeoutSeconds"`
	AllocateTimeoutSeconds   int    `yaml:"allocateTimeoutSeconds"`
	MaxProvisionAttempts     int    `yaml:"maxProvisionAttempts"`
	MaxDispatchAttempts      int    `yaml:"maxDispatchAttempts"`
	KeepIdleSeconds          int    `yaml:"keepIdleSeconds"`
	ResourceRegion           string `yaml:"resourceRegion"`
	ResourceGroup            string `yaml:"resourceGroup"`
	ResultPushBaseUrl        string `yaml:"resultPushBaseUrl"`
	EnableContainerMode      bool   `yaml:"enableContainerMode"`
	EnableEmbeddedSupervisor bool   `yaml:"enableEmbeddedSupervisor"`
}

type AdmissionConfig struct {
	AvailableMemoryMB int64 `yaml:"availableMemoryMB"`
	PerJobMinMemoryMB int64 `yaml:"perJobMinMemoryMB"`
	MaxJobs           int64 `yaml:"maxJobs"`
}

type TransportConfig struct {
	TimeoutSeconds      int     `yaml:"timeoutSeconds"`
	RetryAttempts       int     `yaml:"retryAttempts"`
	RetryInitialMillis  int     `yaml:"retryInitialMillis"`
	RequestsPerSecond   float64 `yaml:"requestsPerSecond"`
	RequestsBurst       int     `yaml:"requestsBurst"`
	HeartbeatPath       string  `yaml:"heartbeatPath"`
	ExecutorResultsPath string  `yaml:"executorResultsPath"`
}

type SupervisorConfig struct {
	ListenAddress   string `yaml:"listenAddress"`
	Port            int    `yaml:"port"`
	AdvertiseHost   string `yaml:"advertiseHost"`
	ExecutorBaseDir string `yaml:"executorBaseDir"`
	ExecutorPort    int    `yaml:"executorPort"`
}

type KubernetesConfig struct {
	KubeConfigPath  string `yaml:"kubeConfigPath"`
	Namespace       string `yaml:"namespace"`
	PodTemplatePath string `yaml:"podTemplatePath"`
	Image           string `yaml:"image"`
	ImagePullPolicy string `yaml:"imagePullPolicy"`
	ServicePort     int    `yaml:"servicePort"`
	CpuRequest      string `yaml:"cpuRequest"`
	MemoryRequest   string `yaml:"memoryRequest"`
}

type Config struct {
	Redis        RedisConfig        `yaml:"redis"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator"`
	Admission    AdmissionConfig    `yaml:"admission"`
	Transport    TransportConfig    `yaml:"transport"`
	Supervisor   SupervisorConfig   `yaml:"supervisor"`
	Kubernetes   KubernetesConfig   `yaml:"kubernetes"`
	LogLevel     string             `yaml:"logLevel"`
}

/**
fills in anything left blank in the config file
*/
func (c *Config) ApplyDefaults() {
	if c.Redis.Address == "" {
		c.Redis.Address = "localhost:6379"
	}
	if c.Orchestrator.ListenAddress == "" {
		c.Orchestrator.ListenAddress = ":9000"
	}
	if c.Orchestrator.TickIntervalMillis <= 0 {
		c.Orchestrator.TickIntervalMillis = 1000
	}
	if c.Orchestrator.Workers <= 0 {
		c.Orchestrator.Workers = 8
	}
	if c.Orchestrator.HeartbeatTimeoutSeconds <= 0 {
		c.Orchestrator.HeartbeatTimeoutSeconds = 120
	}
	if c.Orchestrator.CancelTimeoutSeconds <= 0 {
		c.Orchestrator.CancelTimeoutSeconds = 60
	}
	if c.Orchestrator.AllocateTimeoutSeconds <= 0 {
		c.Orchestrator.AllocateTimeoutSeconds = 600
	}
	if c.Orchestrator.MaxProvisionAttempts <= 0 {
		c.Orchestrator.MaxProvisionAttempts = 3
	}
	if c.Orchestrator.MaxDispatchAttempts <= 0 {
		c.Orchestrator.MaxDispatchAttempts = 5
	}
	if c.Orchestrator.KeepIdleSeconds <= 0 {
		c.Orchestrator.KeepIdleSeconds = 300
	}
	if c.Orchestrator.ResourceRegion == "" {
		c.Orchestrator.ResourceRegion = "default"
	}
	if c.Orchestrator.ResourceGroup == "" {
		c.Orchestrator.ResourceGroup = "default"
	}
	if c.Admission.PerJobMinMemoryMB <= 0 {
		c.Admission.PerJobMinMemoryMB = 512
	}
	if c.Transport.TimeoutSeconds <= 0 {
		c.Transport.TimeoutSeconds = 10
	}
	if c.Transport.RetryAttempts <= 0 {
		c.Transport.RetryAttempts = 3
	}
	if c.Transport.RetryInitialMillis <= 0 {
		c.Transport.RetryInitialMillis = 200
	}
	if c.Transport.RequestsPerSecond <= 0 {
		c.Transport.RequestsPerSecond = 50
	}
	if c.Transport.RequestsBurst <= 0 {
		c.Transport.RequestsBurst = 10
	}
	if c.Transport.HeartbeatPath == "" {
		c.Transport.HeartbeatPath = "/heartbeat"
	}
	if c.Transport.ExecutorResultsPath == "" {
		c.Transport.ExecutorResultsPath = "/task/result"
	}
	if c.Supervisor.ListenAddress == "" {
		c.Supervisor.ListenAddress = "0.0.0.0"
	}
	if c.Supervisor.Port <= 0 {
		c.Supervisor.Port = 9999
	}
	//other orchestrators send commands to this address, so it must not default to loopback
	if c.Supervisor.AdvertiseHost == "" {
		hostname, hostErr := os.Hostname()
		if hostErr != nil || hostname == "" {
			log.Printf("WARNING: could not get hostname, advertising the supervisor as 127.0.0.1: %v", hostErr)
			hostname = "127.0.0.1"
		}
		c.Supervisor.AdvertiseHost = hostname
	}
	if c.Supervisor.ExecutorBaseDir == "" {
		c.Supervisor.ExecutorBaseDir = "/tmp/taskrunner"
	}
	if c.Kubernetes.Namespace == "" {
		c.Kubernetes.Namespace = "default"
	}
	if c.Kubernetes.ImagePullPolicy == "" {
		c.Kubernetes.ImagePullPolicy = "IfNotPresent"
	}
	if c.Kubernetes.ServicePort <= 0 {
		c.Kubernetes.ServicePort = 9999
	}
	if c.LogLevel == "" {
		c.LogLevel = "info"
	}
}

func ReadConfig(configFile string) (*Config, error) {
	configBytes, readErr := ioutil.ReadFile(configFile)
	if readErr != nil {
		log.Printf("Could not read config from '%s': %s\n", configFile, readErr)
		return nil, readErr
	}

	return ParseConfig(configBytes, configFile)
}

func ParseConfig(configBytes []byte, sourceName string) (*Config, error) {
	var conf Config

	err := yaml.Unmarshal(configBytes, &conf)
	if err != nil {
		log.Printf("Could not understand config from '%s': %s\n", sourceName, err)
		return nil, err
	}
	conf.ApplyDefaults()
	return &conf, nil
}
