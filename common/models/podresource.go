package models

import "time"

/**
ContainerStatus is the observed state of the executor container inside a pod
*/
type ContainerStatus struct {
	Ready         bool   `json:"ready"`
	Running       bool   `json:"running"`
	Waiting       bool   `json:"waiting"`
	WaitingReason string `json:"waitingReason,omitempty"`
	Terminated    bool   `json:"terminated"`
}

const (
	WAITING_REASON_PENDING            = "Pending"
	WAITING_REASON_CONTAINER_CREATING = "ContainerCreating"
)

var (
	POD_STATUS_RUNNING  = ContainerStatus{Ready: true, Running: true}
	POD_STATUS_PENDING  = ContainerStatus{Waiting: true, WaitingReason: WAITING_REASON_PENDING}
	POD_STATUS_CREATING = ContainerStatus{Waiting: true, WaitingReason: WAITING_REASON_CONTAINER_CREATING}
)

func (c ContainerStatus) IsRunning() bool {
	return c == POD_STATUS_RUNNING
}

func (c ContainerStatus) IsCreating() bool {
	return c == POD_STATUS_PENDING || c == POD_STATUS_CREATING
}

/**
a pod is healthy only in the canonical RUNNING or CREATING tuples. Every other state, e.g.
ImagePullBackOff or CrashLoopBackOff, is an error and the allocation using it has failed.
*/
func (c ContainerStatus) IsError() bool {
	return !c.IsRunning() && !c.IsCreating()
}

/**
PodConfig is the desired executor container spec
*/
type PodConfig struct {
	Image           string            `json:"image"`
	ImagePullPolicy string            `json:"imagePullPolicy"`
	Command         []string          `json:"command"`
	Environments    map[string]string `json:"environments"`
	Labels          map[string]string `json:"labels"`
	ServicePort     int               `json:"servicePort"`
	CpuRequest      string            `json:"cpuRequest,omitempty"`
	MemoryRequest   string            `json:"memoryRequest,omitempty"`
}

/**
ResourceContext is everything needed to create one executor pod
*/
type ResourceContext struct {
	Region    string    `json:"region"`
	Group     string    `json:"group"`
	Namespace string    `json:"namespace"`
	Name      string    `json:"name"`
	PodConfig PodConfig `json:"podConfig"`
}

/**
PodResource is the observed state of an executor pod
*/
type PodResource struct {
	Region      string          `json:"region"`
	Group       string          `json:"group"`
	Namespace   string          `json:"namespace"`
	Name        string          `json:"name"`
	Status      ContainerStatus `json:"status"`
	PodIP       string          `json:"podIp"`
	ServicePort int             `json:"servicePort"`
	CreateTime  time.Time       `json:"createTime"`
}

func (p *PodResource) ResourceID() ResourceID {
	return ResourceID{Region: p.Region, Group: p.Group, Namespace: p.Namespace, Name: p.Name}
}
