package models

import (
	"fmt"
	"net"
	"strconv"
	"time"
)

/**
SupervisorEndpoint is the control-plane address of a supervisor
*/
type SupervisorEndpoint struct {
	Host string `json:"host"`
	Port int    `json:"port"`
}

//SELF_ENDPOINT is the supervisor embedded in this process, its port is resolved at dispatch time
var SELF_ENDPOINT = SupervisorEndpoint{Host: "127.0.0.1", Port: -1}

func (e SupervisorEndpoint) IsSelf() bool {
	return e == SELF_ENDPOINT
}

/**
replaces the SELF_ENDPOINT sentinel with the real local supervisor port, any other endpoint is returned as-is
*/
func (e SupervisorEndpoint) Resolve(localPort int) SupervisorEndpoint {
	if e.IsSelf() {
		return SupervisorEndpoint{Host: e.Host, Port: localPort}
	}
	return e
}

func (e SupervisorEndpoint) Address() string {
	return net.JoinHostPort(e.Host, strconv.Itoa(e.Port))
}

func (e SupervisorEndpoint) String() string {
	return e.Address()
}

/**
ExecutorEndpoint addresses the process or container actually running a task, along with the
supervisor that manages it
*/
type ExecutorEndpoint struct {
	Protocol            string `json:"protocol"`
	Host                string `json:"host"`
	SupervisorPort      int    `json:"supervisorPort"`
	SupervisorOwnerPort *int   `json:"supervisorOwnerPort,omitempty"`
	ExecutorPort        int    `json:"executorPort"`
	Identifier          string `json:"identifier"`
}

func (e ExecutorEndpoint) Supervisor() SupervisorEndpoint {
	return SupervisorEndpoint{Host: e.Host, Port: e.SupervisorPort}
}

func (e ExecutorEndpoint) BaseUrl() string {
	return fmt.Sprintf("http://%s", net.JoinHostPort(e.Host, strconv.Itoa(e.ExecutorPort)))
}

type EndpointState string

const (
	ENDPOINT_PREPARING   EndpointState = "PREPARING"
	ENDPOINT_AVAILABLE   EndpointState = "AVAILABLE"
	ENDPOINT_UNAVAILABLE EndpointState = "UNAVAILABLE"
	ENDPOINT_ABANDON     EndpointState = "ABANDON"
)

/**
ResourceID locates the compute resource behind an endpoint, e.g. a pod in a namespace.
Process endpoints have no resource and leave this empty.
*/
type ResourceID struct {
	Region    string `json:"region"`
	Group     string `json:"group"`
	Namespace string `json:"namespace"`
	Name      string `json:"name"`
}

func (r ResourceID) IsEmpty() bool {
	return r.Namespace == "" && r.Name == ""
}

/**
SupervisorEndpointRecord is the persisted form of a supervisor endpoint, with its current load
(number of jobs bound to it)
*/
type SupervisorEndpointRecord struct {
	Id         string        `json:"id"`
	Host       string        `json:"host"`
	Port       int           `json:"port"`
	State      EndpointState `json:"state"`
	Loads      int           `json:"loads"`
	RunMode    RunMode       `json:"runMode"`
	Region     string        `json:"region"`
	Group      string        `json:"group"`
	ResourceID ResourceID    `json:"resourceId"`
	CreateTime time.Time     `json:"createTime"`
	UpdateTime time.Time     `json:"updateTime"`
}

func (r *SupervisorEndpointRecord) Endpoint() SupervisorEndpoint {
	return SupervisorEndpoint{Host: r.Host, Port: r.Port}
}
