package models

import (
	"time"

	mapset "github.com/deckarep/golang-set"
)

type AllocateState string

const (
	ALLOCATE_PENDING_ADMISSION AllocateState = "PENDING_ADMISSION"
	ALLOCATE_PREPARING         AllocateState = "PREPARING"
	ALLOCATE_CREATING_RESOURCE AllocateState = "CREATING_RESOURCE"
	ALLOCATE_AVAILABLE         AllocateState = "AVAILABLE"
	ALLOCATE_FAILED            AllocateState = "FAILED"
	ALLOCATE_RELEASING         AllocateState = "RELEASING"
	ALLOCATE_RELEASED          AllocateState = "RELEASED"
)

//states the allocator still has work to do on
var pendingAllocateStates = mapset.NewSet(ALLOCATE_PREPARING, ALLOCATE_CREATING_RESOURCE)

func (s AllocateState) IsPending() bool {
	return pendingAllocateStates.Contains(s)
}

/**
ResourceAllocateInfo records a pending or granted compute allocation for a single job.
Created on submission, granted once an endpoint is assigned and archived (RELEASED) on release.
*/
type ResourceAllocateInfo struct {
	JobIdentity          JobIdentity         `json:"jobIdentity"`
	RunMode              RunMode             `json:"runMode"`
	ResourceRegion       string              `json:"resourceRegion"`
	ResourceGroup        string              `json:"resourceGroup"`
	AllocateState        AllocateState       `json:"allocateState"`
	SupervisorEndpointId string              `json:"supervisorEndpointId,omitempty"`
	Endpoint             *SupervisorEndpoint `json:"endpoint,omitempty"`
	ProvisionAttempts    int                 `json:"provisionAttempts"`
	FailReason           string              `json:"failReason,omitempty"`
	CreateTime           time.Time           `json:"createTime"`
	UpdateTime           time.Time           `json:"updateTime"`
}

/**
true if the allocation holds (or may hold) an endpoint that still has to be given back
*/
func (a *ResourceAllocateInfo) NeedsRelease() bool {
	switch a.AllocateState {
	case ALLOCATE_RELEASED:
		return false
	case ALLOCATE_PENDING_ADMISSION:
		return false
	default:
		return a.SupervisorEndpointId != "" || a.AllocateState == ALLOCATE_RELEASING
	}
}
