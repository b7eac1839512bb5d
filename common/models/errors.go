package models

import (
	"errors"
	"fmt"
)

/**
creating a pod or other compute resource failed. Retried a bounded number of times by the allocator.
*/
type ProvisioningError struct {
	Resource string
	Cause    error
}

func (e *ProvisioningError) Error() string {
	if e.Cause == nil {
		return fmt.Sprintf("could not provision %s", e.Resource)
	}
	return fmt.Sprintf("could not provision %s: %s", e.Resource, e.Cause)
}

func (e *ProvisioningError) Unwrap() error {
	return e.Cause
}

/**
a supervisor or executor could not be reached, or refused the request at the transport level.
Always transient, the job status must not change because of it.
*/
type TransportError struct {
	Target     string
	StatusCode int
	Cause      error
}

func (e *TransportError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("transport to %s failed with http status %d", e.Target, e.StatusCode)
	}
	return fmt.Sprintf("transport to %s failed: %s", e.Target, e.Cause)
}

func (e *TransportError) Unwrap() error {
	return e.Cause
}

/**
an executor reported a TaskStatus outside the known domain
*/
type ProtocolViolation struct {
	Value string
}

func (e *ProtocolViolation) Error() string {
	return fmt.Sprintf("protocol violation: unrecognised task status %q", e.Value)
}

/**
admission was denied, the caller should back off and retry later
*/
type CapacityExceeded struct {
	Running  int64
	Capacity int64
}

func (e *CapacityExceeded) Error() string {
	return fmt.Sprintf("capacity exceeded: %d running jobs with capacity %d", e.Running, e.Capacity)
}

/**
a strategy variant does not support the requested operation
*/
type UnsupportedOperation struct {
	Variant   string
	Operation string
}

func (e *UnsupportedOperation) Error() string {
	return fmt.Sprintf("%s is not supported by the %s strategy", e.Operation, e.Variant)
}

func IsTransportError(err error) bool {
	var target *TransportError
	return errors.As(err, &target)
}

func IsProvisioningError(err error) bool {
	var target *ProvisioningError
	return errors.As(err, &target)
}

func IsProtocolViolation(err error) bool {
	var target *ProtocolViolation
	return errors.As(err, &target)
}

func IsUnsupportedOperation(err error) bool {
	var target *UnsupportedOperation
	return errors.As(err, &target)
}
