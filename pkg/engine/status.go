package engine

import (
	"encoding/json"
	"fmt"
)

// JobState represents the progress of a job inside a job engine.
type JobState string

const (
	// JobStateIdle indicates the job is not being processed.
	JobStateIdle JobState = "idle"

	// JobStateAttaching indicates the engine is synchronizing the target device.
	JobStateAttaching JobState = "attaching"

	// JobStateBuilding indicates the engine is creating resources step by step.
	JobStateBuilding JobState = "building"

	// JobStateBuilt indicates every resource of the job has a handle.
	JobStateBuilt JobState = "built"

	// JobStateDestroying indicates the engine is releasing the job's resources.
	JobStateDestroying JobState = "destroying"

	// JobStateFailed indicates construction ended with a critical error.
	JobStateFailed JobState = "failed"
)

// IsTerminal returns true if the job state is final for one construct call.
func (s JobState) IsTerminal() bool {
	return s == JobStateBuilt || s == JobStateFailed
}

// IsActive returns true if the engine is working on the job.
func (s JobState) IsActive() bool {
	return s == JobStateAttaching || s == JobStateBuilding || s == JobStateDestroying
}

// EndpointState represents the lifecycle state of an endpoint.
type EndpointState string

const (
	// EndpointStateIdle indicates no resources are built for the endpoint.
	EndpointStateIdle EndpointState = "idle"

	// EndpointStateProcessing indicates a build or teardown is in progress.
	EndpointStateProcessing EndpointState = "processing"

	// EndpointStateBuilt indicates every resource of the endpoint exists on the device.
	EndpointStateBuilt EndpointState = "built"
)

// Validate checks if the endpoint state is valid.
func (s EndpointState) Validate() error {
	switch s {
	case EndpointStateIdle, EndpointStateProcessing, EndpointStateBuilt:
		return nil
	default:
		return fmt.Errorf("invalid endpoint state: %s", s)
	}
}

// RouteState represents the lifecycle state of a route.
type RouteState string

const (
	// RouteStateIdle indicates the route is not built and not being processed.
	RouteStateIdle RouteState = "idle"

	// RouteStateConstruction indicates the endpoints are being built.
	RouteStateConstruction RouteState = "construction"

	// RouteStateBuilt indicates both endpoints are built.
	RouteStateBuilt RouteState = "built"

	// RouteStateDeteriorated indicates a built or building route lost an endpoint.
	RouteStateDeteriorated RouteState = "deteriorated"

	// RouteStateDestruction indicates the endpoints are being torn down.
	RouteStateDestruction RouteState = "destruction"

	// RouteStateSuspended indicates the route is no longer processed.
	RouteStateSuspended RouteState = "suspended"
)

// IsTerminal returns true if the route state is final.
func (s RouteState) IsTerminal() bool {
	return s == RouteStateSuspended
}

// IsActive returns true if the route holds or is acquiring device resources.
func (s RouteState) IsActive() bool {
	return s == RouteStateConstruction || s == RouteStateBuilt ||
		s == RouteStateDeteriorated || s == RouteStateDestruction
}

// Validate checks if the route state is valid.
func (s RouteState) Validate() error {
	switch s {
	case RouteStateIdle, RouteStateConstruction, RouteStateBuilt,
		RouteStateDeteriorated, RouteStateDestruction, RouteStateSuspended:
		return nil
	default:
		return fmt.Errorf("invalid route state: %s", s)
	}
}

// RouteResult represents the last error level seen while processing a route.
type RouteResult string

const (
	// RouteResultNoError indicates the last processing step succeeded.
	RouteResultNoError RouteResult = "no_error"

	// RouteResultUncritical indicates a transient failure that is retried.
	RouteResultUncritical RouteResult = "uncritical"

	// RouteResultCritical indicates a device rejection.
	RouteResultCritical RouteResult = "critical"
)

// RouteInfo is the outcome reported to the application for a route.
type RouteInfo string

const (
	// RouteInfoBuilt indicates the route was built.
	RouteInfoBuilt RouteInfo = "built"

	// RouteInfoDestroyed indicates the route was torn down.
	RouteInfoDestroyed RouteInfo = "destroyed"

	// RouteInfoSuspended indicates the route was suspended after a graceful stop.
	RouteInfoSuspended RouteInfo = "suspended"

	// RouteInfoProcessStop indicates the route can no longer be processed due to termination.
	RouteInfoProcessStop RouteInfo = "process_stop"
)

// Validate checks if the route info is valid.
func (i RouteInfo) Validate() error {
	switch i {
	case RouteInfoBuilt, RouteInfoDestroyed, RouteInfoSuspended, RouteInfoProcessStop:
		return nil
	default:
		return fmt.Errorf("invalid route info: %s", i)
	}
}

// ResourceInfo describes what happened to a single device resource.
type ResourceInfo string

const (
	ResourceInfoBuilt      ResourceInfo = "built"
	ResourceInfoDestroyed  ResourceInfo = "destroyed"
	ResourceInfoErrBuild   ResourceInfo = "err_build"
	ResourceInfoErrDestroy ResourceInfo = "err_destroy"
)

// JobOutcome is the result a job engine reports to the owner of a job.
type JobOutcome string

const (
	// JobOutcomeBuilt indicates all resources of the job were created or reused.
	JobOutcomeBuilt JobOutcome = "built"

	// JobOutcomeDestroyed indicates the job's resources were released.
	JobOutcomeDestroyed JobOutcome = "destroyed"

	// JobOutcomeFailed indicates the job could not be completed. The report carries the error.
	JobOutcomeFailed JobOutcome = "failed"

	// JobOutcomeInvalidated indicates the device dropped one or more resources of the job.
	JobOutcomeInvalidated JobOutcome = "invalidated"
)

// TxResult is the result code a transceiver delivers for a device request.
type TxResult string

const (
	TxSuccess       TxResult = "success"
	TxStandardError TxResult = "standard_error"
	TxBusy          TxResult = "busy"
	TxProcessing    TxResult = "processing"
	TxConfiguration TxResult = "configuration"
	TxSystemError   TxResult = "system_error"
	TxTimeout       TxResult = "timeout"
	TxTransmission  TxResult = "transmission"
)

// Validate checks if the transceiver result is valid.
func (r TxResult) Validate() error {
	switch r {
	case TxSuccess, TxStandardError, TxBusy, TxProcessing,
		TxConfiguration, TxSystemError, TxTimeout, TxTransmission:
		return nil
	default:
		return fmt.Errorf("invalid transceiver result: %s", r)
	}
}

// SyncResult is the result of a remote device synchronization.
type SyncResult string

const (
	SyncSuccess SyncResult = "success"
	SyncError   SyncResult = "sync_error"
)

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (s RouteState) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(s))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (s *RouteState) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*s = RouteState(str)
	return s.Validate()
}

// MarshalJSON implements custom JSON marshaling for type-safe enum serialization.
func (i RouteInfo) MarshalJSON() ([]byte, error) {
	return json.Marshal(string(i))
}

// UnmarshalJSON implements custom JSON unmarshaling with validation.
func (i *RouteInfo) UnmarshalJSON(data []byte) error {
	var str string
	if err := json.Unmarshal(data, &str); err != nil {
		return err
	}
	*i = RouteInfo(str)
	return i.Validate()
}
