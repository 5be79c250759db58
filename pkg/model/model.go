// Package model defines the data types shared by the endpoint, transport,
// dispatcher and job layers: lifecycle states, event scopes and change types,
// job phases and the prediction records produced by inference jobs.
package model

import (
	"encoding/json"
	"fmt"
)

// State is the lifecycle state of an Endpoint.
type State int

const (
	StateIdle State = iota
	StateConnecting
	StateConnected
	StateReconnecting
	StateDisconnecting
	StateDisconnected
	StateError
)

// String returns the lower-case name of the state.
func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateDisconnecting:
		return "disconnecting"
	case StateDisconnected:
		return "disconnected"
	case StateError:
		return "error"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// ScopeKind identifies the resource family an event belongs to.
type ScopeKind string

const (
	ScopeAccount ScopeKind = "account"
	ScopeDataset ScopeKind = "dataset"
	ScopeModel   ScopeKind = "model"
	ScopeIngress ScopeKind = "ingress"
	ScopeJob     ScopeKind = "job"
)

// Scope is the routing key for server-pushed events: a resource kind plus
// the resource id (account uuid, dataset uuid, job id...).
type Scope struct {
	Kind ScopeKind `json:"kind"`
	ID   string    `json:"id"`
}

func (s Scope) String() string {
	return string(s.Kind) + ":" + s.ID
}

// AccountScope returns the scope for account-wide events.
func AccountScope(accountUUID string) Scope { return Scope{Kind: ScopeAccount, ID: accountUUID} }

// DatasetScope returns the scope for events about one dataset.
func DatasetScope(datasetUUID string) Scope { return Scope{Kind: ScopeDataset, ID: datasetUUID} }

// ModelScope returns the scope for events about one model.
func ModelScope(modelUUID string) Scope { return Scope{Kind: ScopeModel, ID: modelUUID} }

// IngressScope returns the scope for events about one ingress.
func IngressScope(ingressID string) Scope { return Scope{Kind: ScopeIngress, ID: ingressID} }

// JobScope returns the scope carrying results and phase changes of one job.
func JobScope(jobID string) Scope { return Scope{Kind: ScopeJob, ID: jobID} }

// ChangeType discriminates pushed events.
type ChangeType string

const (
	ChangeResourceAdded    ChangeType = "resource_added"
	ChangeResourceModified ChangeType = "resource_modified"
	ChangeResourceRemoved  ChangeType = "resource_removed"
	ChangeProgress         ChangeType = "progress"
	ChangeJobResult        ChangeType = "job_result"
	ChangeJobPhase         ChangeType = "job_phase"
	// ChangeEventsLost tells the receiver that deltas were dropped and any
	// incrementally maintained view must be re-fetched.
	ChangeEventsLost ChangeType = "events_lost"
)

// Event is one server-pushed record.
type Event struct {
	ChangeType ChangeType      `json:"change_type"`
	Scope      Scope           `json:"scope"`
	Seq        uint64          `json:"seq,omitempty"`
	Payload    json.RawMessage `json:"payload,omitempty"`
}

// EventsLost builds the synthetic resync signal for scope.
func EventsLost(scope Scope) Event {
	return Event{ChangeType: ChangeEventsLost, Scope: scope}
}

// JobPhase is the server-reported phase of an asynchronous operation.
type JobPhase string

const (
	JobQueued    JobPhase = "queued"
	JobRunning   JobPhase = "running"
	JobSucceeded JobPhase = "succeeded"
	JobFailed    JobPhase = "failed"
)

// Terminal reports whether no further results follow this phase.
func (p JobPhase) Terminal() bool {
	return p == JobSucceeded || p == JobFailed
}

// JobHandle is returned by every call that starts a server-side operation.
type JobHandle struct {
	ID    string   `json:"job_id"`
	Phase JobPhase `json:"phase"`
}

// JobResult is one indexed item produced by a job. Seq starts at zero and is
// contiguous per job, so the same item seen over push and poll can be
// recognised.
type JobResult struct {
	Seq    uint64          `json:"seq"`
	Result json.RawMessage `json:"result"`
}

// JobStatus is the authoritative job state returned by polling.
type JobStatus struct {
	ID      string      `json:"job_id"`
	Phase   JobPhase    `json:"phase"`
	Reason  string      `json:"reason,omitempty"`
	Results []JobResult `json:"results,omitempty"`
}

// PhaseChange is the payload of a job_phase event.
type PhaseChange struct {
	Phase  JobPhase `json:"phase"`
	Reason string   `json:"reason,omitempty"`
}

// Prediction is an inference result for one source (image or video frame).
type Prediction struct {
	SourceID     string            `json:"source_id,omitempty"`
	SourceWidth  float64           `json:"source_width"`
	SourceHeight float64           `json:"source_height"`
	Timestamp    int64             `json:"timestamp,omitempty"`
	Seconds      float64           `json:"seconds,omitempty"`
	Objects      []PredictedObject `json:"objects,omitempty"`
	Classes      []PredictedClass  `json:"classes,omitempty"`
}

// PredictedObject is a detected object in source pixel coordinates.
type PredictedObject struct {
	ID         int               `json:"id,omitempty"`
	Category   string            `json:"category,omitempty"`
	ClassLabel string            `json:"classLabel"`
	Confidence float64           `json:"confidence"`
	X          float64           `json:"x"`
	Y          float64           `json:"y"`
	Width      float64           `json:"width"`
	Height     float64           `json:"height"`
	Objects    []PredictedObject `json:"objects,omitempty"`
	Classes    []PredictedClass  `json:"classes,omitempty"`
}

// PredictedClass is a whole-source or per-object classification.
type PredictedClass struct {
	Category   string  `json:"category,omitempty"`
	ClassLabel string  `json:"classLabel"`
	Confidence float64 `json:"confidence"`
}

// Pop is a worker pipeline definition. The component graph is owned by the
// service and passed through untouched.
type Pop struct {
	ID         string          `json:"id,omitempty"`
	Components json.RawMessage `json:"components,omitempty"`
}

// TransientPopID selects an ad-hoc pop that lives only as long as the session.
const TransientPopID = "transient"

// Dataset is the record returned by the data API.
type Dataset struct {
	UUID        string           `json:"uuid"`
	Name        string           `json:"name"`
	Description string           `json:"description,omitempty"`
	Versions    []DatasetVersion `json:"versions,omitempty"`
}

// DatasetVersion is one version of a dataset.
type DatasetVersion struct {
	Version    int    `json:"version"`
	Modifiable bool   `json:"modifiable"`
	AssetCount int    `json:"asset_count,omitempty"`
	Status     string `json:"status,omitempty"`
}

// TrainRequest selects the dataset version a model is trained on.
type TrainRequest struct {
	DatasetUUID    string `json:"dataset_uuid"`
	DatasetVersion int    `json:"dataset_version"`
}
