package model

import (
	"encoding/json"
	"time"
)

type JobStatus string

const (
	JobStatusQueued    JobStatus = "queued"
	JobStatusRunning   JobStatus = "running"
	JobStatusCompleted JobStatus = "completed"
	JobStatusFailed    JobStatus = "failed"
)

// JobDescriptor is written to the coordination store when a generation job
// is admitted. The task payload is sealed under the referenced master key;
// the worker decrypts it with MasterKeyUID before generating.
type JobDescriptor struct {
	JobID         string    `json:"jobId"`
	UserID        string    `json:"userId"`
	EntryUID      string    `json:"entryUid"`
	MasterKeyUID  string    `json:"masterKeyUid"`
	EncryptedTask []byte    `json:"encryptedTask"`
	Lane          JobLane   `json:"lane"`
	EnqueuedAt    time.Time `json:"enqueuedAt"`
}

// JobEvent is one progress event on a job's event log and pub/sub channel.
type JobEvent struct {
	JobID  string          `json:"jobId"`
	Status JobStatus       `json:"status"`
	At     time.Time       `json:"at"`
	Data   json.RawMessage `json:"data,omitempty"`
}

// GenerationTask is the plaintext of a descriptor's encrypted task: what to
// generate and whether the result replaces an existing item.
type GenerationTask struct {
	Kind           string `json:"kind"`
	ReplaceCounter int    `json:"replaceCounter,omitempty"`
}
