package api

import "time"

// v1 public JSON types, printed by `hoist status --json` and
// `hoist history --json`.

type DeploymentRecord struct {
	ID         string     `json:"id" yaml:"id"`
	Ref        string     `json:"ref" yaml:"ref"`
	Host       string     `json:"host" yaml:"host"`
	Port       int        `json:"port" yaml:"port"`
	Phase      string     `json:"phase" yaml:"phase"`
	ErrorKind  string     `json:"error_kind,omitempty" yaml:"error_kind,omitempty"`
	Message    string     `json:"message,omitempty" yaml:"message,omitempty"`
	Polls      int        `json:"polls" yaml:"polls"`
	StartedAt  time.Time  `json:"started_at" yaml:"started_at"`
	FinishedAt *time.Time `json:"finished_at,omitempty" yaml:"finished_at,omitempty"`
}

// InstanceStatus describes the container currently in the slot.
type InstanceStatus struct {
	ID      string `json:"id"`
	Name    string `json:"name"`
	Image   string `json:"image"`
	Running bool   `json:"running"`
	Status  string `json:"status"`
	Port    int    `json:"port"`
}

type DeployStatus struct {
	Host     string            `json:"host"`
	Slot     string            `json:"slot"`
	Runtime  string            `json:"runtime"`
	Instance *InstanceStatus   `json:"instance,omitempty"`
	Last     *DeploymentRecord `json:"last,omitempty"`
	Healthy  *bool             `json:"healthy,omitempty"`
}
