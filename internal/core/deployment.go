package core

import (
	"context"
	"time"

	"github.com/3cpo-dev/hoist/pkg/api"
)

// Deployment is one deploy attempt as kept in history.
type Deployment struct {
	ID         string
	Ref        string
	Host       string
	Port       int
	Phase      Phase
	ErrorKind  ErrorKind
	Message    string
	Polls      int
	StartedAt  time.Time
	FinishedAt time.Time
}

func (d Deployment) Duration() time.Duration {
	if d.FinishedAt.IsZero() {
		return 0
	}
	return d.FinishedAt.Sub(d.StartedAt)
}

// Record converts d to its public JSON form.
func (d Deployment) Record() api.DeploymentRecord {
	r := api.DeploymentRecord{
		ID:        d.ID,
		Ref:       d.Ref,
		Host:      d.Host,
		Port:      d.Port,
		Phase:     d.Phase.String(),
		ErrorKind: d.ErrorKind.String(),
		Message:   d.Message,
		Polls:     d.Polls,
		StartedAt: d.StartedAt,
	}
	if !d.FinishedAt.IsZero() {
		t := d.FinishedAt
		r.FinishedAt = &t
	}
	return r
}

// History persists deploy attempts. *Store implements it.
type History interface {
	Begin(ctx context.Context, d Deployment) error
	Finish(ctx context.Context, d Deployment) error
	List(ctx context.Context, host string, port, limit int) ([]Deployment, error)
	// LastSucceeded returns the newest SUCCEEDED deployment for host:port
	// whose ref differs from exclude, or nil.
	LastSucceeded(ctx context.Context, host string, port int, exclude string) (*Deployment, error)
}
