package stores

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// ErrNotFound is returned when a deployment id is unknown to the store.
var ErrNotFound = errors.New("deployment not found")

// Status represents the lifecycle status of a deployment
type Status string

const (
	StatusPending      Status = "pending"
	StatusInitializing Status = "initializing"
	StatusApplying     Status = "applying"
	StatusCompleted    Status = "completed"
	StatusError        Status = "error"
	StatusDestroying   Status = "destroying"
	StatusDestroyed    Status = "destroyed"
)

// IsTerminal returns true if no workflow is running for the status.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusError || s == StatusDestroyed
}

// IsActive returns true while the external tool may be running.
func (s Status) IsActive() bool {
	return s == StatusInitializing || s == StatusApplying || s == StatusDestroying
}

// Validate checks if the status is known.
func (s Status) Validate() error {
	switch s {
	case StatusPending, StatusInitializing, StatusApplying, StatusCompleted,
		StatusError, StatusDestroying, StatusDestroyed:
		return nil
	default:
		return fmt.Errorf("invalid deployment status: %s", s)
	}
}

// Operation is the workflow that last touched a deployment.
type Operation string

const (
	OperationCreate  Operation = "create"
	OperationDestroy Operation = "destroy"
)

// Parameters is the immutable input configuration of a deployment.
type Parameters struct {
	ResourceGroupBase     string            `json:"resource_group_base" yaml:"resource_group_base" validate:"required,min=3,max=15,alphanum,lowercase"`
	Location              string            `json:"location" yaml:"location" validate:"required"`
	IncludeSearch         bool              `json:"include_search" yaml:"include_search"`
	EnableModelDeployment bool              `json:"enable_model_deployment" yaml:"enable_model_deployment"`
	ModelDeploymentName   string            `json:"model_deployment_name" yaml:"model_deployment_name"`
	ModelName             string            `json:"openai_model_name" yaml:"openai_model_name" validate:"required"`
	ModelVersion          string            `json:"openai_model_version" yaml:"openai_model_version"`
	DeploymentSKU         string            `json:"openai_deployment_sku" yaml:"openai_deployment_sku" validate:"required"`
	ServicePrincipalName  string            `json:"service_principal_name" yaml:"service_principal_name" validate:"required"`
	SecretExpirationDate  string            `json:"secret_expiration_date" yaml:"secret_expiration_date" validate:"required"`
	SubscriptionID        string            `json:"subscription_id,omitempty" yaml:"subscription_id,omitempty"`
	Names                 map[string]string `json:"names,omitempty" yaml:"names,omitempty"`
}

// Output is a single output variable reported by the provisioning tool.
type Output struct {
	Value     any             `json:"value"`
	Type      json.RawMessage `json:"type,omitempty"`
	Sensitive bool            `json:"sensitive"`
}

// Deployment is the durable record of one provisioned resource set
type Deployment struct {
	ID            string            `json:"id"`
	Status        Status            `json:"status"`
	Operation     Operation         `json:"operation,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Error         string            `json:"error,omitempty"`
	Parameters    Parameters        `json:"parameters"`
	Outputs       map[string]Output `json:"outputs,omitempty"`
	AccountID     string            `json:"account_id,omitempty"`
	WorkspacePath string            `json:"workspace_path"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// Clone returns a deep copy so callers can mutate it without touching cached state.
func (d *Deployment) Clone() *Deployment {
	if d == nil {
		return nil
	}
	c := *d
	if d.Parameters.Names != nil {
		c.Parameters.Names = make(map[string]string, len(d.Parameters.Names))
		for k, v := range d.Parameters.Names {
			c.Parameters.Names[k] = v
		}
	}
	if d.Outputs != nil {
		c.Outputs = make(map[string]Output, len(d.Outputs))
		for k, v := range d.Outputs {
			c.Outputs[k] = v
		}
	}
	if d.CompletedAt != nil {
		t := *d.CompletedAt
		c.CompletedAt = &t
	}
	return &c
}

// Transition is an audit entry for a status change
type Transition struct {
	DeploymentID string    `json:"deployment_id"`
	From         Status    `json:"from"`
	To           Status    `json:"to"`
	Reason       string    `json:"reason,omitempty"`
	RecordedAt   time.Time `json:"recorded_at"`
}

// Store is the durable deployment record store.
//
// Put must be atomic with respect to a process crash. Puts for different ids
// must not block each other; puts for the same id are serialized by the caller.
type Store interface {
	Get(ctx context.Context, id string) (*Deployment, error)
	Put(ctx context.Context, d *Deployment) error
	List(ctx context.Context) ([]*Deployment, error)
	LoadAll(ctx context.Context) (map[string]*Deployment, error)
	HealthCheck(ctx context.Context) error
	Close() error
}

// HistoryStore is implemented by stores that keep a transition audit trail.
type HistoryStore interface {
	History(ctx context.Context, id string) ([]Transition, error)
}

func notFound(id string) error {
	return fmt.Errorf("%w: %s", ErrNotFound, id)
}
