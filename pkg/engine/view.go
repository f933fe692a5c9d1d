package engine

import (
	"sort"
	"time"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// RedactedValue replaces sensitive output values outside the durable record.
const RedactedValue = "********"

// View is the caller-facing summary of a deployment. Sensitive output values
// are never included.
type View struct {
	ID            string            `json:"id"`
	Status        stores.Status     `json:"status"`
	Operation     stores.Operation  `json:"operation,omitempty"`
	Reason        string            `json:"reason,omitempty"`
	Error         string            `json:"error,omitempty"`
	Active        bool              `json:"active"`
	Parameters    stores.Parameters `json:"parameters"`
	Outputs       map[string]any    `json:"outputs,omitempty"`
	Sensitive     []string          `json:"sensitive_outputs,omitempty"`
	AccountID     string            `json:"account_id,omitempty"`
	WorkspacePath string            `json:"workspace_path"`
	CreatedAt     time.Time         `json:"created_at"`
	UpdatedAt     time.Time         `json:"updated_at"`
	CompletedAt   *time.Time        `json:"completed_at,omitempty"`
}

// NewView summarizes d. Sensitive outputs are listed by name only.
func NewView(d *stores.Deployment, active bool) View {
	c := d.Clone()
	v := View{
		ID:            c.ID,
		Status:        c.Status,
		Operation:     c.Operation,
		Reason:        c.Reason,
		Error:         c.Error,
		Active:        active,
		Parameters:    c.Parameters,
		AccountID:     c.AccountID,
		WorkspacePath: c.WorkspacePath,
		CreatedAt:     c.CreatedAt,
		UpdatedAt:     c.UpdatedAt,
		CompletedAt:   c.CompletedAt,
	}
	if len(c.Outputs) > 0 {
		v.Outputs = make(map[string]any, len(c.Outputs))
		for k, o := range c.Outputs {
			if o.Sensitive {
				v.Sensitive = append(v.Sensitive, k)
				continue
			}
			v.Outputs[k] = o.Value
		}
		sort.Strings(v.Sensitive)
	}
	return v
}

// redactOutputs returns a copy of outputs with sensitive values masked.
func redactOutputs(outputs map[string]stores.Output) map[string]stores.Output {
	out := make(map[string]stores.Output, len(outputs))
	for k, o := range outputs {
		if o.Sensitive {
			o.Value = RedactedValue
		}
		out[k] = o
	}
	return out
}
