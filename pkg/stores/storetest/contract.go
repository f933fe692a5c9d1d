// Package storetest holds the behavioural contract every stores.Store
// implementation must satisfy.
package storetest

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// Factory returns a fresh, empty store. Cleanup is registered on t.
type Factory func(t *testing.T) stores.Store

// Run exercises the store contract against the store returned by factory.
func Run(t *testing.T, factory Factory) {
	t.Run("GetMissing", func(t *testing.T) {
		s := factory(t)
		_, err := s.Get(context.Background(), "missing")
		require.Error(t, err)
		assert.True(t, errors.Is(err, stores.ErrNotFound))
	})

	t.Run("PutGet", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := NewDeployment("dep-1", time.Now())
		d.Outputs = map[string]stores.Output{
			"endpoint": {Value: "https://demo.openai.azure.com/", Type: []byte(`"string"`)},
			"key":      {Value: "secret", Type: []byte(`"string"`), Sensitive: true},
		}

		require.NoError(t, s.Put(ctx, d))

		got, err := s.Get(ctx, "dep-1")
		require.NoError(t, err)
		assert.Equal(t, d.ID, got.ID)
		assert.Equal(t, d.Status, got.Status)
		assert.Equal(t, d.Parameters, got.Parameters)
		assert.True(t, d.CreatedAt.Equal(got.CreatedAt))
		require.Len(t, got.Outputs, 2)
		assert.Equal(t, "https://demo.openai.azure.com/", got.Outputs["endpoint"].Value)
		assert.True(t, got.Outputs["key"].Sensitive)
	})

	t.Run("Overwrite", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		d := NewDeployment("dep-2", time.Now())
		require.NoError(t, s.Put(ctx, d))

		d.Status = stores.StatusError
		d.Reason = "tool"
		d.Error = "apply exited with code 1"
		d.UpdatedAt = d.UpdatedAt.Add(time.Second)
		require.NoError(t, s.Put(ctx, d))

		got, err := s.Get(ctx, "dep-2")
		require.NoError(t, err)
		assert.Equal(t, stores.StatusError, got.Status)
		assert.Equal(t, "tool", got.Reason)
		assert.Empty(t, got.Outputs)

		all, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 1)
	})

	t.Run("ListOrderedByCreation", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		base := time.Now()
		require.NoError(t, s.Put(ctx, NewDeployment("c", base.Add(2*time.Second))))
		require.NoError(t, s.Put(ctx, NewDeployment("a", base)))
		require.NoError(t, s.Put(ctx, NewDeployment("b", base.Add(time.Second))))

		list, err := s.List(ctx)
		require.NoError(t, err)
		require.Len(t, list, 3)
		assert.Equal(t, []string{"a", "b", "c"}, []string{list[0].ID, list[1].ID, list[2].ID})

		all, err := s.LoadAll(ctx)
		require.NoError(t, err)
		assert.Len(t, all, 3)
		assert.Contains(t, all, "b")
	})

	t.Run("ConcurrentPutsDifferentIDs", func(t *testing.T) {
		s := factory(t)
		ctx := context.Background()
		var wg sync.WaitGroup
		errs := make(chan error, 16)
		for i := 0; i < 16; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				errs <- s.Put(ctx, NewDeployment(fmt.Sprintf("par-%02d", i), time.Now()))
			}(i)
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			require.NoError(t, err)
		}

		list, err := s.List(ctx)
		require.NoError(t, err)
		assert.Len(t, list, 16)
	})

	t.Run("HealthCheck", func(t *testing.T) {
		s := factory(t)
		assert.NoError(t, s.HealthCheck(context.Background()))
	})
}

// NewDeployment builds a pending deployment fixture. Timestamps are truncated
// to the precision every backend preserves.
func NewDeployment(id string, created time.Time) *stores.Deployment {
	created = created.UTC().Truncate(time.Millisecond)
	return &stores.Deployment{
		ID:        id,
		Status:    stores.StatusPending,
		Operation: stores.OperationCreate,
		Parameters: stores.Parameters{
			ResourceGroupBase:     "demo",
			Location:              "eastus",
			EnableModelDeployment: true,
			ModelDeploymentName:   "gpt-4o",
			ModelName:             "gpt-4o",
			DeploymentSKU:         "GlobalStandard",
			ServicePrincipalName:  "sp-demo",
			SecretExpirationDate:  "2027-01-01",
			Names:                 map[string]string{"storage_account_name": "stgdemoab12c"},
		},
		WorkspacePath: "/var/lib/provisioner/workspaces/" + id,
		CreatedAt:     created,
		UpdatedAt:     created,
	}
}
