package engine

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/stores"
)

func validParams() stores.Parameters {
	return NormalizeParameters(stores.Parameters{
		ResourceGroupBase:    "demo",
		Location:             "eastus",
		ModelName:            "gpt-4o",
		ServicePrincipalName: "sp-demo",
		SecretExpirationDate: "2030-01-01",
	})
}

func TestNormalizeParameters(t *testing.T) {
	names := map[string]string{"suffix": "abcde"}
	p := NormalizeParameters(stores.Parameters{
		ResourceGroupBase: " My_Demo-01 ",
		Location:          " eastus ",
		ModelName:         " gpt-4o ",
		Names:             names,
	})

	assert.Equal(t, "mydemo01", p.ResourceGroupBase)
	assert.Equal(t, "eastus", p.Location)
	assert.Equal(t, "gpt-4o", p.ModelName)
	assert.Equal(t, "gpt-4o", p.ModelDeploymentName)
	assert.Equal(t, DefaultDeploymentSKU, p.DeploymentSKU)

	p.Names["suffix"] = "zzzzz"
	assert.Equal(t, "abcde", names["suffix"], "normalized names must not alias the input")
}

func TestNormalizeKeepsExplicitValues(t *testing.T) {
	p := NormalizeParameters(stores.Parameters{
		ModelName:           "gpt-4o",
		ModelDeploymentName: "chat",
		DeploymentSKU:       "Standard",
	})
	assert.Equal(t, "chat", p.ModelDeploymentName)
	assert.Equal(t, "Standard", p.DeploymentSKU)
}

func TestValidateParametersStructRules(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*stores.Parameters)
		want   string
	}{
		{"short base", func(p *stores.Parameters) { p.ResourceGroupBase = "ab" }, "resource_group_base must be at least 3"},
		{"long base", func(p *stores.Parameters) { p.ResourceGroupBase = "abcdefghijklmnop" }, "resource_group_base must be at most 15"},
		{"upper case base", func(p *stores.Parameters) { p.ResourceGroupBase = "Demo" }, "lowercase letters and digits"},
		{"missing location", func(p *stores.Parameters) { p.Location = "" }, "location is required"},
		{"missing model", func(p *stores.Parameters) { p.ModelName = "" }, "openai_model_name is required"},
		{"missing principal", func(p *stores.Parameters) { p.ServicePrincipalName = "" }, "service_principal_name is required"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := validParams()
			tt.mutate(&p)
			_, err := ValidateParameters(context.Background(), nil, stores.OperationCreate, p)
			require.Error(t, err)
			assert.True(t, IsValidation(err))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestValidateParametersWithoutPolicy(t *testing.T) {
	res, err := ValidateParameters(context.Background(), nil, stores.OperationCreate, validParams())
	require.NoError(t, err)
	assert.Nil(t, res)
}

func TestValidateParametersPolicy(t *testing.T) {
	pe, err := policy.NewEngine(zerolog.Nop())
	require.NoError(t, err)

	res, err := ValidateParameters(context.Background(), pe, stores.OperationCreate, validParams())
	require.NoError(t, err)
	require.NotNil(t, res)
	assert.True(t, res.Allowed)

	p := validParams()
	p.ModelName = "not-a-model"
	res, err = ValidateParameters(context.Background(), pe, stores.OperationCreate, p)
	require.Error(t, err)
	assert.True(t, IsValidation(err))
	assert.Contains(t, err.Error(), "not-a-model")
	require.NotNil(t, res)
	assert.False(t, res.Allowed)

	var ee *EngineError
	require.True(t, errors.As(err, &ee))
	violations, ok := ee.Details["violations"].([]policy.Violation)
	require.True(t, ok)
	require.NotEmpty(t, violations)
	assert.Equal(t, "openai_model_name", violations[0].Field)
}

func TestValidateParametersPolicyCustomModels(t *testing.T) {
	pe, err := policy.NewEngine(zerolog.Nop(), policy.WithAllowedModels([]string{"m1"}))
	require.NoError(t, err)

	p := validParams()
	p.ModelName = "m1"
	res, err := ValidateParameters(context.Background(), pe, stores.OperationCreate, p)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}
