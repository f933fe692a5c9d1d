package engine

import (
	"context"
	"errors"
	"fmt"
	"reflect"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/policy"
	"github.com/openfroyo/provisioner/pkg/stores"
)

// DefaultDeploymentSKU is used when no SKU is given.
const DefaultDeploymentSKU = "GlobalStandard"

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(f reflect.StructField) string {
		name := strings.SplitN(f.Tag.Get("json"), ",", 2)[0]
		if name == "-" || name == "" {
			return f.Name
		}
		return name
	})
	return v
}

// NormalizeParameters sanitizes the base name, trims free-text fields and
// applies defaults. Generated names are left untouched.
func NormalizeParameters(p stores.Parameters) stores.Parameters {
	p.ResourceGroupBase = naming.Sanitize(p.ResourceGroupBase)
	p.Location = strings.TrimSpace(p.Location)
	p.ModelName = strings.TrimSpace(p.ModelName)
	p.ModelVersion = strings.TrimSpace(p.ModelVersion)
	p.ModelDeploymentName = strings.TrimSpace(p.ModelDeploymentName)
	p.DeploymentSKU = strings.TrimSpace(p.DeploymentSKU)
	p.ServicePrincipalName = strings.TrimSpace(p.ServicePrincipalName)
	p.SecretExpirationDate = strings.TrimSpace(p.SecretExpirationDate)
	p.SubscriptionID = strings.TrimSpace(p.SubscriptionID)

	if p.DeploymentSKU == "" {
		p.DeploymentSKU = DefaultDeploymentSKU
	}
	if p.ModelDeploymentName == "" {
		p.ModelDeploymentName = p.ModelName
	}
	if p.Names != nil {
		p.Names = naming.Names(p.Names).Clone()
	}
	return p
}

// ValidateParameters checks struct constraints and, when pe is not nil,
// evaluates the admission policies for operation. Blocking violations are
// returned as a ValidationError carrying the policy result.
func ValidateParameters(ctx context.Context, pe *policy.Engine, operation stores.Operation, p stores.Parameters) (*policy.Result, error) {
	if err := validate.Struct(p); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fieldMessage(fe))
			}
			return nil, NewValidationError(strings.Join(msgs, "; "), nil)
		}
		return nil, NewValidationError("invalid parameters", err)
	}

	if pe == nil {
		return nil, nil
	}

	res, err := pe.Evaluate(ctx, policy.Input{Operation: string(operation), Parameters: p})
	if err != nil {
		return nil, NewInternalError("policy evaluation failed", err)
	}
	if !res.Allowed {
		return res, NewValidationError(strings.Join(res.Messages(), "; "), nil).
			WithDetail("violations", res.Violations)
	}
	return res, nil
}

func fieldMessage(fe validator.FieldError) string {
	switch fe.Tag() {
	case "required":
		return fmt.Sprintf("%s is required", fe.Field())
	case "min":
		return fmt.Sprintf("%s must be at least %s characters", fe.Field(), fe.Param())
	case "max":
		return fmt.Sprintf("%s must be at most %s characters", fe.Field(), fe.Param())
	case "alphanum", "lowercase":
		return fmt.Sprintf("%s must contain only lowercase letters and digits", fe.Field())
	default:
		return fmt.Sprintf("%s failed %s validation", fe.Field(), fe.Tag())
	}
}
