package policy

// AllowedModels lists the model names the built-in policy accepts.
var AllowedModels = []string{"gpt-4.1", "gpt-4.1-mini", "gpt-4o", "gpt-4o-mini"}

// GetBuiltinPolicies returns all built-in policies.
func GetBuiltinPolicies() []Policy {
	return []Policy{
		allowedModelsPolicy(),
		resourceGroupBasePolicy(),
		requiredFieldsPolicy(),
		locationFormatPolicy(),
	}
}

// allowedModelsPolicy restricts the model to the supported set.
func allowedModelsPolicy() Policy {
	return Policy{
		Name:        "allowed-models",
		Description: "Only supported OpenAI models may be deployed",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.policies.models

import rego.v1

deny contains violation if {
	input.operation == "create"
	model := input.parameters.openai_model_name
	not model in input.context.allowed_models
	violation := {
		"message": sprintf("Model '%s' is not allowed (allowed: %s)", [model, concat(", ", input.context.allowed_models)]),
		"field": "openai_model_name",
	}
}
`,
	}
}

// resourceGroupBasePolicy enforces the sanitized base format.
func resourceGroupBasePolicy() Policy {
	return Policy{
		Name:        "resource-group-base",
		Description: "Resource group base must be 3-15 lowercase letters or digits",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.policies.base

import rego.v1

deny contains violation if {
	input.operation == "create"
	base := input.parameters.resource_group_base
	not regex.match("^[a-z0-9]+$", base)
	violation := {
		"message": sprintf("Resource group base '%s' must contain only lowercase letters and digits", [base]),
		"field": "resource_group_base",
	}
}

deny contains violation if {
	input.operation == "create"
	base := input.parameters.resource_group_base
	count(base) < 3
	violation := {
		"message": sprintf("Resource group base '%s' must be at least 3 characters long", [base]),
		"field": "resource_group_base",
	}
}

deny contains violation if {
	input.operation == "create"
	base := input.parameters.resource_group_base
	count(base) > 15
	violation := {
		"message": sprintf("Resource group base '%s' must be at most 15 characters long", [base]),
		"field": "resource_group_base",
	}
}
`,
	}
}

// requiredFieldsPolicy rejects blank service principal settings.
func requiredFieldsPolicy() Policy {
	return Policy{
		Name:        "required-fields",
		Description: "Service principal name and secret expiration date are required",
		Severity:    SeverityError,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.policies.required

import rego.v1

required_fields := ["service_principal_name", "secret_expiration_date", "location"]

deny contains violation if {
	input.operation == "create"
	some field in required_fields
	trim_space(object.get(input.parameters, field, "")) == ""
	violation := {
		"message": sprintf("%s is required", [field]),
		"field": field,
	}
}
`,
	}
}

// locationFormatPolicy warns about display-style region names.
func locationFormatPolicy() Policy {
	return Policy{
		Name:        "location-format",
		Description: "Locations should use the short region name",
		Severity:    SeverityWarning,
		Enabled:     true,
		Builtin:     true,
		Rego: `package provisioner.policies.location

import rego.v1

deny contains violation if {
	input.operation == "create"
	location := input.parameters.location
	location != ""
	not regex.match("^[a-z0-9]+$", location)
	violation := {
		"message": sprintf("Location '%s' does not look like a short region name (e.g. eastus)", [location]),
		"field": "location",
	}
}
`,
	}
}
