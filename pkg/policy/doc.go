// Package policy provides Open Policy Agent (OPA) admission checks for
// deployment requests.
//
// Every request is evaluated as the `input` document:
//
//	{
//	  "operation": "create",
//	  "parameters": { "resource_group_base": "demo", "openai_model_name": "gpt-4o", ... },
//	  "context": { "timestamp": "...", "allowed_models": ["gpt-4.1", ...] }
//	}
//
// A policy is a Rego module whose package defines a `deny` set. Entries may be
// plain strings or objects with message, field and severity keys. Violations
// with severity error or critical reject the request; the rest are returned
// as warnings.
//
// # Built-in policies
//
//   - allowed-models: the model must be one of AllowedModels
//   - resource-group-base: 3-15 lowercase letters or digits
//   - required-fields: service principal name, secret expiration date, location
//   - location-format: warns on display-style region names
//
// # Custom policies
//
// Custom policies are loaded from .rego files (severity warning unless the
// entry says otherwise) or .json files carrying a full Policy. Engine.Watch
// reloads them when files under the configured directories change:
//
//	eng, err := policy.NewEngine(logger)
//	if err != nil {
//	    return err
//	}
//	if err := eng.Watch(ctx, []string{"/etc/provisioner/policies"}); err != nil {
//	    return err
//	}
//	result, err := eng.Evaluate(ctx, policy.Input{Operation: "create", Parameters: params})
package policy
