package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"gopkg.in/yaml.v3"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// Flag is a boolean that also accepts the strings on, 1, true and yes
// (case-insensitive). Any other string is false.
type Flag bool

// ParseFlag interprets s as a Flag.
func ParseFlag(s string) Flag {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "on", "1", "true", "yes":
		return true
	}
	return false
}

// UnmarshalJSON accepts a JSON bool, number or string.
func (f *Flag) UnmarshalJSON(data []byte) error {
	var b bool
	if err := json.Unmarshal(data, &b); err == nil {
		*f = Flag(b)
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err == nil {
		*f = ParseFlag(s)
		return nil
	}
	*f = ParseFlag(string(data))
	return nil
}

// UnmarshalYAML accepts any scalar.
func (f *Flag) UnmarshalYAML(node *yaml.Node) error {
	if node.Kind != yaml.ScalarNode {
		return fmt.Errorf("line %d: expected a scalar flag", node.Line)
	}
	*f = ParseFlag(node.Value)
	return nil
}

// ParameterFile is the user-facing shape of deployment parameters, shared by
// parameter files and the HTTP API.
type ParameterFile struct {
	ResourceGroupBase     string `json:"resource_group_base" yaml:"resource_group_base"`
	Location              string `json:"location" yaml:"location"`
	IncludeSearch         Flag   `json:"include_search" yaml:"include_search"`
	EnableModelDeployment *Flag  `json:"enable_model_deployment,omitempty" yaml:"enable_model_deployment,omitempty"`
	ModelDeploymentName   string `json:"model_deployment_name" yaml:"model_deployment_name"`
	ModelName             string `json:"openai_model_name" yaml:"openai_model_name"`
	ModelVersion          string `json:"openai_model_version" yaml:"openai_model_version"`
	DeploymentSKU         string `json:"openai_deployment_sku" yaml:"openai_deployment_sku"`
	ServicePrincipalName  string `json:"service_principal_name" yaml:"service_principal_name"`
	SecretExpirationDate  string `json:"secret_expiration_date" yaml:"secret_expiration_date"`
	SubscriptionID        string `json:"subscription_id,omitempty" yaml:"subscription_id,omitempty"`
}

// Parameters converts the file into store parameters. Model deployment is
// enabled unless the file disables it; other defaults are applied by the
// engine.
func (p ParameterFile) Parameters() stores.Parameters {
	enable := true
	if p.EnableModelDeployment != nil {
		enable = bool(*p.EnableModelDeployment)
	}
	return stores.Parameters{
		ResourceGroupBase:     p.ResourceGroupBase,
		Location:              p.Location,
		IncludeSearch:         bool(p.IncludeSearch),
		EnableModelDeployment: enable,
		ModelDeploymentName:   p.ModelDeploymentName,
		ModelName:             p.ModelName,
		ModelVersion:          p.ModelVersion,
		DeploymentSKU:         p.DeploymentSKU,
		ServicePrincipalName:  p.ServicePrincipalName,
		SecretExpirationDate:  p.SecretExpirationDate,
		SubscriptionID:        p.SubscriptionID,
	}
}

// parametersSchema constrains CUE parameter files. The definition is closed,
// so unknown fields are rejected.
const parametersSchema = `
#Flag: bool | "on" | "off" | "1" | "0" | "true" | "false" | "yes" | "no"

#Parameters: {
	resource_group_base:      string & =~"^[A-Za-z0-9_-]{1,64}$"
	location:                 string
	include_search?:          #Flag
	enable_model_deployment?: #Flag
	model_deployment_name?:   string
	openai_model_name:        string
	openai_model_version?:    string
	openai_deployment_sku?:   string
	service_principal_name:   string
	secret_expiration_date:   string & =~"^[0-9]{4}-[0-9]{2}-[0-9]{2}"
	subscription_id?:         string
}
`

// LoadParameters reads a parameter file. The format follows the extension:
// .yaml/.yml, .json or .cue.
func LoadParameters(path string) (stores.Parameters, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return stores.Parameters{}, fmt.Errorf("failed to read parameters: %w", err)
	}

	var file ParameterFile
	switch ext := strings.ToLower(filepath.Ext(path)); ext {
	case ".yaml", ".yml":
		dec := yaml.NewDecoder(strings.NewReader(string(data)))
		dec.KnownFields(true)
		if err := dec.Decode(&file); err != nil {
			return stores.Parameters{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".json":
		if err := DecodeParametersJSON(data, &file); err != nil {
			return stores.Parameters{}, fmt.Errorf("failed to parse %s: %w", path, err)
		}
	case ".cue":
		if err := decodeCUE(path, data, &file); err != nil {
			return stores.Parameters{}, err
		}
	default:
		return stores.Parameters{}, fmt.Errorf("unsupported parameter file type %q", ext)
	}

	return file.Parameters(), nil
}

// DecodeParametersJSON decodes a JSON parameter document, rejecting unknown
// fields.
func DecodeParametersJSON(data []byte, file *ParameterFile) error {
	dec := json.NewDecoder(strings.NewReader(string(data)))
	dec.DisallowUnknownFields()
	return dec.Decode(file)
}

func decodeCUE(path string, data []byte, file *ParameterFile) error {
	ctx := cuecontext.New()

	schema := ctx.CompileString(parametersSchema).LookupPath(cue.ParsePath("#Parameters"))
	if err := schema.Err(); err != nil {
		return fmt.Errorf("failed to compile parameter schema: %w", err)
	}

	val := ctx.CompileBytes(data, cue.Filename(path))
	if err := val.Err(); err != nil {
		return fmt.Errorf("failed to parse %s: %s", path, formatCUEError(err))
	}

	unified := schema.Unify(val)
	if err := unified.Validate(cue.Concrete(true)); err != nil {
		return fmt.Errorf("invalid parameters in %s: %s", path, formatCUEError(err))
	}

	out, err := unified.MarshalJSON()
	if err != nil {
		return fmt.Errorf("failed to export %s: %w", path, err)
	}
	return json.Unmarshal(out, file)
}

func formatCUEError(err error) string {
	var msgs []string
	for _, e := range cueerrors.Errors(err) {
		msg := cueerrors.Details(e, nil)
		if pos := cueerrors.Positions(e); len(pos) > 0 {
			msg = fmt.Sprintf("%s:%d: %s", filepath.Base(pos[0].Filename()), pos[0].Line(), strings.TrimSpace(msg))
		}
		msgs = append(msgs, strings.TrimSpace(msg))
	}
	return strings.Join(msgs, "; ")
}
