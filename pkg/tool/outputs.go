package tool

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/openfroyo/provisioner/pkg/stores"
)

const cognitiveServicesHost = ".cognitiveservices.azure.com"

// Outputs runs "terraform output -json" in dir and returns the parsed outputs
// with the endpoint aliases applied. The invocation is not streamed to the
// deployment log; its lines only feed the parser.
func (d *Driver) Outputs(ctx context.Context, dir string) (map[string]stores.Output, error) {
	var lines []string
	res, err := d.run(ctx, StepOutput, dir, nil, func(line string) {
		lines = append(lines, line)
	}, "output", "-json", "-no-color")
	if err != nil {
		return nil, err
	}
	if res.Cancelled {
		return nil, context.Canceled
	}
	if res.ExitCode != 0 {
		return nil, &ExitError{Result: res}
	}

	outputs, err := ParseOutputs([]byte(strings.Join(markerFree(lines), "\n")))
	if err != nil {
		return nil, err
	}
	ApplyAliases(outputs)
	return outputs, nil
}

// ParseOutputs decodes the JSON document printed by "terraform output -json".
// Anything before the first line starting with '{' is ignored, so warnings
// the tool prints on the merged stream do not break parsing.
func ParseOutputs(data []byte) (map[string]stores.Output, error) {
	start := bytes.IndexByte(data, '{')
	for start > 0 && data[start-1] != '\n' {
		next := bytes.IndexByte(data[start+1:], '{')
		if next < 0 {
			start = -1
			break
		}
		start += next + 1
	}
	if start < 0 {
		return map[string]stores.Output{}, nil
	}

	var raw map[string]stores.Output
	if err := json.NewDecoder(bytes.NewReader(data[start:])).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to parse tool outputs: %w", err)
	}
	if raw == nil {
		raw = map[string]stores.Output{}
	}
	return raw, nil
}

// ApplyAliases adds the alias keys consumers expect. Existing keys are never
// overwritten.
//
// The OpenAI and inference endpoints are derived from ai_services_endpoint
// when the tool did not output them, and friendly aliases are added for the
// foundry project endpoint and the model deployment name.
func ApplyAliases(outputs map[string]stores.Output) {
	aiServices := stringValue(outputs, "ai_services_endpoint")
	openAI := stringValue(outputs, "openai_endpoint")
	inference := stringValue(outputs, "ai_inference_endpoint")

	if aiServices != "" && strings.Contains(aiServices, cognitiveServicesHost) {
		if openAI == "" {
			openAI = strings.ReplaceAll(aiServices, cognitiveServicesHost, ".openai.azure.com")
		}
		if inference == "" {
			inference = strings.ReplaceAll(aiServices, cognitiveServicesHost, ".services.ai.azure.com")
		}
	}

	setDefault(outputs, "azure_ai_services_endpoint", aiServices)
	setDefault(outputs, "azure_openai_endpoint", openAI)
	setDefault(outputs, "azure_ai_inference_endpoint", inference)

	aliasKey(outputs, "azure_ai_foundry_project_endpoint", "foundry_project_endpoint")
	aliasKey(outputs, "openai_model_deployment_name", "openai_deployment_name")
}

// Simplify flattens outputs to their values.
func Simplify(outputs map[string]stores.Output) map[string]any {
	out := make(map[string]any, len(outputs))
	for k, v := range outputs {
		out[k] = v.Value
	}
	return out
}

func stringValue(outputs map[string]stores.Output, key string) string {
	o, ok := outputs[key]
	if !ok {
		return ""
	}
	s, _ := o.Value.(string)
	return s
}

func setDefault(outputs map[string]stores.Output, key, value string) {
	if value == "" {
		return
	}
	if _, ok := outputs[key]; ok {
		return
	}
	outputs[key] = stores.Output{Value: value, Type: json.RawMessage(`"string"`)}
}

func aliasKey(outputs map[string]stores.Output, alias, source string) {
	src, ok := outputs[source]
	if !ok || src.Value == nil {
		return
	}
	if _, exists := outputs[alias]; exists {
		return
	}
	outputs[alias] = src
}

func markerFree(lines []string) []string {
	out := lines[:0:0]
	for _, l := range lines {
		if strings.HasPrefix(l, "[CMD] ") || strings.HasPrefix(l, "[EXIT ") || strings.HasPrefix(l, "[CANCELLED] ") {
			continue
		}
		out = append(out, l)
	}
	return out
}
