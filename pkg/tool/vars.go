package tool

import (
	"bytes"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/openfroyo/provisioner/pkg/fsutil"
	"github.com/openfroyo/provisioner/pkg/naming"
	"github.com/openfroyo/provisioner/pkg/stores"
)

// VarsFileName is the variables file terraform loads automatically.
const VarsFileName = "terraform.tfvars"

// ResourceGroupPrefix is prepended to the resource group base.
const ResourceGroupPrefix = "RG-"

// ResourceGroupName returns the resource group created for base.
func ResourceGroupName(base string) string {
	return ResourceGroupPrefix + base
}

type tfvar struct {
	key   string
	value any
}

// RenderVars renders the terraform.tfvars content for a deployment. Keys are
// written in a fixed order; subscription_id is only written when known.
func RenderVars(p stores.Parameters) ([]byte, error) {
	names := p.Names
	required := []string{
		naming.KeyStorageAccount, naming.KeySearchService, naming.KeyProject,
		naming.KeyAIServices, naming.KeyFoundryHub, naming.KeyAppInsights, naming.KeyLogAnalytics,
	}
	for _, k := range required {
		if names[k] == "" {
			return nil, fmt.Errorf("missing generated name %s", k)
		}
	}

	vars := []tfvar{
		{"rg_name", ResourceGroupName(p.ResourceGroupBase)},
		{"location", p.Location},
		{"include_search", p.IncludeSearch},
		{"storage_account_name", names[naming.KeyStorageAccount]},
		{"search_service_name", names[naming.KeySearchService]},
		{"foundry_project_name", names[naming.KeyProject]},
		{"ai_services_name", names[naming.KeyAIServices]},
		{"ai_foundry_hub_name", names[naming.KeyFoundryHub]},
		{"app_insights_name", names[naming.KeyAppInsights]},
		{"log_analytics_workspace_name", names[naming.KeyLogAnalytics]},
		{"enable_model_deployment", p.EnableModelDeployment},
		{"model_deployment_name", p.ModelDeploymentName},
		{"openai_model_name", p.ModelName},
		{"openai_model_version", p.ModelVersion},
		{"openai_deployment_sku", p.DeploymentSKU},
		{"service_principal_name", p.ServicePrincipalName},
		{"secret_expiration_date", p.SecretExpirationDate},
	}
	if p.SubscriptionID != "" {
		vars = append(vars, tfvar{"subscription_id", p.SubscriptionID})
	}

	var buf bytes.Buffer
	for _, v := range vars {
		buf.WriteString(v.key)
		buf.WriteString(" = ")
		switch val := v.value.(type) {
		case bool:
			buf.WriteString(strconv.FormatBool(val))
		case string:
			s, err := quoteHCL(val)
			if err != nil {
				return nil, fmt.Errorf("failed to render %s: %w", v.key, err)
			}
			buf.WriteString(s)
		}
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// WriteVars renders the variables file into dir.
func WriteVars(dir string, p stores.Parameters) error {
	data, err := RenderVars(p)
	if err != nil {
		return err
	}
	if err := fsutil.WriteFileAtomic(filepath.Join(dir, VarsFileName), data, 0o600); err != nil {
		return fmt.Errorf("failed to write %s: %w", VarsFileName, err)
	}
	return nil
}

// quoteHCL quotes s as an HCL string literal. JSON escapes are valid HCL
// escapes; template sequences are doubled so values are never interpolated.
func quoteHCL(s string) (string, error) {
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(s); err != nil {
		return "", err
	}
	q := strings.TrimSuffix(buf.String(), "\n")
	q = strings.ReplaceAll(q, "${", "$${")
	q = strings.ReplaceAll(q, "%{", "%%{")
	return q, nil
}
