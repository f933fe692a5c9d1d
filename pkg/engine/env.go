package engine

import (
	"fmt"
	"strings"
	"time"

	"github.com/openfroyo/provisioner/pkg/stores"
)

// Fixed values written to every env file.
const (
	EnvOpenAIAPIVersion    = "2024-12-01-preview"
	EnvEmbeddingDeployment = "text-embedding-3-small"
	EnvSearchIndexName     = "ai-search-index"
)

const envRule = "# =============================================================================\n"

// EnvFileName is the download name of the env file of a deployment.
func EnvFileName(id string) string {
	return fmt.Sprintf("azure-ai-%s.env", shortID(id))
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

// RenderEnv renders a dotenv file with the service endpoints and keys of a
// completed deployment. The outputs must be unredacted.
func RenderEnv(d *stores.Deployment, now time.Time) ([]byte, error) {
	if len(d.Outputs) == 0 {
		return nil, NewValidationError("no outputs available for this deployment", nil).WithDeployment(d.ID)
	}
	w := envWriter{outputs: d.Outputs}

	w.raw(envRule)
	w.raw("# Azure AI Environment Configuration\n")
	w.raw(envRule)
	w.raw(fmt.Sprintf("# Generated from Azure AI deployment: %s\n", shortID(d.ID)))
	w.raw(fmt.Sprintf("# Created at: %s\n", now.UTC().Format("2006-01-02 15:04:05 UTC")))
	w.raw("# Never commit .env files with real credentials to version control!\n\n")

	w.section("Azure Subscription & Service Principal", false)
	if !w.set("AZURE_SUBSCRIPTION_ID", "subscription_id") && d.Parameters.SubscriptionID != "" {
		w.value("AZURE_SUBSCRIPTION_ID", d.Parameters.SubscriptionID)
	}
	w.set("AZURE_TENANT_ID", "tenant_id")
	w.set("AZURE_CLIENT_ID", "service_principal_app_id")
	w.set("AZURE_CLIENT_SECRET", "service_principal_secret")

	w.section("Azure OpenAI Configuration", true)
	w.set("AZURE_OPENAI_ENDPOINT", "openai_endpoint", "azure_openai_endpoint")
	w.set("AZURE_OPENAI_API_KEY", "azure_openai_key", "azure_openai_api_key_primary")
	w.set("AZURE_OPENAI_DEPLOYMENT_NAME", "openai_deployment_name", "openai_model_deployment_name")
	w.value("AZURE_OPENAI_API_VERSION", EnvOpenAIAPIVersion)
	w.value("AZURE_OPENAI_EMBEDDING_DEPLOYMENT", EnvEmbeddingDeployment)

	w.section("Azure AI Foundry / AI Studio", true)
	w.set("AI_FOUNDRY_ENDPOINT", "ai_inference_endpoint", "azure_ai_inference_endpoint",
		"azure_foundry_project_url", "azure_ai_foundry_project_endpoint")
	w.set("AI_FOUNDRY_API_KEY", "azure_openai_key", "azure_openai_api_key_primary")
	w.set("AI_FOUNDRY_DEPLOYMENT_NAME", "openai_deployment_name", "openai_model_deployment_name")

	w.section("Azure AI Search Configuration", true)
	w.set("AZURE_SEARCH_ENDPOINT", "search_service_endpoint", "azure_ai_search_url")
	w.set("AZURE_SEARCH_API_KEY", "azure_search_admin_key", "azure_ai_search_key")
	w.value("AZURE_SEARCH_INDEX_NAME", EnvSearchIndexName)

	w.section("Storage", true)
	w.set("AZURE_STORAGE_CONNECTION_STRING", "storage_connection_string")

	w.section("Logging and Monitoring (Optional)", true)
	w.value("LOG_LEVEL", "INFO")
	w.set("APPLICATION_INSIGHTS_CONNECTION_STRING", "app_insights_connection_string")

	return []byte(w.b.String()), nil
}

type envWriter struct {
	b       strings.Builder
	outputs map[string]stores.Output
}

func (w *envWriter) raw(s string) {
	w.b.WriteString(s)
}

func (w *envWriter) section(title string, gap bool) {
	if gap {
		w.b.WriteString("\n")
	}
	w.b.WriteString(envRule)
	w.b.WriteString("# " + title + "\n")
	w.b.WriteString(envRule)
}

func (w *envWriter) value(key, v string) {
	fmt.Fprintf(&w.b, "%s=%q\n", key, v)
}

// set writes key from the first output in keys holding a non-empty value.
func (w *envWriter) set(key string, keys ...string) bool {
	for _, k := range keys {
		o, ok := w.outputs[k]
		if !ok || o.Value == nil {
			continue
		}
		s := fmt.Sprint(o.Value)
		if s == "" {
			continue
		}
		w.value(key, s)
		return true
	}
	return false
}
