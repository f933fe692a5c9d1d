//go:build !windows

package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/openfroyo/provisioner/pkg/credentials"
	"github.com/openfroyo/provisioner/pkg/logstream"
	"github.com/openfroyo/provisioner/pkg/runner"
	"github.com/openfroyo/provisioner/pkg/stores"
	"github.com/openfroyo/provisioner/pkg/telemetry"
	"github.com/openfroyo/provisioner/pkg/tool"
	"github.com/openfroyo/provisioner/pkg/workspace"
)

// fakeTerraform stands in for the terraform CLI. Its behavior is switched by
// files in $FAKE_TF_CTL: fail-init, fail-apply, fail-destroy, block-apply and
// block-destroy.
const fakeTerraform = `#!/bin/sh
ctl="$FAKE_TF_CTL"
echo "$1" >> "$ctl/calls"
case "$1" in
init)
  echo "Initializing provider plugins..."
  mkdir -p .terraform
  if [ -f "$ctl/fail-init" ]; then echo "Error: init broke"; exit 1; fi
  echo "Terraform has been successfully initialized!"
  ;;
apply)
  echo "Applying plan..."
  if [ -f "$ctl/block-apply" ]; then
    touch "$ctl/apply-started"
    while [ -f "$ctl/block-apply" ]; do sleep 0.05; done
  fi
  if [ -f "$ctl/fail-apply" ]; then echo "Error: quota exceeded"; exit 1; fi
  rg=$(sed -n 's/^rg_name *= *"\(.*\)"$/\1/p' terraform.tfvars)
  echo "state for $rg" > terraform.tfstate
  echo "Apply complete! Resources: 3 added, 0 changed, 0 destroyed."
  ;;
output)
  cat <<'JSON'
{
  "ai_services_endpoint": {"sensitive": false, "type": "string", "value": "https://demo.cognitiveservices.azure.com/"},
  "foundry_project_endpoint": {"sensitive": false, "type": "string", "value": "https://demo.services.ai.azure.com/api/projects/prj"},
  "storage_key": {"sensitive": true, "type": "string", "value": "s3cr3t"}
}
JSON
  ;;
destroy)
  echo "Destroying..."
  if [ -f "$ctl/block-destroy" ]; then
    touch "$ctl/destroy-started"
    while [ -f "$ctl/block-destroy" ]; do sleep 0.05; done
  fi
  if [ -f "$ctl/fail-destroy" ]; then echo "Error: destroy broke"; exit 1; fi
  rm -f terraform.tfstate
  echo "Destroy complete! Resources: 3 destroyed."
  ;;
esac
`

type harness struct {
	t       *testing.T
	dataDir string
	ctl     string
	bin     string
	tmpl    string
	store   stores.Store
	tel     *telemetry.Telemetry

	maxConcurrent int

	mu     sync.Mutex
	events []telemetry.Event

	eng  *Engine
	ws   *workspace.Manager
	logs *logstream.Broadcaster
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	root := t.TempDir()
	h := &harness{
		t:       t,
		dataDir: filepath.Join(root, "data"),
		ctl:     filepath.Join(root, "ctl"),
		bin:     filepath.Join(root, "terraform"),
		tmpl:    filepath.Join(root, "templates"),
	}
	require.NoError(t, os.MkdirAll(h.ctl, 0o755))
	require.NoError(t, os.MkdirAll(h.tmpl, 0o755))
	require.NoError(t, os.WriteFile(h.bin, []byte(fakeTerraform), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(h.tmpl, "main.tf"), []byte(`variable "rg_name" {}`), 0o644))

	cfg := telemetry.DefaultConfig()
	cfg.Logging.Level = "error"
	cfg.Events.EnableAsync = false
	tel, err := telemetry.NewTelemetry(cfg)
	require.NoError(t, err)
	h.tel = tel
	tel.Events.Subscribe(func(ev telemetry.Event) {
		h.mu.Lock()
		h.events = append(h.events, ev)
		h.mu.Unlock()
	}, nil)

	store, err := stores.NewFileStore(h.dataDir)
	require.NoError(t, err)
	h.store = store

	h.start()
	t.Cleanup(func() {
		h.stop()
		_ = h.store.Close()
	})
	return h
}

// start builds a fresh engine over the harness directories, as a process
// restart would.
func (h *harness) start() {
	h.t.Helper()
	logger := zerolog.Nop()

	ws, err := workspace.NewManager(workspace.Config{
		TemplateDir: h.tmpl,
		SharedDir:   filepath.Join(h.dataDir, "shared"),
		WorkRoot:    filepath.Join(h.dataDir, "workspaces"),
		Logger:      logger,
	})
	require.NoError(h.t, err)

	logs, err := logstream.NewBroadcaster(logstream.Config{Dir: filepath.Join(h.dataDir, "logs"), Logger: logger})
	require.NoError(h.t, err)

	exec := runner.New(runner.Config{GracePeriod: 500 * time.Millisecond, DrainTimeout: time.Second, Logger: logger})
	driver := tool.NewDriver(exec, tool.Config{
		Binary: h.bin,
		Env:    []string{"FAKE_TF_CTL=" + h.ctl},
		Logger: logger,
	})

	eng, err := New(context.Background(), Config{
		Store:         h.store,
		Workspaces:    ws,
		Logs:          logs,
		Tool:          driver,
		Resolver:      &credentials.Static{Account: credentials.Account{ID: "sub-123", Name: "Test Subscription"}},
		MaxConcurrent: h.maxConcurrent,
		Telemetry:     h.tel,
		Logger:        logger,
	})
	require.NoError(h.t, err)

	h.eng, h.ws, h.logs = eng, ws, logs
}

func (h *harness) stop() {
	if h.eng == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = h.eng.Close(ctx)
	_ = h.logs.Close()
	h.eng = nil
}

func (h *harness) touch(name string) {
	h.t.Helper()
	require.NoError(h.t, os.WriteFile(filepath.Join(h.ctl, name), nil, 0o644))
}

func (h *harness) remove(name string) {
	h.t.Helper()
	require.NoError(h.t, os.Remove(filepath.Join(h.ctl, name)))
}

func (h *harness) calls() []string {
	data, err := os.ReadFile(filepath.Join(h.ctl, "calls"))
	if err != nil {
		return nil
	}
	return strings.Fields(string(data))
}

func (h *harness) waitFor(name string) {
	h.t.Helper()
	require.Eventually(h.t, func() bool {
		_, err := os.Stat(filepath.Join(h.ctl, name))
		return err == nil
	}, 10*time.Second, 20*time.Millisecond)
}

func (h *harness) wait(id string) View {
	h.t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
	defer cancel()
	v, err := h.eng.Wait(ctx, id)
	require.NoError(h.t, err)
	return v
}

// transitions returns the status changes published for id, in order.
func (h *harness) transitions(id string) []string {
	h.mu.Lock()
	defer h.mu.Unlock()
	var out []string
	for _, ev := range h.events {
		if ev.Type != telemetry.EventTypeStatusChanged || ev.DeploymentID != id {
			continue
		}
		out = append(out, ev.Data["from"].(string)+"->"+ev.Data["to"].(string))
	}
	return out
}

// logText collects every text line of the deployment log.
func (h *harness) logText(id string) []string {
	h.t.Helper()
	log, err := h.logs.Open(id)
	require.NoError(h.t, err)
	defer h.logs.Release(log)
	return textsOf(log.Lines(0))
}

func testParams(base string) stores.Parameters {
	return stores.Parameters{
		ResourceGroupBase:     base,
		Location:              "eastus",
		EnableModelDeployment: true,
		ModelName:             "m1",
		ServicePrincipalName:  "sp-" + base,
		SecretExpirationDate:  "2030-01-01",
	}
}

func containsLine(lines []string, substr string) bool {
	for _, l := range lines {
		if strings.Contains(l, substr) {
			return true
		}
	}
	return false
}

func textsOf(lines []logstream.Line) []string {
	var out []string
	for _, ln := range lines {
		if !ln.End {
			out = append(out, ln.Text)
		}
	}
	return out
}
