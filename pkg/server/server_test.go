package server

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/openfroyo/provisioner/pkg/engine"
	"github.com/openfroyo/provisioner/pkg/logstream"
	"github.com/openfroyo/provisioner/pkg/stores"
)

type fakeDeployments struct {
	mu        sync.Mutex
	views     map[string]engine.View
	busy      map[string]bool
	created   []stores.Parameters
	createErr error
	outputs   map[string]stores.Output
	env       []byte
	logs      *logstream.Broadcaster
}

func newFake(t *testing.T) *fakeDeployments {
	t.Helper()
	logs, err := logstream.NewBroadcaster(logstream.Config{Dir: filepath.Join(t.TempDir(), "logs"), Logger: zerolog.Nop()})
	require.NoError(t, err)
	t.Cleanup(func() { _ = logs.Close() })
	return &fakeDeployments{
		views: map[string]engine.View{},
		busy:  map[string]bool{},
		logs:  logs,
	}
}

func (f *fakeDeployments) CreateDeployment(_ context.Context, p stores.Parameters) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return "", f.createErr
	}
	f.created = append(f.created, p)
	id := "d-new"
	f.views[id] = engine.View{ID: id, Status: stores.StatusPending, Parameters: p}
	return id, nil
}

func (f *fakeDeployments) lookup(id string) (engine.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	v, ok := f.views[id]
	if !ok {
		return engine.View{}, engine.NewNotFoundError(id)
	}
	return v, nil
}

func (f *fakeDeployments) DestroyDeployment(_ context.Context, id string) error {
	if _, err := f.lookup(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.busy[id] {
		return engine.NewOperationInProgressError(id)
	}
	v := f.views[id]
	v.Status, v.Operation = stores.StatusDestroying, stores.OperationDestroy
	f.views[id] = v
	return nil
}

func (f *fakeDeployments) Retry(_ context.Context, id string) error {
	v, err := f.lookup(id)
	if err != nil {
		return err
	}
	if v.Status != stores.StatusError {
		return engine.NewValidationError("only failed deployments can be retried", nil)
	}
	return nil
}

func (f *fakeDeployments) Cancel(id string) error {
	if _, err := f.lookup(id); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.busy[id] {
		return engine.NewValidationError("no operation is running", nil)
	}
	return nil
}

func (f *fakeDeployments) GetStatus(_ context.Context, id string) (engine.View, error) {
	return f.lookup(id)
}

func (f *fakeDeployments) ListDeployments(_ context.Context) ([]engine.View, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []engine.View
	for _, v := range f.views {
		out = append(out, v)
	}
	return out, nil
}

func (f *fakeDeployments) Outputs(_ context.Context, id string, reveal bool) (map[string]stores.Output, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	out := map[string]stores.Output{}
	for k, o := range f.outputs {
		if o.Sensitive && !reveal {
			o.Value = engine.RedactedValue
		}
		out[k] = o
	}
	return out, nil
}

func (f *fakeDeployments) Env(_ context.Context, id string) ([]byte, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return f.env, nil
}

func (f *fakeDeployments) History(_ context.Context, id string) ([]stores.Transition, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return nil, nil
}

func (f *fakeDeployments) SubscribeLogs(_ context.Context, id string, after uint64) (*logstream.Subscription, error) {
	if _, err := f.lookup(id); err != nil {
		return nil, err
	}
	return f.logs.Subscribe(id, after)
}

type fakeHealth struct{ err error }

func (h fakeHealth) HealthCheck(context.Context) error { return h.err }

func newTestServer(t *testing.T, f *fakeDeployments, mutate ...func(*Config)) *Server {
	t.Helper()
	cfg := Config{
		Deployments:    f,
		Health:         fakeHealth{},
		Metrics:        http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) { _, _ = w.Write([]byte("metrics")) }),
		TracerProvider: noop.NewTracerProvider(),
		SSEHeartbeat:   time.Second,
		Logger:         zerolog.Nop(),
	}
	for _, m := range mutate {
		m(&cfg)
	}
	s, err := New(cfg)
	require.NoError(t, err)
	return s
}

func do(t *testing.T, s *Server, method, target, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(method, target, strings.NewReader(body))
	if body != "" {
		req.Header.Set("Content-Type", "application/json")
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) errorBody {
	t.Helper()
	var body errorBody
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

const createBody = `{
  "resource_group_base": "demo",
  "location": "eastus",
  "include_search": "yes",
  "openai_model_name": "gpt-4o",
  "service_principal_name": "sp-demo",
  "secret_expiration_date": "2030-01-01"
}`

func TestCreateDeployment(t *testing.T) {
	f := newFake(t)
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodPost, "/api/deployments", createBody)
	require.Equal(t, http.StatusAccepted, rec.Code, rec.Body.String())
	assert.Equal(t, "/api/deployments/d-new", rec.Header().Get("Location"))

	var resp createResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "d-new", resp.ID)

	require.Len(t, f.created, 1)
	p := f.created[0]
	assert.Equal(t, "demo", p.ResourceGroupBase)
	assert.True(t, p.IncludeSearch)
	assert.True(t, p.EnableModelDeployment)
	assert.Equal(t, "gpt-4o", p.ModelName)
}

func TestCreateDeploymentRejectsUnknownFields(t *testing.T) {
	f := newFake(t)
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodPost, "/api/deployments", `{"resource_group_base":"demo","colour":"blue"}`)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Contains(t, decodeError(t, rec).Error, "colour")
	assert.Empty(t, f.created)
}

func TestCreateDeploymentValidationError(t *testing.T) {
	f := newFake(t)
	f.createErr = engine.NewValidationError("Model 'x' is not allowed", nil).
		WithDetail("violations", []string{"allowed-models"})
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodPost, "/api/deployments", createBody)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeError(t, rec)
	assert.Equal(t, engine.ErrCodeValidation, body.Code)
	assert.Equal(t, "Model 'x' is not allowed", body.Error)
	assert.Contains(t, body.Details, "violations")
}

func TestInternalErrorsAreNotLeaked(t *testing.T) {
	f := newFake(t)
	f.createErr = engine.NewInternalError("failed to write /secret/path", errors.New("disk full"))
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodPost, "/api/deployments", createBody)
	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Equal(t, "internal error", decodeError(t, rec).Error)
}

func TestGetAndListDeployments(t *testing.T) {
	f := newFake(t)
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodGet, "/api/deployments", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/api/deployments/missing", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, engine.ErrCodeNotFound, decodeError(t, rec).Code)

	f.views["d1"] = engine.View{ID: "d1", Status: stores.StatusCompleted}
	rec = do(t, s, http.MethodGet, "/api/deployments/d1", "")
	require.Equal(t, http.StatusOK, rec.Code)
	var v engine.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, stores.StatusCompleted, v.Status)
}

func TestLifecycleActions(t *testing.T) {
	f := newFake(t)
	f.views["d1"] = engine.View{ID: "d1", Status: stores.StatusCompleted}
	f.views["d2"] = engine.View{ID: "d2", Status: stores.StatusApplying}
	f.busy["d2"] = true
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodPost, "/api/deployments/d1/destroy", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	var v engine.View
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	assert.Equal(t, stores.StatusDestroying, v.Status)

	rec = do(t, s, http.MethodPost, "/api/deployments/d2/destroy", "")
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, engine.ErrCodeOperationInProgress, decodeError(t, rec).Code)

	rec = do(t, s, http.MethodPost, "/api/deployments/d2/cancel", "")
	assert.Equal(t, http.StatusAccepted, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/deployments/d1/cancel", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/deployments/d1/retry", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodPost, "/api/deployments/nope/retry", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestOutputs(t *testing.T) {
	f := newFake(t)
	f.views["d1"] = engine.View{ID: "d1", Status: stores.StatusCompleted}
	f.outputs = map[string]stores.Output{
		"endpoint": {Value: "https://x"},
		"key":      {Value: "s3cr3t", Sensitive: true},
	}

	s := newTestServer(t, f)
	rec := do(t, s, http.MethodGet, "/api/deployments/d1/outputs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "s3cr3t")

	rec = do(t, s, http.MethodGet, "/api/deployments/d1/outputs?reveal=true", "")
	assert.Equal(t, http.StatusForbidden, rec.Code)

	s = newTestServer(t, f, func(c *Config) { c.AllowReveal = true })
	rec = do(t, s, http.MethodGet, "/api/deployments/d1/outputs?reveal=true", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "s3cr3t")
}

func TestDownloadEnv(t *testing.T) {
	f := newFake(t)
	f.views["0123abcd-ffff"] = engine.View{ID: "0123abcd-ffff", Status: stores.StatusCompleted}
	f.env = []byte("AZURE_TENANT_ID=\"t\"\n")
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodGet, "/api/deployments/0123abcd-ffff/env", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, `attachment; filename="azure-ai-0123abcd.env"`, rec.Header().Get("Content-Disposition"))
	assert.Equal(t, "AZURE_TENANT_ID=\"t\"\n", rec.Body.String())
}

func TestHistoryIsAlwaysAList(t *testing.T) {
	f := newFake(t)
	f.views["d1"] = engine.View{ID: "d1"}
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodGet, "/api/deployments/d1/history", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `[]`, rec.Body.String())
}

func TestHealthzAndMetrics(t *testing.T) {
	f := newFake(t)
	s := newTestServer(t, f)
	rec := do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.JSONEq(t, `{"status":"ok"}`, rec.Body.String())

	rec = do(t, s, http.MethodGet, "/metrics", "")
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "metrics", rec.Body.String())

	s = newTestServer(t, f, func(c *Config) { c.Health = fakeHealth{err: errors.New("database is locked")} })
	rec = do(t, s, http.MethodGet, "/healthz", "")
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "database is locked")
}

func writeLog(t *testing.T, f *fakeDeployments, id string, lines []string, end bool) *logstream.Log {
	t.Helper()
	log, err := f.logs.Open(id)
	require.NoError(t, err)
	for _, l := range lines {
		_, err := log.Append(l)
		require.NoError(t, err)
	}
	if end {
		_, err := log.End()
		require.NoError(t, err)
	}
	return log
}

func TestStreamLogsReplaysUntilEnd(t *testing.T) {
	f := newFake(t)
	f.views["d1"] = engine.View{ID: "d1"}
	writeLog(t, f, "d1", []string{"[INFO] one", "[INFO] two", "[INFO] three"}, true)
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodGet, "/api/deployments/d1/logs", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "text/event-stream", rec.Header().Get("Content-Type"))

	body := rec.Body.String()
	assert.Contains(t, body, "id: 1\nevent: log\ndata: ")
	assert.Contains(t, body, `"text":"[INFO] three"`)
	assert.Contains(t, body, "id: 4\nevent: end\n")
	assert.Less(t, strings.Index(body, "[INFO] one"), strings.Index(body, "[INFO] two"))
}

func TestStreamLogsResumes(t *testing.T) {
	f := newFake(t)
	f.views["d1"] = engine.View{ID: "d1"}
	writeLog(t, f, "d1", []string{"a", "b", "c"}, true)
	s := newTestServer(t, f)

	rec := do(t, s, http.MethodGet, "/api/deployments/d1/logs", "", "Last-Event-ID", "2")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "id: 1\n")
	assert.NotContains(t, rec.Body.String(), "id: 2\n")
	assert.Contains(t, rec.Body.String(), "id: 3\n")

	rec = do(t, s, http.MethodGet, "/api/deployments/d1/logs?after=3", "")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.NotContains(t, rec.Body.String(), "event: log")
	assert.Contains(t, rec.Body.String(), "event: end")

	rec = do(t, s, http.MethodGet, "/api/deployments/d1/logs?after=-1", "")
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, s, http.MethodGet, "/api/deployments/missing/logs", "")
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestStreamLogsFollowsLiveOutput(t *testing.T) {
	f := newFake(t)
	f.views["d1"] = engine.View{ID: "d1"}
	log := writeLog(t, f, "d1", []string{"first"}, false)
	s := newTestServer(t, f, func(c *Config) { c.SSEHeartbeat = 20 * time.Millisecond })

	srv := httptest.NewServer(s.Handler())
	defer srv.Close()

	resp, err := http.Get(srv.URL + "/api/deployments/d1/logs")
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	r := bufio.NewReader(resp.Body)
	readUntil := func(substr string) {
		t.Helper()
		for {
			line, err := r.ReadString('\n')
			require.NoError(t, err, "stream closed before %q", substr)
			if strings.Contains(line, substr) {
				return
			}
		}
	}

	readUntil(`"text":"first"`)
	readUntil(": keep-alive")

	_, err = log.Append("second")
	require.NoError(t, err)
	readUntil(`"text":"second"`)

	_, err = log.End()
	require.NoError(t, err)
	readUntil("event: end")
}
