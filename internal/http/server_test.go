package http_test

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/builtin"
	internal_http "github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/http"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/log"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/registry"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/service"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/storage"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const echoDefinition = `{
	"definition": {
		"id": "port_check",
		"steps": [
			{"name": "discover", "type": "service_call", "service": "echo", "method": "echo",
			 "params": {"port": "${port}"}}
		]
	},
	"input": {"port": "1/1/4"},
	"tenant_id": "tenant-a"
}`

type testServer struct {
	*httptest.Server
	engine  *service.Engine
	release chan struct{}
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	reg := registry.New()
	require.NoError(t, builtin.Register(reg, log.GetLogger()))
	release := make(chan struct{})
	reg.MustRegister("olt", registry.Methods{
		"block": func(ctx context.Context, params map[string]any) (any, error) {
			select {
			case <-release:
				return "done", nil
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		},
	})

	promReg := prometheus.NewRegistry()
	engine := service.NewEngine(storage.NewMockStore(), reg, log.GetLogger(),
		service.WithMetrics(service.NewMetrics(promReg)))
	srv := httptest.NewServer(internal_http.NewHandler(engine, promReg))
	t.Cleanup(func() {
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = engine.Close(ctx)
	})
	return &testServer{Server: srv, engine: engine, release: release}
}

func (s *testServer) post(t *testing.T, path, body string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.Client().Post(s.URL+path, "application/json", bytes.NewBufferString(body))
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) get(t *testing.T, path string) (*http.Response, []byte) {
	t.Helper()
	resp, err := s.Client().Get(s.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, data
}

func (s *testServer) waitForStatus(t *testing.T, id string, status models.ExecutionStatus) models.Execution {
	t.Helper()
	var exec models.Execution
	require.Eventually(t, func() bool {
		resp, body := s.get(t, "/executions/"+id)
		if resp.StatusCode != http.StatusOK {
			return false
		}
		exec = models.Execution{}
		return json.Unmarshal(body, &exec) == nil && exec.Status == status
	}, 2*time.Second, 10*time.Millisecond)
	return exec
}

func TestServer(t *testing.T) {
	t.Run("HealthCheck", func(t *testing.T) {
		srv := newTestServer(t)
		resp, body := srv.get(t, "/health")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "{\"status\":\"ok\"}\n", string(body))
	})

	t.Run("StartAndGetExecution", func(t *testing.T) {
		srv := newTestServer(t)
		resp, body := srv.post(t, "/executions", echoDefinition)
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))

		var started models.Execution
		require.NoError(t, json.Unmarshal(body, &started))
		assert.Equal(t, "port_check", started.WorkflowID)
		assert.Equal(t, "tenant-a", started.TenantID)
		assert.Equal(t, "api", started.TriggerType)

		done := srv.waitForStatus(t, started.ID, models.CompletedExecutionStatus)
		require.Len(t, done.Steps, 1)
		assert.Equal(t, map[string]any{"port": "1/1/4"}, done.Steps[0].OutputData)
		assert.Equal(t, "1/1/4", done.Result["steps"].(map[string]any)["discover"].(map[string]any)["port"])
	})

	t.Run("ListExecutions", func(t *testing.T) {
		srv := newTestServer(t)
		resp, body := srv.get(t, "/executions")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "[]\n", string(body))

		_, body = srv.post(t, "/executions", echoDefinition)
		var started models.Execution
		require.NoError(t, json.Unmarshal(body, &started))
		srv.waitForStatus(t, started.ID, models.CompletedExecutionStatus)

		resp, body = srv.get(t, "/executions?workflow_id=port_check&status=completed&limit=10")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		var execs []models.Execution
		require.NoError(t, json.Unmarshal(body, &execs))
		require.Len(t, execs, 1)
		assert.Equal(t, started.ID, execs[0].ID)

		_, body = srv.get(t, "/executions?workflow_id=other")
		assert.Equal(t, "[]\n", string(body))

		resp, _ = srv.get(t, "/executions?limit=many")
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("InvalidBodies", func(t *testing.T) {
		srv := newTestServer(t)
		resp, body := srv.post(t, "/executions", `{"definition":`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "Invalid request body")

		resp, body = srv.post(t, "/executions", `{"definition":{"id":"x","steps":[]}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "Invalid definition")

		resp, body = srv.post(t, "/executions", `{"definition":{"id":"x","steps":[{"name":"a","type":"ftp"}]}}`)
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
		assert.Contains(t, string(body), "unknown type 'ftp'")
	})

	t.Run("GetUnknownExecution", func(t *testing.T) {
		srv := newTestServer(t)
		resp, body := srv.get(t, "/executions/missing")
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		assert.Equal(t, "{\"error\":\"execution missing not found\"}\n", string(body))
	})

	t.Run("CancelExecution", func(t *testing.T) {
		srv := newTestServer(t)
		def := `{"definition":{"id":"slow","steps":[
			{"name":"block","type":"service_call","service":"olt","method":"block"},
			{"name":"after","type":"service_call","service":"echo","method":"echo"}]}}`
		_, body := srv.post(t, "/executions", def)
		var started models.Execution
		require.NoError(t, json.Unmarshal(body, &started))

		resp, body := srv.post(t, fmt.Sprintf("/executions/%s/cancel", started.ID), "")
		require.Equal(t, http.StatusAccepted, resp.StatusCode, string(body))
		var cancelled models.Execution
		require.NoError(t, json.Unmarshal(body, &cancelled))
		assert.True(t, cancelled.CancelRequested)

		close(srv.release)
		final := srv.waitForStatus(t, started.ID, models.CancelledExecutionStatus)
		require.Len(t, final.Steps, 2)
		assert.Equal(t, models.CompletedStepStatus, final.Steps[0].Status)
		assert.Equal(t, models.SkippedStepStatus, final.Steps[1].Status)

		resp, _ = srv.post(t, fmt.Sprintf("/executions/%s/cancel", started.ID), "")
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
	})

	t.Run("MethodNotAllowed", func(t *testing.T) {
		srv := newTestServer(t)
		req, err := http.NewRequest(http.MethodDelete, srv.URL+"/executions", nil)
		require.NoError(t, err)
		resp, err := srv.Client().Do(req)
		require.NoError(t, err)
		resp.Body.Close()
		assert.Equal(t, http.StatusMethodNotAllowed, resp.StatusCode)

		resp2, _ := srv.get(t, "/executions/abc/cancel")
		assert.Equal(t, http.StatusMethodNotAllowed, resp2.StatusCode)
	})

	t.Run("Metrics", func(t *testing.T) {
		srv := newTestServer(t)
		_, body := srv.post(t, "/executions", echoDefinition)
		var started models.Execution
		require.NoError(t, json.Unmarshal(body, &started))
		srv.waitForStatus(t, started.ID, models.CompletedExecutionStatus)

		resp, body := srv.get(t, "/metrics")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Contains(t, string(body), `flowengine_executions_total{status="COMPLETED",workflow_id="port_check"} 1`)
		assert.Contains(t, string(body), `flowengine_steps_total{status="COMPLETED",step_type="service_call"} 1`)
	})
}
