package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/definition"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/internal/log"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/models"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/service"
	"github.com/michaelayoade/dotmac-ftth-ops-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const maxBodyBytes = 1 << 20

// ExecutionRequest is the body of POST /executions.
type ExecutionRequest struct {
	Definition    models.WorkflowDefinition `json:"definition"`
	Input         map[string]any            `json:"input"`
	TenantID      string                    `json:"tenant_id,omitempty"`
	TriggerSource string                    `json:"trigger_source,omitempty"`
}

// NewHandler wires the routes served by StartServer.
func NewHandler(engine *service.Engine, gatherer prometheus.Gatherer) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", HealthHandler)
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	mux.HandleFunc("/executions", ExecutionsHandler(engine))
	mux.HandleFunc("/executions/", ExecutionByIDHandler(engine))
	return mux
}

// StartServer serves the API on port until ctx is done, then shuts the
// listener down gracefully.
func StartServer(ctx context.Context, port string, engine *service.Engine, gatherer prometheus.Gatherer) error {
	srv := &http.Server{
		Addr:              ":" + port,
		Handler:           NewHandler(engine, gatherer),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		log.GetLogger().Infof("Starting flowengine server on :%s", port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		log.GetLogger().Infof("Shutting down flowengine server")
		return srv.Shutdown(shutdownCtx)
	}
}

func HealthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func ExecutionsHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		switch r.Method {
		case http.MethodGet:
			listExecutionsHTTP(w, r, engine)
		case http.MethodPost:
			startExecutionHTTP(w, r, engine)
		default:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		}
	}
}

// ExecutionByIDHandler serves GET /executions/{id} and
// POST /executions/{id}/cancel.
func ExecutionByIDHandler(engine *service.Engine) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		parts := strings.Split(strings.Trim(strings.TrimPrefix(r.URL.Path, "/executions/"), "/"), "/")
		if len(parts) == 0 || parts[0] == "" {
			writeError(w, http.StatusNotFound, "Missing execution id")
			return
		}
		id := parts[0]

		switch {
		case len(parts) == 1 && r.Method == http.MethodGet:
			getExecutionHTTP(w, engine, id)
		case len(parts) == 2 && parts[1] == "cancel" && r.Method == http.MethodPost:
			cancelExecutionHTTP(w, engine, id)
		case len(parts) <= 2:
			writeError(w, http.StatusMethodNotAllowed, "Method not allowed")
		default:
			writeError(w, http.StatusNotFound, "Not found")
		}
	}
}

func startExecutionHTTP(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	var req ExecutionRequest
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid request body: %v", err))
		return
	}
	if req.Definition.Version == 0 {
		req.Definition.Version = 1
	}
	if err := definition.Check(req.Definition); err != nil {
		writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid definition: %v", err))
		return
	}

	exec, err := engine.Start(r.Context(), req.Definition, service.ExecuteOptions{
		Input:         req.Input,
		TenantID:      req.TenantID,
		TriggerType:   "api",
		TriggerSource: req.TriggerSource,
	})
	if err != nil {
		if errors.Is(err, service.ErrEngineClosed) {
			writeError(w, http.StatusServiceUnavailable, err.Error())
			return
		}
		log.GetLogger().Errorf("Failed to start execution: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to start execution: %v", err))
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func listExecutionsHTTP(w http.ResponseWriter, r *http.Request, engine *service.Engine) {
	q := r.URL.Query()
	filter := storage.ExecutionFilter{
		WorkflowID: q.Get("workflow_id"),
		TenantID:   q.Get("tenant_id"),
		Status:     models.ExecutionStatus(strings.ToUpper(q.Get("status"))),
	}
	if raw := q.Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 0 {
			writeError(w, http.StatusBadRequest, fmt.Sprintf("Invalid limit '%s'", raw))
			return
		}
		filter.Limit = limit
	}

	execs, err := engine.ListExecutions(filter)
	if err != nil {
		log.GetLogger().Errorf("Failed to list executions: %v", err)
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to list executions: %v", err))
		return
	}
	if execs == nil {
		execs = []models.Execution{}
	}
	writeJSON(w, http.StatusOK, execs)
}

func getExecutionHTTP(w http.ResponseWriter, engine *service.Engine, id string) {
	exec, err := engine.GetExecution(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, exec)
}

func cancelExecutionHTTP(w http.ResponseWriter, engine *service.Engine, id string) {
	exec, err := engine.Cancel(id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, exec)
}

func writeEngineError(w http.ResponseWriter, err error) {
	var notFound *service.NotFoundError
	var invalidState *service.InvalidStateError
	switch {
	case errors.As(err, &notFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.As(err, &invalidState):
		writeError(w, http.StatusConflict, err.Error())
	default:
		log.GetLogger().Errorf("Request failed: %v", err)
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.GetLogger().Errorf("Failed to encode response: %v", err)
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
