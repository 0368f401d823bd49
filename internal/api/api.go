// Package api is the HTTP surface of the launcher daemon: run creation and
// inspection, launch and terminate requests, and worker health probes.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sarahmk125/dagster/internal/domain"
	"github.com/sarahmk125/dagster/internal/launcher"
	"github.com/sarahmk125/dagster/internal/runstore"
)

// LaunchRequester enqueues a launch wakeup for a freshly created run.
// Implemented by the mq publisher; nil means callers launch explicitly.
type LaunchRequester interface {
	PublishLaunch(ctx context.Context, runID string) error
}

// Waker nudges the monitor into an immediate reconcile cycle.
type Waker interface {
	Wake()
}

type API struct {
	logger   *slog.Logger
	store    runstore.Store
	launcher *launcher.RunLauncher
	requests LaunchRequester
	waker    Waker
}

func New(logger *slog.Logger, store runstore.Store, l *launcher.RunLauncher, requests LaunchRequester, waker Waker) *API {
	if logger == nil {
		logger = slog.Default()
	}
	return &API{
		logger:   logger,
		store:    store,
		launcher: l,
		requests: requests,
		waker:    waker,
	}
}

func (api *API) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /api/runs", api.handleListRuns)
	mux.HandleFunc("POST /api/runs", api.handleCreateRun)
	mux.HandleFunc("GET /api/runs/{run_id}", api.handleGetRun)
	mux.HandleFunc("POST /api/runs/{run_id}/launch", api.handleLaunchRun)
	mux.HandleFunc("POST /api/runs/{run_id}/terminate", api.handleTerminateRun)
	mux.HandleFunc("GET /api/runs/{run_id}/health", api.handleRunWorkerHealth)
}

type runView struct {
	RunID                   string            `json:"run_id"`
	PipelineName            string            `json:"pipeline_name"`
	Mode                    string            `json:"mode,omitempty"`
	Status                  string            `json:"status"`
	RunConfig               map[string]any    `json:"run_config,omitempty"`
	Tags                    map[string]string `json:"tags,omitempty"`
	PipelineSnapshotID      string            `json:"pipeline_snapshot_id,omitempty"`
	ExecutionPlanSnapshotID string            `json:"execution_plan_snapshot_id,omitempty"`
	RootRunID               string            `json:"root_run_id,omitempty"`
	ParentRunID             string            `json:"parent_run_id,omitempty"`
	CreatedAt               time.Time         `json:"created_at"`
	LaunchedAt              *time.Time        `json:"launched_at,omitempty"`
	ErrorDetail             string            `json:"error_detail,omitempty"`
}

func viewOf(run domain.Run) runView {
	return runView{
		RunID:                   run.ID,
		PipelineName:            run.PipelineName,
		Mode:                    run.Mode,
		Status:                  string(run.Status),
		RunConfig:               run.RunConfig,
		Tags:                    run.Tags,
		PipelineSnapshotID:      run.PipelineSnapshotID,
		ExecutionPlanSnapshotID: run.ExecutionPlanSnapshotID,
		RootRunID:               run.RootRunID,
		ParentRunID:             run.ParentRunID,
		CreatedAt:               run.CreatedAt,
		LaunchedAt:              run.LaunchedAt,
		ErrorDetail:             run.ErrorDetail,
	}
}

type createRunRequest struct {
	RunID                   string            `json:"run_id,omitempty"`
	PipelineName            string            `json:"pipeline_name"`
	Mode                    string            `json:"mode,omitempty"`
	RunConfig               map[string]any    `json:"run_config,omitempty"`
	Tags                    map[string]string `json:"tags,omitempty"`
	PipelineSnapshotID      string            `json:"pipeline_snapshot_id,omitempty"`
	ExecutionPlanSnapshotID string            `json:"execution_plan_snapshot_id,omitempty"`
	RootRunID               string            `json:"root_run_id,omitempty"`
	ParentRunID             string            `json:"parent_run_id,omitempty"`
}

func (api *API) handleCreateRun(w http.ResponseWriter, r *http.Request) {
	var req createRunRequest
	if err := decodeJSON(r, &req); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_json")
		return
	}
	if strings.TrimSpace(req.PipelineName) == "" {
		api.writeError(w, r, http.StatusBadRequest, "pipeline_name_required")
		return
	}

	runID := strings.TrimSpace(req.RunID)
	if runID == "" {
		runID = uuid.NewString()
	}

	run := domain.Run{
		ID:                      runID,
		PipelineName:            strings.TrimSpace(req.PipelineName),
		Mode:                    strings.TrimSpace(req.Mode),
		RunConfig:               req.RunConfig,
		Tags:                    req.Tags,
		PipelineSnapshotID:      strings.TrimSpace(req.PipelineSnapshotID),
		ExecutionPlanSnapshotID: strings.TrimSpace(req.ExecutionPlanSnapshotID),
		RootRunID:               strings.TrimSpace(req.RootRunID),
		ParentRunID:             strings.TrimSpace(req.ParentRunID),
		Status:                  domain.RunStatusNotStarted,
		CreatedAt:               time.Now().UTC(),
	}
	if err := run.Validate(); err != nil {
		api.writeError(w, r, http.StatusBadRequest, "invalid_run")
		return
	}

	if err := api.store.CreateRun(r.Context(), run); err != nil {
		if errors.Is(err, runstore.ErrAlreadyExists) {
			api.writeError(w, r, http.StatusConflict, "run_already_exists")
			return
		}
		api.logger.Error("create run", "run_id", run.ID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if api.requests != nil {
		if err := api.requests.PublishLaunch(r.Context(), run.ID); err != nil {
			// The run exists; the caller can still launch explicitly.
			api.logger.Error("enqueue launch wakeup", "run_id", run.ID, "error", err)
		}
	}

	api.writeJSON(w, http.StatusCreated, viewOf(run))
}

func (api *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	filter := runstore.Filter{Limit: 100}
	for _, raw := range r.URL.Query()["status"] {
		status, err := domain.NormalizeRunStatus(raw)
		if err != nil {
			api.writeError(w, r, http.StatusBadRequest, "invalid_status")
			return
		}
		filter.Statuses = append(filter.Statuses, status)
	}

	runs, err := api.store.ListRuns(r.Context(), filter)
	if err != nil {
		api.logger.Error("list runs", "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	out := make([]runView, 0, len(runs))
	for _, run := range runs {
		out = append(out, viewOf(run))
	}
	api.writeJSON(w, http.StatusOK, map[string]any{"runs": out})
}

func (api *API) handleGetRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	run, err := api.store.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("get run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, viewOf(run))
}

func (api *API) handleLaunchRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	if err := api.launcher.Launch(r.Context(), runID); err != nil {
		switch {
		case errors.Is(err, runstore.ErrNotFound):
			api.writeError(w, r, http.StatusNotFound, "not_found")
		case errors.Is(err, launcher.ErrRunNotLaunchable):
			api.writeError(w, r, http.StatusConflict, "run_not_launchable")
		default:
			// Launch already recorded the failure on the run itself.
			api.writeError(w, r, http.StatusBadGateway, "launch_failed")
		}
		return
	}

	if api.waker != nil {
		api.waker.Wake()
	}

	run, err := api.store.GetRun(r.Context(), runID)
	if err != nil {
		api.logger.Error("get run after launch", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}
	api.writeJSON(w, http.StatusOK, viewOf(run))
}

func (api *API) handleTerminateRun(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	terminated, err := api.launcher.Terminate(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("terminate run", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusInternalServerError, "internal_error")
		return
	}

	if api.waker != nil {
		api.waker.Wake()
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":     runID,
		"terminated": terminated,
	})
}

func (api *API) handleRunWorkerHealth(w http.ResponseWriter, r *http.Request) {
	runID := strings.TrimSpace(r.PathValue("run_id"))
	if runID == "" {
		api.writeError(w, r, http.StatusBadRequest, "run_id_required")
		return
	}

	status, err := api.launcher.CheckRunWorkerHealth(r.Context(), runID)
	if err != nil {
		if errors.Is(err, runstore.ErrNotFound) {
			api.writeError(w, r, http.StatusNotFound, "not_found")
			return
		}
		api.logger.Error("check worker health", "run_id", runID, "error", err)
		api.writeError(w, r, http.StatusBadGateway, "substrate_unavailable")
		return
	}
	api.writeJSON(w, http.StatusOK, map[string]any{
		"run_id":        runID,
		"worker_status": string(status),
	})
}

func decodeJSON(r *http.Request, dst any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil {
		return err
	}
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return errors.New("multiple JSON values")
	}
	return nil
}

func (api *API) writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(true)
	_ = enc.Encode(body)
}

func (api *API) writeError(w http.ResponseWriter, r *http.Request, status int, code string) {
	api.writeJSON(w, status, map[string]any{
		"error":      code,
		"request_id": r.Header.Get("X-Request-Id"),
	})
}
