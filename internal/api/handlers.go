package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/hyperengineering/muniplan/internal/completion"
	"github.com/hyperengineering/muniplan/internal/ledger"
	"github.com/hyperengineering/muniplan/internal/snapshot"
	"github.com/hyperengineering/muniplan/internal/store"
	"github.com/hyperengineering/muniplan/internal/types"
	"github.com/hyperengineering/muniplan/internal/validation"
	"github.com/hyperengineering/muniplan/internal/workflow"
)

// maxBodyBytes caps request bodies; a project tree is the largest payload.
const maxBodyBytes = 1 << 20

// Handler implements the API handlers
type Handler struct {
	store      store.Store
	ledger     *ledger.Ledger
	completion *completion.Aggregator
	workflow   *workflow.Service
	uploader   snapshot.Uploader
	apiKey     string
	version    string
}

// NewHandler creates a Handler over the ledger, the completion aggregator
// and the workflow service. Snapshots are served from local disk until
// WithUploader installs remote storage.
func NewHandler(s store.Store, l *ledger.Ledger, agg *completion.Aggregator, wf *workflow.Service, apiKey, version string) *Handler {
	return &Handler{
		store:      s,
		ledger:     l,
		completion: agg,
		workflow:   wf,
		uploader:   snapshot.NoopUploader{},
		apiKey:     apiKey,
		version:    version,
	}
}

// WithUploader sets the snapshot storage used by GET /snapshot.
func (h *Handler) WithUploader(u snapshot.Uploader) *Handler {
	if u != nil {
		h.uploader = u
	}
	return h
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode response", "error", err)
	}
}

// decodeJSON reads the request body into v, writing a 400 problem and
// returning false when it is not valid JSON.
func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		WriteProblem(w, r, http.StatusBadRequest, fmt.Sprintf("Invalid JSON: %s", err.Error()))
		return false
	}
	return true
}

// pathID parses a positive integer path parameter, writing a 400 problem
// and returning false otherwise.
func pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
			{Field: name, Message: "must be a positive integer"},
		})
		return 0, false
	}
	return id, true
}

// Health handles GET /api/v1/health
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	count, err := h.store.CountProjects(r.Context())
	if err != nil {
		slog.Error("health check failed", "component", "api", "error", err)
		WriteProblemUnavailable(w, r, "Database unavailable")
		return
	}

	writeJSON(w, http.StatusOK, types.HealthResponse{
		Status:   "healthy",
		Version:  h.version,
		Driver:   h.store.DriverName(),
		Projects: count,
	})
}

// CreateProject handles POST /api/v1/projects
func (h *Handler) CreateProject(w http.ResponseWriter, r *http.Request) {
	var req types.NewProject
	if !decodeJSON(w, r, &req) {
		return
	}

	created, err := h.workflow.CreateProject(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/projects/%d", created.ProjectID))
	writeJSON(w, http.StatusCreated, created)
}

// ProjectResponse is a project with its milestones in position order.
type ProjectResponse struct {
	types.Project
	Milestones []types.Milestone `json:"milestones"`
}

// GetProject handles GET /api/v1/projects/{id}
func (h *Handler) GetProject(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	p, err := h.store.GetProject(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	milestones, err := h.store.ListMilestones(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	if milestones == nil {
		milestones = []types.Milestone{}
	}
	writeJSON(w, http.StatusOK, ProjectResponse{Project: *p, Milestones: milestones})
}

// GetBudget handles GET /api/v1/projects/{id}/budget
func (h *Handler) GetBudget(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	budget, err := h.ledger.GetByProjectID(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, budget)
}

// AddExpense handles POST /api/v1/projects/{id}/expenses. The project id
// in the path wins over any project_id in the body.
func (h *Handler) AddExpense(w http.ResponseWriter, r *http.Request) {
	projectID, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req types.NewExpense
	if !decodeJSON(w, r, &req) {
		return
	}
	req.ProjectID = projectID

	if errs := validation.ValidateNewExpense(req); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}
	if _, err := h.store.GetProject(r.Context(), projectID); err != nil {
		MapError(w, r, err)
		return
	}

	e, err := h.ledger.AddExpense(r.Context(), req)
	if err != nil {
		MapError(w, r, err)
		return
	}
	w.Header().Set("Location", fmt.Sprintf("/api/v1/expenses/%d", e.ID))
	writeJSON(w, http.StatusCreated, e)
}

// PatchExpense handles PATCH /api/v1/expenses/{id}
func (h *Handler) PatchExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var patch types.ExpensePatch
	if !decodeJSON(w, r, &patch) {
		return
	}
	if errs := validation.ValidateExpensePatch(patch); len(errs) > 0 {
		WriteProblemWithErrors(w, r, "Request contains invalid fields", errs)
		return
	}

	e, err := h.ledger.UpdateExpense(r.Context(), id, patch)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// DeleteExpense handles DELETE /api/v1/expenses/{id}. Deleting an expense
// that does not exist is not an error; the body reports deleted=false.
func (h *Handler) DeleteExpense(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	result, err := h.ledger.DeleteExpense(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// ApproveExpense handles POST /api/v1/expenses/{id}/approve
func (h *Handler) ApproveExpense(w http.ResponseWriter, r *http.Request) {
	h.transitionExpense(w, r, h.ledger.Approve)
}

// RejectExpense handles POST /api/v1/expenses/{id}/reject
func (h *Handler) RejectExpense(w http.ResponseWriter, r *http.Request) {
	h.transitionExpense(w, r, h.ledger.Reject)
}

func (h *Handler) transitionExpense(w http.ResponseWriter, r *http.Request, fn func(ctx context.Context, id int64) (*types.Expense, error)) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	e, err := fn(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, e)
}

// CompletionResponse reports a project's stored completion percentage.
type CompletionResponse struct {
	ProjectID  int64 `json:"project_id"`
	Completion int   `json:"completion"`
}

// RecomputeCompletion handles POST /api/v1/projects/{id}/completion/recompute
func (h *Handler) RecomputeCompletion(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}

	pct, err := h.completion.RecomputeCompletion(r.Context(), id)
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, CompletionResponse{ProjectID: id, Completion: pct})
}

// CatalogResponse lists the stage weights in effect and the trigger policy.
type CatalogResponse struct {
	Stages  []completion.Stage `json:"stages"`
	Total   int                `json:"total"`
	Trigger string             `json:"trigger"`
}

// GetCatalog handles GET /api/v1/completion/catalog
func (h *Handler) GetCatalog(w http.ResponseWriter, r *http.Request) {
	c := h.completion.Catalog()
	writeJSON(w, http.StatusOK, CatalogResponse{
		Stages:  c.Stages(),
		Total:   c.Total(),
		Trigger: string(h.completion.Policy()),
	})
}

// StatusRequest is the body of the task and milestone status endpoints.
type StatusRequest struct {
	Status string `json:"status"`
}

// PatchTaskStatus handles PATCH /api/v1/tasks/{id}/status
func (h *Handler) PatchTaskStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	task, err := h.workflow.SetTaskStatus(r.Context(), id, types.TaskStatus(req.Status))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, task)
}

// PatchMilestoneStatus handles PATCH /api/v1/milestones/{id}/status
func (h *Handler) PatchMilestoneStatus(w http.ResponseWriter, r *http.Request) {
	id, ok := pathID(w, r, "id")
	if !ok {
		return
	}
	var req StatusRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	m, err := h.workflow.SetMilestoneStatus(r.Context(), id, types.MilestoneStatus(req.Status))
	if err != nil {
		MapError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, m)
}

// AuditResponse lists projects whose cached actual spend disagreed with
// their approved expenses.
type AuditResponse struct {
	Drift    []types.LedgerDrift `json:"drift"`
	Repaired bool                `json:"repaired"`
}

// LedgerAudit handles GET /api/v1/ledger/audit. With ?repair=true the
// drifting projects are rewritten from their approved expenses.
func (h *Handler) LedgerAudit(w http.ResponseWriter, r *http.Request) {
	repair := false
	if v := r.URL.Query().Get("repair"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			WriteProblemWithErrors(w, r, "Request contains invalid fields", []validation.ValidationError{
				{Field: "repair", Message: "must be a boolean"},
			})
			return
		}
		repair = b
	}

	var drift []types.LedgerDrift
	var err error
	if repair {
		drift, err = h.ledger.Repair(r.Context())
	} else {
		drift, err = h.ledger.AuditLedger(r.Context())
	}
	if err != nil {
		MapError(w, r, err)
		return
	}
	if drift == nil {
		drift = []types.LedgerDrift{}
	}
	writeJSON(w, http.StatusOK, AuditResponse{Drift: drift, Repaired: repair})
}

// Snapshot handles GET /api/v1/snapshot. With remote storage configured the
// client is redirected to a presigned URL; otherwise the latest local
// snapshot file is streamed.
func (h *Handler) Snapshot(w http.ResponseWriter, r *http.Request) {
	url, _, err := h.uploader.PresignedURL(r.Context())
	if err == nil {
		http.Redirect(w, r, url, http.StatusTemporaryRedirect)
		return
	}
	if !errors.Is(err, snapshot.ErrNotConfigured) {
		slog.Warn("presigned snapshot url failed, serving local file",
			"component", "api",
			"error", err,
		)
	}

	path, err := h.store.SnapshotPath(r.Context())
	if err != nil {
		MapError(w, r, err)
		return
	}
	f, err := os.Open(path)
	if err != nil {
		MapError(w, r, store.ErrSnapshotUnavailable)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		MapError(w, r, err)
		return
	}

	w.Header().Set("Content-Type", "application/vnd.sqlite3")
	w.Header().Set("Content-Disposition", `attachment; filename="muniplan-snapshot.db"`)
	http.ServeContent(w, r, "muniplan-snapshot.db", info.ModTime(), f)
}
