package handlers

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/agentmarket/backend/internal/middleware"
	"github.com/agentmarket/backend/internal/models"
	"github.com/agentmarket/backend/internal/services"
)

// TaskAPI is the task lifecycle. *services.TaskService satisfies it.
type TaskAPI interface {
	Create(ctx context.Context, buyerID uuid.UUID, in services.CreateTaskInput) (*models.Task, []services.Match, error)
	Get(ctx context.Context, taskID uuid.UUID) (*models.TaskAggregate, error)
	List(ctx context.Context, f models.TaskFilter) ([]*models.Task, int, error)
	ListAvailable(ctx context.Context, f models.TaskFilter) ([]*models.Task, int, error)
	ListForAgent(ctx context.Context, agentID uuid.UUID, f models.TaskFilter) ([]*models.Task, int, error)
	ListApplications(ctx context.Context, buyerID, taskID uuid.UUID) ([]*models.Application, error)
	ListAgentApplications(ctx context.Context, agentID uuid.UUID, limit, offset int) ([]*models.AgentApplication, int, error)
	Suggestions(ctx context.Context, taskID uuid.UUID) ([]*models.Suggestion, error)
	Select(ctx context.Context, buyerID, taskID, applicationID uuid.UUID) (*models.Assignment, error)
	Assign(ctx context.Context, buyerID, taskID, agentID uuid.UUID) (*models.Assignment, error)
	Approve(ctx context.Context, buyerID, taskID uuid.UUID) (*services.ApproveResult, error)
	OpenDispute(ctx context.Context, buyerID, taskID uuid.UUID, comment string, evidence []string) (*models.Dispute, error)
	Cancel(ctx context.Context, buyerID, taskID uuid.UUID) (*models.Task, error)
	Apply(ctx context.Context, agent *models.Agent, taskID uuid.UUID, bid decimal.Decimal, message string) (*services.ApplyResult, error)
	Start(ctx context.Context, agent *models.Agent, taskID uuid.UUID) (*models.Task, error)
	Submit(ctx context.Context, agent *models.Agent, taskID uuid.UUID, text string, files []string) (*models.TaskResult, error)
}

// TaskHandler serves /v1/tasks and the agent-facing /v1/agent/tasks
// endpoints.
type TaskHandler struct {
	Tasks     TaskAPI
	Validator *services.Validator
	Logger    *slog.Logger
}

func NewTaskHandler(tasks TaskAPI, v *services.Validator, logger *slog.Logger) *TaskHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &TaskHandler{Tasks: tasks, Validator: v, Logger: logger}
}

type createTaskResponse struct {
	Task        *models.Task     `json:"task"`
	Suggestions []services.Match `json:"suggestions"`
}

// CreateTask handles POST /v1/tasks.
func (h *TaskHandler) CreateTask(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	var in services.CreateTaskInput
	if !Decode(w, r, h.Validator, services.SchemaCreateTask, &in) {
		return
	}
	task, matches, err := h.Tasks.Create(r.Context(), u.ID, in)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	if matches == nil {
		matches = []services.Match{}
	}
	WriteJSON(w, http.StatusCreated, createTaskResponse{Task: task, Suggestions: matches})
}

// ListTasks handles GET /v1/tasks: the caller's own tasks, or every task
// for an admin.
func (h *TaskHandler) ListTasks(w http.ResponseWriter, r *http.Request) {
	u := middleware.UserFromCtx(r.Context())
	f := models.TaskFilter{Status: r.URL.Query().Get("status")}
	f.Limit, f.Offset = Paging(r)
	if !u.IsAdmin() {
		f.BuyerID = u.ID
	}
	list, total, err := h.Tasks.List(r.Context(), f)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Page[*models.Task]{Items: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// GetTask handles GET /v1/tasks/{id}. The submitted result is shown only to
// the buyer, the assigned seller and admins.
func (h *TaskHandler) GetTask(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	agg, err := h.Tasks.Get(r.Context(), taskID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	u := middleware.UserFromCtx(r.Context())
	if !u.IsAdmin() && u.ID != agg.Task.BuyerID && u.ID != agg.SellerID() {
		agg.Result = nil
	}
	WriteJSON(w, http.StatusOK, agg)
}

// ListApplications handles GET /v1/tasks/{id}/applications.
func (h *TaskHandler) ListApplications(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	apps, err := h.Tasks.ListApplications(r.Context(), middleware.UserFromCtx(r.Context()).ID, taskID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"applications": apps})
}

// Suggestions handles GET /v1/tasks/{id}/suggestions.
func (h *TaskHandler) Suggestions(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	list, err := h.Tasks.Suggestions(r.Context(), taskID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"suggestions": list})
}

// Select handles POST /v1/tasks/{id}/select.
func (h *TaskHandler) Select(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ApplicationID uuid.UUID `json:"application_id"`
	}
	if !Decode(w, r, h.Validator, services.SchemaSelect, &req) {
		return
	}
	a, err := h.Tasks.Select(r.Context(), middleware.UserFromCtx(r.Context()).ID, taskID, req.ApplicationID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"assignment": a})
}

// Assign handles POST /v1/tasks/{id}/assign.
func (h *TaskHandler) Assign(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		AgentID uuid.UUID `json:"agent_id"`
	}
	if !Decode(w, r, h.Validator, services.SchemaAssign, &req) {
		return
	}
	a, err := h.Tasks.Assign(r.Context(), middleware.UserFromCtx(r.Context()).ID, taskID, req.AgentID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"assignment": a})
}

// Approve handles POST /v1/tasks/{id}/approve.
func (h *TaskHandler) Approve(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	res, err := h.Tasks.Approve(r.Context(), middleware.UserFromCtx(r.Context()).ID, taskID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, res)
}

// Dispute handles POST /v1/tasks/{id}/dispute.
func (h *TaskHandler) Dispute(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Comment  string   `json:"comment"`
		Evidence []string `json:"evidence"`
	}
	if !Decode(w, r, h.Validator, services.SchemaDispute, &req) {
		return
	}
	d, err := h.Tasks.OpenDispute(r.Context(), middleware.UserFromCtx(r.Context()).ID, taskID, req.Comment, req.Evidence)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, map[string]any{"dispute": d})
}

// Cancel handles POST /v1/tasks/{id}/cancel.
func (h *TaskHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.Tasks.Cancel(r.Context(), middleware.UserFromCtx(r.Context()).ID, taskID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

// --- agent-facing endpoints, authenticated by API key ---

// Available handles GET /v1/agent/tasks/available.
func (h *TaskHandler) Available(w http.ResponseWriter, r *http.Request) {
	var f models.TaskFilter
	f.Limit, f.Offset = Paging(r)
	list, total, err := h.Tasks.ListAvailable(r.Context(), f)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Page[*models.Task]{Items: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// AgentTasks handles GET /v1/agent/tasks: tasks assigned to the calling
// agent.
func (h *TaskHandler) AgentTasks(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	f := models.TaskFilter{Status: r.URL.Query().Get("status")}
	f.Limit, f.Offset = Paging(r)
	list, total, err := h.Tasks.ListForAgent(r.Context(), agent.ID, f)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Page[*models.Task]{Items: list, Total: total, Limit: f.Limit, Offset: f.Offset})
}

// AgentApplications handles GET /v1/agent/applications: the calling agent's
// bids with the tasks they target.
func (h *TaskHandler) AgentApplications(w http.ResponseWriter, r *http.Request) {
	agent := middleware.AgentFromCtx(r.Context())
	limit, offset := Paging(r)
	list, total, err := h.Tasks.ListAgentApplications(r.Context(), agent.ID, limit, offset)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, Page[*models.AgentApplication]{Items: list, Total: total, Limit: limit, Offset: offset})
}

// Apply handles POST /v1/agent/tasks/{id}/apply.
func (h *TaskHandler) Apply(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		Bid     decimal.Decimal `json:"bid"`
		Message string          `json:"message"`
	}
	if !Decode(w, r, h.Validator, services.SchemaApply, &req) {
		return
	}
	res, err := h.Tasks.Apply(r.Context(), middleware.AgentFromCtx(r.Context()), taskID, req.Bid, req.Message)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusCreated, res)
}

// Start handles POST /v1/agent/tasks/{id}/start.
func (h *TaskHandler) Start(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	t, err := h.Tasks.Start(r.Context(), middleware.AgentFromCtx(r.Context()), taskID)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"task": t})
}

// Submit handles POST /v1/agent/tasks/{id}/submit.
func (h *TaskHandler) Submit(w http.ResponseWriter, r *http.Request) {
	taskID, ok := PathID(w, r, "id")
	if !ok {
		return
	}
	var req struct {
		ResultText  string   `json:"result_text"`
		ResultFiles []string `json:"result_files"`
	}
	if !Decode(w, r, h.Validator, services.SchemaSubmit, &req) {
		return
	}
	res, err := h.Tasks.Submit(r.Context(), middleware.AgentFromCtx(r.Context()), taskID, req.ResultText, req.ResultFiles)
	if err != nil {
		WriteError(w, h.Logger, err)
		return
	}
	WriteJSON(w, http.StatusOK, map[string]any{"result": res})
}
