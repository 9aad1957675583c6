// Package api is the External Interface Adapter: a thin Gin layer
// translating HTTP+WebSocket requests into calls against
// orchestrator.Service, and orchestrator/apperr failures back into the
// status codes and bodies external clients expect.
package api

import (
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/kandev/forgeflow/internal/activity"
	"github.com/kandev/forgeflow/internal/common/apperr"
	"github.com/kandev/forgeflow/internal/common/logger"
	"github.com/kandev/forgeflow/internal/orchestrator"
	"github.com/kandev/forgeflow/internal/task"
)

// Handler holds the orchestrator Service every route dispatches against.
type Handler struct {
	service *orchestrator.Service
	log     *logger.Logger
}

// NewHandler builds a Handler.
func NewHandler(service *orchestrator.Service, log *logger.Logger) *Handler {
	return &Handler{service: service, log: log.WithFields(zap.String("component", "api"))}
}

func taskIDParam(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("taskId"), 10, 64)
	if err != nil {
		badRequest(c, "taskId must be an integer")
		return 0, false
	}
	return id, true
}

// ListWorkspaces handles GET /workspaces.
func (h *Handler) ListWorkspaces(c *gin.Context) {
	workspaces, err := h.service.Store.ListWorkspaces(c.Request.Context())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, workspaces)
}

// CreateWorkspace handles POST /workspaces.
func (h *Handler) CreateWorkspace(c *gin.Context) {
	var req CreateWorkspaceRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ws, err := h.service.Store.CreateWorkspace(c.Request.Context(), req.ID, req.Path)
	if err != nil {
		writeError(c, err)
		return
	}
	h.service.BridgeActivityToStream(ws.ID)
	c.JSON(http.StatusCreated, ws)
}

// GetWorkspace handles GET /workspaces/{ws}.
func (h *Handler) GetWorkspace(c *gin.Context) {
	ws, err := h.service.Store.GetWorkspace(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, ws)
}

// DeleteWorkspace handles DELETE /workspaces/{ws}.
func (h *Handler) DeleteWorkspace(c *gin.Context) {
	if err := h.service.Store.DeleteWorkspace(c.Request.Context(), c.Param("workspaceId")); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// ListTasks handles GET /workspaces/{ws}/tasks[?scope=].
func (h *Handler) ListTasks(c *gin.Context) {
	scope := task.Scope(c.DefaultQuery("scope", string(task.ScopeActive)))
	tasks, err := h.service.Store.List(c.Request.Context(), c.Param("workspaceId"), scope)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, tasks)
}

// CreateTask handles POST /workspaces/{ws}/tasks.
func (h *Handler) CreateTask(c *gin.Context) {
	var req CreateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := h.service.Store.Create(c.Request.Context(), c.Param("workspaceId"), task.CreateRequest{
		Title:              req.Title,
		Description:        req.Description,
		AcceptanceCriteria: req.AcceptanceCriteria,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

// GetTask handles GET /workspaces/{ws}/tasks/{t}.
func (h *Handler) GetTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	t, err := h.service.Store.Get(c.Request.Context(), c.Param("workspaceId"), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// UpdateTask handles PATCH /workspaces/{ws}/tasks/{t}.
func (h *Handler) UpdateTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	var req UpdateTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := h.service.UpdateTask(c.Request.Context(), c.Param("workspaceId"), taskID, req.toPatch())
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// DeleteTask handles DELETE /workspaces/{ws}/tasks/{t}.
func (h *Handler) DeleteTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	if err := h.service.Store.Delete(c.Request.Context(), c.Param("workspaceId"), taskID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// MoveTask handles POST /workspaces/{ws}/tasks/{t}/move.
func (h *Handler) MoveTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	var req MoveTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	t, err := h.service.Move(c.Request.Context(), c.Param("workspaceId"), taskID, req.ToPhase, "user", req.Reason)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// ReorderTasks handles POST /workspaces/{ws}/tasks/reorder.
func (h *Handler) ReorderTasks(c *gin.Context) {
	var req ReorderTasksRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	if err := h.service.Store.Reorder(c.Request.Context(), c.Param("workspaceId"), req.Phase, req.TaskIDs); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// StopTask handles POST /workspaces/{ws}/tasks/{t}/stop.
func (h *Handler) StopTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	stopped, err := h.service.Stop(c.Request.Context(), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, StopResponse{Stopped: stopped})
}

// ExecuteTask handles POST /workspaces/{ws}/tasks/{t}/execute.
func (h *Handler) ExecuteTask(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	var req ExecuteTaskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		req = ExecuteTaskRequest{}
	}
	if err := h.service.Execute(c.Request.Context(), c.Param("workspaceId"), taskID, req.Rework); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// RegeneratePlan handles POST .../tasks/{t}/plan/regenerate and
// .../tasks/{t}/acceptance-criteria/regenerate: both re-derive acceptance
// criteria and the plan together, since the planning pipeline produces them
// from a single save_plan call.
func (h *Handler) RegeneratePlan(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	if err := h.service.RegeneratePlan(c.Request.Context(), c.Param("workspaceId"), taskID); err != nil {
		writeError(c, err)
		return
	}
	c.Status(http.StatusAccepted)
}

// GetSummary handles GET .../tasks/{t}/summary: the plan goal is the closest
// standing "summary" the Task Store persists outside the activity timeline.
func (h *Handler) GetSummary(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	t, err := h.service.Store.Get(c.Request.Context(), c.Param("workspaceId"), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	summary := ""
	if t.Plan != nil {
		summary = t.Plan.Goal
	}
	c.JSON(http.StatusOK, gin.H{"summary": summary})
}

// GenerateSummary handles POST .../tasks/{t}/summary/generate by
// re-running the planning pipeline, which refreshes Plan.Goal.
func (h *Handler) GenerateSummary(c *gin.Context) {
	h.RegeneratePlan(c)
}

// AppendActivity handles POST /workspaces/{ws}/activity.
func (h *Handler) AppendActivity(c *gin.Context) {
	var req AppendActivityRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	role := activity.Role(req.Role)
	if role != activity.RoleUser && role != activity.RoleAgent {
		badRequest(c, "role must be user or agent")
		return
	}
	if role == activity.RoleUser {
		// User messages are routed into the task's conversation (steer,
		// follow-up, resume, or fresh chat), not just persisted.
		entry, err := h.service.PostUserMessage(c.Request.Context(), c.Param("workspaceId"), req.TaskID, req.Content, req.Metadata)
		if err != nil {
			writeError(c, err)
			return
		}
		c.JSON(http.StatusCreated, entry)
		return
	}
	entry, err := h.service.Activity.Append(c.Request.Context(), activity.Entry{
		WorkspaceID: c.Param("workspaceId"),
		TaskID:      req.TaskID,
		Kind:        activity.KindChatMessage,
		Role:        role,
		Content:     req.Content,
		Metadata:    req.Metadata,
	})
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusCreated, entry)
}

// WorkspaceActivity handles GET /workspaces/{ws}/activity?limit=.
func (h *Handler) WorkspaceActivity(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries, err := h.service.Activity.Timeline(c.Request.Context(), c.Param("workspaceId"), limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// TaskActivity handles GET /workspaces/{ws}/tasks/{t}/activity?limit=.
func (h *Handler) TaskActivity(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "0"))
	entries, err := h.service.Activity.TaskTimeline(c.Request.Context(), c.Param("workspaceId"), taskID, limit)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, entries)
}

// GetAutomation handles GET /workspaces/{ws}/automation.
func (h *Handler) GetAutomation(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	ws, err := h.service.Store.GetWorkspace(c.Request.Context(), workspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, AutomationResponse{
		Enabled: h.service.Automation.IsEnabled(workspaceID),
		Policy:  ws.Policy,
	})
}

// UpdateAutomation handles PATCH /workspaces/{ws}/automation.
func (h *Handler) UpdateAutomation(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	var req UpdateAutomationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		badRequest(c, err.Error())
		return
	}
	ws, err := h.service.Store.GetWorkspace(c.Request.Context(), workspaceID)
	if err != nil {
		writeError(c, err)
		return
	}
	policy := ws.Policy
	if req.ReadyLimit != nil {
		policy.ReadyLimit = req.ReadyLimit
	}
	if req.ExecutingLimit != nil {
		policy.ExecutingLimit = req.ExecutingLimit
	}
	if req.BacklogToReady != nil {
		policy.BacklogToReady = req.BacklogToReady
	}
	if req.ReadyToExecuting != nil {
		policy.ReadyToExecuting = req.ReadyToExecuting
	}
	ws, err = h.service.Store.UpdateWorkspacePolicy(c.Request.Context(), workspaceID, policy)
	if err != nil {
		writeError(c, err)
		return
	}
	if req.Enabled != nil {
		if err := h.service.SetAutomationEnabled(c.Request.Context(), workspaceID, *req.Enabled); err != nil {
			writeError(c, err)
			return
		}
	}
	c.JSON(http.StatusOK, AutomationResponse{
		Enabled: h.service.Automation.IsEnabled(workspaceID),
		Policy:  ws.Policy,
	})
}

// QueueStart handles POST /workspaces/{ws}/queue/start.
func (h *Handler) QueueStart(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	if err := h.service.SetAutomationEnabled(c.Request.Context(), workspaceID, true); err != nil {
		writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueueStatusResponse{Enabled: true})
}

// QueueStop handles POST /workspaces/{ws}/queue/stop.
func (h *Handler) QueueStop(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	h.service.Automation.SetEnabled(workspaceID, false)
	c.JSON(http.StatusOK, QueueStatusResponse{Enabled: false})
}

// QueueStatus handles POST /workspaces/{ws}/queue/status.
func (h *Handler) QueueStatus(c *gin.Context) {
	workspaceID := c.Param("workspaceId")
	c.JSON(http.StatusOK, QueueStatusResponse{Enabled: h.service.Automation.IsEnabled(workspaceID)})
}

// UploadAttachment handles multipart attachment upload for a task.
func (h *Handler) UploadAttachment(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	fileHeader, err := c.FormFile("file")
	if err != nil {
		badRequest(c, "file is required")
		return
	}
	f, err := fileHeader.Open()
	if err != nil {
		writeError(c, apperr.Wrap(apperr.Persistence, "open uploaded file", err))
		return
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		writeError(c, apperr.Wrap(apperr.Persistence, "read uploaded file", err))
		return
	}

	mimeType := fileHeader.Header.Get("Content-Type")
	if err := h.service.AttachFileCallback(c.Param("workspaceId"), taskID, fileHeader.Filename, mimeType, data); err != nil {
		writeError(c, err)
		return
	}

	t, err := h.service.Store.Get(c.Request.Context(), c.Param("workspaceId"), taskID)
	if err != nil {
		writeError(c, err)
		return
	}
	if len(t.Attachments) == 0 {
		c.Status(http.StatusCreated)
		return
	}
	last := t.Attachments[len(t.Attachments)-1]
	c.JSON(http.StatusCreated, AttachmentResponse{
		ID:         last.ID,
		Filename:   last.Filename,
		StoredName: last.StoredName,
		MimeType:   last.MimeType,
		Size:       last.Size,
	})
}

// DownloadAttachment serves a previously uploaded attachment by stored name.
func (h *Handler) DownloadAttachment(c *gin.Context) {
	taskID, ok := taskIDParam(c)
	if !ok {
		return
	}
	storedName := c.Param("storedName")
	ws, err := h.service.Store.GetWorkspace(c.Request.Context(), c.Param("workspaceId"))
	if err != nil {
		writeError(c, err)
		return
	}
	path := filepath.Join(ws.Path, ".forgeflow", "attachments", strconv.FormatInt(taskID, 10), filepath.Base(storedName))
	if _, err := os.Stat(path); err != nil {
		writeError(c, apperr.New(apperr.Validation, "attachment not found", nil))
		return
	}
	c.File(path)
}
