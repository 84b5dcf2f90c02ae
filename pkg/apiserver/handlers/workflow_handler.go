package handlers

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/flowforge/gateway/pkg/apiserver/middleware"
	"github.com/flowforge/gateway/pkg/controller"
	"github.com/flowforge/gateway/pkg/gateway"
	"github.com/flowforge/gateway/pkg/model"
)

type WorkflowHandler struct {
	controller *controller.WorkflowController
	gateway    *gateway.Gateway
	logger     *zap.Logger
}

func NewWorkflowHandler(ctrl *controller.WorkflowController, gw *gateway.Gateway, logger *zap.Logger) *WorkflowHandler {
	return &WorkflowHandler{controller: ctrl, gateway: gw, logger: logger}
}

type workflowResponse struct {
	ID           string       `json:"id"`
	Name         string       `json:"name"`
	Description  string       `json:"description"`
	Status       string       `json:"status"`
	Steps        []model.Step `json:"steps"`
	ErrorMessage string       `json:"error_message,omitempty"`
	CreatedAt    string       `json:"created_at"`
	StartedAt    *string      `json:"started_at,omitempty"`
	FinishedAt   *string      `json:"finished_at,omitempty"`
}

type commandResponse struct {
	ID     string `json:"id"`
	Status string `json:"status"`
}

func (h *WorkflowHandler) Create(c *gin.Context) {
	var spec controller.WorkflowSpec
	if err := c.ShouldBindJSON(&spec); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request", "details": err.Error()})
		return
	}

	workflow, err := h.controller.Create(c.Request.Context(), middleware.CallerID(c), spec)
	if err != nil {
		writeError(c, h.logger, err, "create workflow")
		return
	}

	c.JSON(http.StatusCreated, mapWorkflow(workflow))
}

func (h *WorkflowHandler) Get(c *gin.Context) {
	workflowID, ok := parseID(c, "id", "workflow id")
	if !ok {
		return
	}

	workflow, err := h.controller.Get(c.Request.Context(), workflowID, middleware.CallerID(c))
	if err != nil {
		writeError(c, h.logger, err, "get workflow")
		return
	}

	c.JSON(http.StatusOK, mapWorkflow(workflow))
}

func (h *WorkflowHandler) Execute(c *gin.Context) {
	h.command(c, h.controller.Execute, model.WorkflowInProgress, "execute workflow")
}

func (h *WorkflowHandler) Pause(c *gin.Context) {
	h.command(c, h.controller.Pause, model.WorkflowPaused, "pause workflow")
}

func (h *WorkflowHandler) Resume(c *gin.Context) {
	h.command(c, h.controller.Resume, model.WorkflowInProgress, "resume workflow")
}

func (h *WorkflowHandler) Cancel(c *gin.Context) {
	h.command(c, h.controller.Cancel, model.WorkflowCancelled, "cancel workflow")
}

func (h *WorkflowHandler) command(c *gin.Context, run func(context.Context, uuid.UUID, string) error, accepted model.WorkflowStatus, action string) {
	workflowID, ok := parseID(c, "id", "workflow id")
	if !ok {
		return
	}

	if err := run(c.Request.Context(), workflowID, middleware.CallerID(c)); err != nil {
		writeError(c, h.logger, err, action)
		return
	}

	c.JSON(http.StatusAccepted, commandResponse{ID: workflowID.String(), Status: string(accepted)})
}

// Stream checks access up front so unknown or foreign workflows get a plain
// status code instead of an event stream.
func (h *WorkflowHandler) Stream(c *gin.Context) {
	workflowID, ok := parseID(c, "id", "workflow id")
	if !ok {
		return
	}
	callerID := middleware.CallerID(c)

	if _, err := h.controller.Get(c.Request.Context(), workflowID, callerID); err != nil {
		writeError(c, h.logger, err, "stream workflow")
		return
	}

	err := h.gateway.Serve(c.Writer, c.Request, gateway.Request{
		Channels: []gateway.Channel{{
			ID:     workflowID.String(),
			Source: gateway.WorkflowSource(h.controller, workflowID, callerID),
		}},
	})
	if err != nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	}
}

func mapWorkflow(workflow *model.Workflow) workflowResponse {
	return workflowResponse{
		ID:           workflow.ID.String(),
		Name:         workflow.Name,
		Description:  workflow.Description,
		Status:       string(workflow.Status),
		Steps:        workflow.Steps,
		ErrorMessage: workflow.ErrorMessage,
		CreatedAt:    workflow.CreatedAt.UTC().Format(time.RFC3339Nano),
		StartedAt:    formatTime(workflow.StartedAt),
		FinishedAt:   formatTime(workflow.FinishedAt),
	}
}
