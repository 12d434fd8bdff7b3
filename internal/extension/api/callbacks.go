package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	apperrors "github.com/dbgbridge/dbgbridge/internal/common/errors"
	"github.com/dbgbridge/dbgbridge/internal/session"
)

// ExecuteRequest asks the bridge to run a further debugger command on the
// extension's session and wait for its result.
type ExecuteRequest struct {
	Command        string `json:"command"`
	TimeoutSeconds int    `json:"timeoutSeconds,omitempty"`
}

// ExecuteResponse carries the command outcome. Status is "Success" or "Failed".
type ExecuteResponse struct {
	CommandID string `json:"commandId"`
	Status    string `json:"status"`
	Output    string `json:"output,omitempty"`
	Error     string `json:"error,omitempty"`
}

func (s *Server) handleExecute(c *gin.Context) {
	var req ExecuteRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.Command == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "command is required"})
		return
	}

	inst, ok := s.boundSession(c)
	if !ok {
		return
	}

	commandID, err := inst.Commands().Enqueue(req.Command)
	if err != nil {
		s.respondError(c, err)
		return
	}

	deadline := s.requestDeadline
	if req.TimeoutSeconds > 0 {
		deadline = time.Duration(req.TimeoutSeconds) * time.Second
	}

	s.logger.Info("extension command queued",
		zap.String("session_id", inst.ID),
		zap.String("command_id", commandID),
		zap.String("spawned_by", c.GetString(ctxCommandID)))

	output, err := s.awaitResult(c.Request.Context(), inst, commandID, deadline)
	switch {
	case err == nil:
		c.JSON(http.StatusOK, ExecuteResponse{
			CommandID: commandID,
			Status:    "Success",
			Output:    output,
		})
	case apperrors.IsTimeout(err):
		c.JSON(http.StatusGatewayTimeout, ExecuteResponse{
			CommandID: commandID,
			Status:    "Failed",
			Error:     err.Error(),
		})
	default:
		c.JSON(http.StatusOK, ExecuteResponse{
			CommandID: commandID,
			Status:    "Failed",
			Error:     err.Error(),
		})
	}
}

// awaitResult polls command status every resultPollInterval until the command
// completes or the deadline passes, then fetches the authoritative result.
func (s *Server) awaitResult(ctx context.Context, inst *session.Instance, commandID string, deadline time.Duration) (string, error) {
	waitCtx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	ticker := time.NewTicker(resultPollInterval)
	defer ticker.Stop()

	for {
		info, err := inst.Commands().GetCommandInfo(commandID)
		if err != nil {
			return "", err
		}
		if info.IsCompleted {
			return inst.Commands().GetCommandResult(waitCtx, commandID)
		}

		select {
		case <-ticker.C:
		case <-waitCtx.Done():
			return "", apperrors.Timeout("extension request deadline exceeded while awaiting command result")
		}
	}
}

// ReadRequest asks for a command's current status and result if available.
type ReadRequest struct {
	CommandID string `json:"commandId"`
}

// ReadResponse reports status and, for completed commands, the outcome.
type ReadResponse struct {
	CommandID   string `json:"commandId"`
	Status      string `json:"status"`
	IsCompleted bool   `json:"isCompleted"`
	Output      string `json:"output,omitempty"`
	Error       string `json:"error,omitempty"`
}

func (s *Server) handleRead(c *gin.Context) {
	var req ReadRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}
	if req.CommandID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "commandId is required"})
		return
	}

	inst, ok := s.boundSession(c)
	if !ok {
		return
	}

	info, err := inst.Commands().GetCommandInfo(req.CommandID)
	if err != nil {
		s.respondError(c, err)
		return
	}

	resp := ReadResponse{
		CommandID:   req.CommandID,
		Status:      string(info.State),
		IsCompleted: info.IsCompleted,
	}
	if info.IsCompleted {
		readCtx, cancel := context.WithTimeout(c.Request.Context(), time.Second)
		defer cancel()
		output, resErr := inst.Commands().GetCommandResult(readCtx, req.CommandID)
		if resErr != nil {
			resp.Error = resErr.Error()
		} else {
			resp.Output = output
		}
	}
	c.JSON(http.StatusOK, resp)
}

// LogRequest carries a log record emitted by the extension.
type LogRequest struct {
	Message string `json:"message"`
	Level   string `json:"level,omitempty"`
}

func (s *Server) handleLog(c *gin.Context) {
	var req LogRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request: " + err.Error()})
		return
	}

	log := s.logger.WithFields(
		zap.String("session_id", c.GetString(ctxSessionID)),
		zap.String("command_id", c.GetString(ctxCommandID)),
		zap.String("source", "extension"))

	switch req.Level {
	case "debug":
		log.Debug(req.Message)
	case "warn", "warning":
		log.Warn(req.Message)
	case "error":
		log.Error(req.Message)
	default:
		log.Info(req.Message)
	}
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

// boundSession resolves the token's session, responding 404 if it is gone.
func (s *Server) boundSession(c *gin.Context) (*session.Instance, bool) {
	inst, err := s.sessions.Get(c.GetString(ctxSessionID))
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "session no longer exists"})
		return nil, false
	}
	return inst, true
}

// respondError maps pipeline errors to HTTP statuses.
func (s *Server) respondError(c *gin.Context, err error) {
	status := apperrors.GetHTTPStatus(err)
	c.JSON(status, gin.H{"error": err.Error()})
}
