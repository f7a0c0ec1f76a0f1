package gateway

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/askuser"
	apperrors "github.com/troupe-dev/troupe/internal/common/errors"
	"github.com/troupe-dev/troupe/internal/conversation"
	"github.com/troupe-dev/troupe/internal/events"
	"github.com/troupe-dev/troupe/internal/events/bus"
	"github.com/troupe-dev/troupe/internal/history"
	"github.com/troupe-dev/troupe/internal/network"
	"github.com/troupe-dev/troupe/internal/session"
)

// appError maps domain errors onto the wire envelope.
func appError(err error) *apperrors.AppError {
	var appErr *apperrors.AppError
	switch {
	case errors.As(err, &appErr):
		return appErr
	case errors.Is(err, network.ErrNetworkNotFound),
		errors.Is(err, network.ErrAgentNotFound),
		errors.Is(err, session.ErrNotQueued),
		errors.Is(err, askuser.ErrRequestNotFound):
		return apperrors.NotFound(err.Error())
	case errors.Is(err, network.ErrAgentTerminated),
		errors.Is(err, network.ErrShuttingDown),
		errors.Is(err, session.ErrTerminated),
		errors.Is(err, session.ErrProcessExited),
		errors.Is(err, session.ErrInboxFull),
		errors.Is(err, askuser.ErrRequestCompleted):
		return apperrors.Conflict(err.Error())
	case errors.Is(err, network.ErrUnknownAgentType),
		errors.Is(err, network.ErrInvalidWorkDir),
		errors.Is(err, network.ErrSpawnDepthExceeded),
		errors.Is(err, session.ErrEmptyMessage):
		return apperrors.BadRequest(err.Error())
	default:
		return apperrors.InternalError("internal error", err)
	}
}

func (s *Server) respondError(c *gin.Context, err error) {
	appErr := appError(err)
	if appErr.HTTPStatus >= http.StatusInternalServerError {
		s.log.Error("request failed",
			zap.String("method", c.Request.Method),
			zap.String("path", c.FullPath()),
			zap.Error(err))
	}
	c.JSON(appErr.HTTPStatus, apperrors.Envelope{Error: appErr})
}

// findAgent resolves an agent within a network, in any state.
func (s *Server) findAgent(networkID, agentID string) (*network.Agent, error) {
	agents, err := s.networks.Agents(networkID)
	if err != nil {
		return nil, err
	}
	for _, ag := range agents {
		if ag.ID == agentID {
			return ag, nil
		}
	}
	return nil, network.ErrAgentNotFound
}

// GET /health
func (s *Server) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{
		"status":  "ok",
		"version": s.version,
	})
}

// POST /api/v1/networks
func (s *Server) createNetwork(c *gin.Context) {
	var req CreateNetworkRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	net, err := s.networks.CreateNetwork(c.Request.Context(), network.CreateParams{
		InitialMessage: req.InitialMessage,
		WorkingDir:     req.WorkingDir,
		AgentType:      req.AgentType,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusCreated, CreateNetworkResponse{
		NetworkID:   net.ID,
		MainAgentID: net.MainAgentID,
	})
}

// GET /api/v1/networks
func (s *Server) listNetworks(c *gin.Context) {
	nets := s.networks.Networks()
	c.JSON(http.StatusOK, NetworksResponse{Networks: nets, Total: len(nets)})
}

// GET /api/v1/networks/:id
func (s *Server) getNetwork(c *gin.Context) {
	net, err := s.networks.Get(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, net)
}

// DELETE /api/v1/networks/:id
func (s *Server) deleteNetwork(c *gin.Context) {
	if err := s.networks.DeleteNetwork(c.Request.Context(), c.Param("id")); err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// POST /api/v1/networks/:id/messages
func (s *Server) postMessage(c *gin.Context) {
	networkID := c.Param("id")

	var req PostMessageRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	agentID := req.AgentID
	if agentID == "" {
		net, err := s.networks.Get(networkID)
		if err != nil {
			s.respondError(c, err)
			return
		}
		agentID = net.MainAgentID
	}

	queued, err := s.networks.PostMessage(c.Request.Context(), networkID, agentID, network.Message{
		Text:   req.Text,
		Images: req.Images,
	})
	if err != nil {
		s.respondError(c, err)
		return
	}

	c.JSON(http.StatusAccepted, PostMessageResponse{
		MessageID: queued.ID,
		AgentID:   agentID,
		QueuedAt:  queued.QueuedAt,
	})
}

// GET /api/v1/networks/:id/agents
func (s *Server) listAgents(c *gin.Context) {
	agents, err := s.networks.Agents(c.Param("id"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, AgentsResponse{Agents: agents, Total: len(agents)})
}

// POST /api/v1/networks/:id/agents/:agentId/abort
func (s *Server) abortAgent(c *gin.Context) {
	networkID := c.Param("id")
	agentID := c.Param("agentId")
	if err := s.networks.AbortAgent(c.Request.Context(), networkID, agentID); err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{
		"message":  "abort requested",
		"agent_id": agentID,
	})
}

// GET /api/v1/networks/:id/agents/:agentId/queue
func (s *Server) listQueue(c *gin.Context) {
	msgs, err := s.networks.QueuedMessages(c.Param("id"), c.Param("agentId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, QueueResponse{Messages: msgs, Total: len(msgs)})
}

// DELETE /api/v1/networks/:id/agents/:agentId/queue/:messageId
func (s *Server) cancelQueued(c *gin.Context) {
	err := s.networks.CancelQueued(c.Param("id"), c.Param("agentId"), c.Param("messageId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

// GET /api/v1/networks/:id/agents/:agentId/conversation
func (s *Server) getConversation(c *gin.Context) {
	snap, err := s.networks.Conversation(c.Param("id"), c.Param("agentId"))
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, conversationView(snap))
}

// GET /api/v1/networks/:id/agents/:agentId/history
func (s *Server) agentHistory(c *gin.Context) {
	if s.archive == nil {
		s.respondError(c, apperrors.NotFound("transcript history is not enabled"))
		return
	}

	networkID := c.Param("id")
	agentID := c.Param("agentId")
	if _, err := s.findAgent(networkID, agentID); err != nil {
		s.respondError(c, err)
		return
	}

	limit, err := listLimit(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	items, err := s.archive.ListByAgent(c.Request.Context(), agentID, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Events: items, Total: len(items)})
}

// GET /api/v1/networks/:id/agents/:agentId/history/search
func (s *Server) searchHistory(c *gin.Context) {
	if s.archive == nil {
		s.respondError(c, apperrors.NotFound("transcript history is not enabled"))
		return
	}

	networkID := c.Param("id")
	agentID := c.Param("agentId")
	if _, err := s.findAgent(networkID, agentID); err != nil {
		s.respondError(c, err)
		return
	}

	query := strings.TrimSpace(c.Query("q"))
	if query == "" {
		s.respondError(c, apperrors.ValidationError("q", "search query is required"))
		return
	}

	limit, err := listLimit(c)
	if err != nil {
		s.respondError(c, err)
		return
	}

	items, err := s.archive.Search(c.Request.Context(), agentID, query, limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, HistoryResponse{Events: items, Total: len(items)})
}

// listLimit reads the optional limit query parameter.
func listLimit(c *gin.Context) (int, error) {
	raw := c.Query("limit")
	if raw == "" {
		return history.DefaultListLimit, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return 0, apperrors.ValidationError("limit", "must be a positive integer")
	}
	return n, nil
}

// GET /api/v1/ask
func (s *Server) pendingAsks(c *gin.Context) {
	reqs := s.askers.Pending()
	c.JSON(http.StatusOK, PendingAsksResponse{Requests: reqs, Total: len(reqs)})
}

// POST /api/v1/ask/:requestId/respond
func (s *Server) respondAsk(c *gin.Context) {
	requestID := c.Param("requestId")

	var req RespondAskRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		s.respondError(c, apperrors.ValidationError("request", err.Error()))
		return
	}

	// Resolve the asking agent before Respond retires the request.
	agentID := ""
	for _, pending := range s.askers.Pending() {
		if pending.ID == requestID {
			agentID = pending.AgentID
			break
		}
	}

	if err := s.askers.Respond(requestID, req.Answers); err != nil {
		s.respondError(c, err)
		return
	}
	s.publishAnswered(c, requestID, agentID)

	c.JSON(http.StatusOK, gin.H{
		"message":    "request answered",
		"request_id": requestID,
	})
}

func (s *Server) publishAnswered(c *gin.Context, requestID, agentID string) {
	if s.bus == nil || agentID == "" {
		return
	}
	networkID, ok := s.networks.AgentNetwork(agentID)
	if !ok {
		return
	}
	ev := bus.NewEvent(events.AskUserAnswered, "gateway", events.LifecycleData{
		NetworkID: networkID,
		AgentID:   agentID,
		RequestID: requestID,
	}.Map())
	if err := s.bus.Publish(c.Request.Context(), events.BuildNetworkSubject(networkID), ev); err != nil {
		s.log.Warn("failed to publish answered event",
			zap.String("request_id", requestID),
			zap.Error(err))
	}
}

// conversationView converts a transcript snapshot to its wire shape.
func conversationView(snap conversation.Snapshot) ConversationResponse {
	messages := make([]MessageView, 0, len(snap.Messages))
	for _, msg := range snap.Messages {
		view := MessageView{
			ID:             msg.ID,
			Role:           string(msg.Role),
			Text:           msg.Text,
			Thinking:       msg.Thinking,
			Images:         msg.Images,
			Errored:        msg.Errored,
			ErrorMessage:   msg.ErrorMessage,
			StopReason:     msg.StopReason,
			CompactMarker:  msg.CompactMarker,
			CompactTrigger: msg.CompactTrigger,
			TranscriptOnly: msg.TranscriptOnly,
			CreatedAt:      msg.CreatedAt,
		}
		if !msg.CompletedAt.IsZero() {
			completed := msg.CompletedAt
			view.CompletedAt = &completed
		}
		for _, call := range msg.ToolCalls {
			view.ToolCalls = append(view.ToolCalls, ToolCallView{
				ID:      call.ID,
				Name:    call.Name,
				Input:   call.Input,
				Result:  call.Result,
				IsError: call.IsError,
				Done:    call.Done,
			})
		}
		for _, orphan := range msg.Orphans {
			view.OrphanResults = append(view.OrphanResults, ToolResultView{
				ToolUseID: orphan.ToolUseID,
				Content:   orphan.Content,
				IsError:   orphan.IsError,
			})
		}
		messages = append(messages, view)
	}

	return ConversationResponse{
		Messages:     messages,
		State:        string(snap.State),
		StopReason:   snap.StopReason,
		LastStatus:   snap.LastStatus,
		CLISessionID: snap.CLISessionID,
		Model:        snap.Model,
		Tokens: TokenView{
			Input:         snap.Totals.Input,
			Output:        snap.Totals.Output,
			CacheCreation: snap.Totals.CacheCreation,
			CacheRead:     snap.Totals.CacheRead,
		},
		CurrentContext: snap.CurrentContext,
	}
}
