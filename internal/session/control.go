package session

import (
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/troupe-dev/troupe/internal/askuser"
	"github.com/troupe-dev/troupe/internal/permission"
	"github.com/troupe-dev/troupe/internal/toolserver"
	"github.com/troupe-dev/troupe/pkg/assistant"
)

// Escalation option ids offered on an Ask decision.
const (
	optionAllow       = "allow"
	optionAllowAlways = "allow_always"
	optionDeny        = "deny"
)

// handleControl runs on the client's read goroutine; the work moves
// off it so a blocked permission prompt cannot stall event decoding.
func (s *Session) handleControl(requestID string, req *assistant.ControlRequest) {
	go s.dispatchControl(requestID, req)
}

func (s *Session) dispatchControl(requestID string, req *assistant.ControlRequest) {
	switch req.Subtype {
	case assistant.SubtypeCanUseTool:
		s.handlePermission(requestID, req)

	case assistant.SubtypeHookCallback:
		// Hooks are not intercepted; the CLI proceeds.
		if err := s.client.RespondSuccess(requestID, &assistant.HookResult{Continue: true}); err != nil {
			s.log.Warn("hook response failed", zap.Error(err))
		}

	case assistant.SubtypeMCPMessage:
		s.handleMCP(requestID, req)

	default:
		s.log.Warn("unsupported control request",
			zap.String("agent_id", s.cfg.AgentID),
			zap.String("subtype", req.Subtype),
			zap.String("request_id", requestID))
		_ = s.client.RespondError(requestID, "unsupported control subtype: "+req.Subtype)
	}
}

// handlePermission runs a can_use_tool request through the permission
// engine and escalates Ask decisions to the user.
func (s *Session) handlePermission(requestID string, req *assistant.ControlRequest) {
	if s.engine == nil {
		_ = s.client.DenyTool(requestID, "permission engine unavailable", false)
		return
	}

	dec := s.engine.Evaluate(s.runCtx, permission.Request{
		SessionID: s.cfg.AgentID,
		ToolName:  req.ToolName,
		Input:     req.Input,
		WorkDir:   s.cfg.WorkDir,
	})

	switch dec.Behavior {
	case permission.Allow:
		_ = s.client.AllowTool(requestID, req.Input)
	case permission.Deny:
		s.log.Info("tool call denied",
			zap.String("agent_id", s.cfg.AgentID),
			zap.String("tool", req.ToolName),
			zap.String("reason", dec.Reason))
		_ = s.client.DenyTool(requestID, dec.Reason, false)
	default:
		s.escalatePermission(requestID, req, dec)
	}
}

// escalatePermission blocks on the ask-user coordinator until the
// user decides. There is no timeout here: a permission prompt waits as
// long as the user does.
func (s *Session) escalatePermission(requestID string, req *assistant.ControlRequest, dec permission.Decision) {
	if s.askers == nil {
		_ = s.client.DenyTool(requestID, "no way to ask the user", false)
		return
	}

	s.addWaiting(1)
	defer s.addWaiting(-1)

	question := askuser.Question{
		ID:     uuid.New().String(),
		Kind:   askuser.KindPermission,
		Prompt: permissionPrompt(req),
		Options: []askuser.Option{
			{ID: optionAllow, Label: "Allow once"},
			{ID: optionAllowAlways, Label: "Always allow", Description: dec.Pattern},
			{ID: optionDeny, Label: "Deny"},
		},
	}

	answers, err := s.askers.Ask(s.runCtx, s.cfg.AgentID, []askuser.Question{question})
	if err != nil {
		_ = s.client.DenyTool(requestID, "permission prompt cancelled", false)
		return
	}

	choice := optionDeny
	if len(answers) > 0 {
		switch {
		case len(answers[0].OptionIDs) > 0:
			choice = answers[0].OptionIDs[0]
		case answers[0].Confirmed:
			choice = optionAllow
		}
	}

	switch choice {
	case optionAllow, optionAllowAlways:
		if err := s.engine.Approve(s.cfg.AgentID, s.cfg.WorkDir, dec.Pattern, choice == optionAllowAlways); err != nil {
			s.log.Warn("approval store failed",
				zap.String("pattern", dec.Pattern), zap.Error(err))
		}
		s.log.Info("tool call approved by user",
			zap.String("agent_id", s.cfg.AgentID),
			zap.String("tool", req.ToolName),
			zap.String("pattern", dec.Pattern),
			zap.Bool("persisted", choice == optionAllowAlways))
		_ = s.client.AllowTool(requestID, req.Input)
	default:
		s.log.Info("tool call denied by user",
			zap.String("agent_id", s.cfg.AgentID),
			zap.String("tool", req.ToolName))
		_ = s.client.DenyTool(requestID, "denied by user", false)
	}
}

func permissionPrompt(req *assistant.ControlRequest) string {
	if cmd, ok := req.Input["command"].(string); ok && cmd != "" {
		if len(cmd) > 200 {
			cmd = cmd[:200] + "..."
		}
		return fmt.Sprintf("Allow %s: %s?", req.ToolName, cmd)
	}
	if path, ok := req.Input["file_path"].(string); ok && path != "" {
		return fmt.Sprintf("Allow %s on %s?", req.ToolName, path)
	}
	return fmt.Sprintf("Allow %s?", req.ToolName)
}

// handleMCP routes a JSON-RPC payload to the named in-process tool
// server. Notifications produce no JSON-RPC reply but the control
// request still gets acknowledged.
func (s *Session) handleMCP(requestID string, req *assistant.ControlRequest) {
	if s.tools == nil {
		_ = s.client.RespondError(requestID, "no tool servers registered")
		return
	}

	ctx := toolserver.WithCaller(s.runCtx, toolserver.Caller{
		NetworkID:   s.cfg.NetworkID,
		AgentID:     s.cfg.AgentID,
		ProjectPath: s.cfg.ProjectPath,
		WorkDir:     s.cfg.WorkDir,
	})

	reply := s.tools.Dispatch(ctx, req.ServerName, req.Message)
	if reply == nil {
		_ = s.client.RespondSuccess(requestID, struct{}{})
		return
	}
	_ = s.client.RespondSuccess(requestID, &assistant.MCPResult{MCPResponse: reply})
}
