// ABOUTME: HTTP API for agents, operators and the gatekeeperctl CLI
// ABOUTME: chi routes over the handshake, gate, answers, dispatcher and escalator

package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/2389/coven-gatekeeper/internal/answers"
	"github.com/2389/coven-gatekeeper/internal/escalation"
	"github.com/2389/coven-gatekeeper/internal/handshake"
	"github.com/2389/coven-gatekeeper/internal/store"
)

// maxBodyBytes bounds request bodies.
const maxBodyBytes = 1 << 20

// RegisterAgentRequest is the JSON body for POST /api/agents.
type RegisterAgentRequest struct {
	AgentID      string   `json:"agent_id"`
	AgentType    string   `json:"agent_type"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// AckRequest is the JSON body for POST /api/agents/{id}/ack.
type AckRequest struct {
	Data map[string]any `json:"data,omitempty"`
}

// ReasonRequest carries an optional reason and actor.
type ReasonRequest struct {
	AgentType string `json:"agent_type,omitempty"`
	Reason    string `json:"reason,omitempty"`
	Detail    string `json:"detail,omitempty"`
	By        string `json:"by,omitempty"`
}

// AskQuestionRequest is the JSON body for POST /api/questions.
type AskQuestionRequest struct {
	ID            string                 `json:"id,omitempty"`
	AgentID       string                 `json:"agent_id"`
	AgentType     string                 `json:"agent_type,omitempty"`
	IssueID       string                 `json:"issue_id,omitempty"`
	Type          string                 `json:"type"`
	Content       string                 `json:"content"`
	Options       []store.QuestionOption `json:"options,omitempty"`
	Blocking      bool                   `json:"blocking"`
	Priority      string                 `json:"priority,omitempty"`
	DefaultAnswer string                 `json:"default_answer,omitempty"`
	ExpiresIn     string                 `json:"expires_in,omitempty"`
}

// AnswerRequest is the JSON body for POST /api/questions/{id}/answer.
type AnswerRequest struct {
	Action string `json:"action"`
	User   string `json:"user"`
}

// TextAnswerRequest is the JSON body for POST /api/questions/text.
type TextAnswerRequest struct {
	ChatID string `json:"chat_id"`
	Text   string `json:"text"`
	User   string `json:"user"`
}

// NotifyRequest is the JSON body for POST /api/notifications.
type NotifyRequest struct {
	AgentID   string         `json:"agent_id,omitempty"`
	AgentType string         `json:"agent_type,omitempty"`
	IssueID   string         `json:"issue_id,omitempty"`
	Category  string         `json:"category"`
	Severity  string         `json:"severity"`
	Title     string         `json:"title"`
	Message   string         `json:"message"`
	Payload   map[string]any `json:"payload,omitempty"`
	Channel   string         `json:"channel,omitempty"`
	DedupKey  string         `json:"dedup_key,omitempty"`
	ExpiresIn string         `json:"expires_in,omitempty"`
}

// SessionResponse describes an agent session.
type SessionResponse struct {
	AgentID          string     `json:"agent_id"`
	AgentType        string     `json:"agent_type"`
	State            string     `json:"state"`
	Capabilities     []string   `json:"capabilities,omitempty"`
	FailureReason    string     `json:"failure_reason,omitempty"`
	MissedHeartbeats int        `json:"missed_heartbeats"`
	RegisteredAt     time.Time  `json:"registered_at"`
	ReadyAt          *time.Time `json:"ready_at,omitempty"`
	LastHeartbeat    *time.Time `json:"last_heartbeat,omitempty"`
	Gate             string     `json:"gate"`
}

// GateStateResponse describes one agent's gate facets.
type GateStateResponse struct {
	AgentID           string     `json:"agent_id"`
	Status            string     `json:"status"`
	Halted            bool       `json:"halted"`
	HaltReason        string     `json:"halt_reason,omitempty"`
	Errored           bool       `json:"errored"`
	ErrorReason       string     `json:"error_reason,omitempty"`
	BlockReason       string     `json:"block_reason,omitempty"`
	BlockingQuestions []string   `json:"blocking_questions,omitempty"`
	BlockedSince      *time.Time `json:"blocked_since,omitempty"`
	UpdatedAt         time.Time  `json:"updated_at"`
}

// GateListResponse is the JSON response for GET /api/gate.
type GateListResponse struct {
	GlobalHalt   bool                `json:"global_halt"`
	GlobalReason string              `json:"global_reason,omitempty"`
	Agents       []GateStateResponse `json:"agents"`
}

// QuestionResponse describes a question.
type QuestionResponse struct {
	ID            string                 `json:"id"`
	AgentID       string                 `json:"agent_id"`
	IssueID       string                 `json:"issue_id,omitempty"`
	Type          string                 `json:"type"`
	Content       string                 `json:"content"`
	Options       []store.QuestionOption `json:"options,omitempty"`
	Blocking      bool                   `json:"blocking"`
	DefaultAnswer string                 `json:"default_answer,omitempty"`
	ChatID        string                 `json:"chat_id,omitempty"`
	Status        string                 `json:"status"`
	CreatedAt     time.Time              `json:"created_at"`
	ExpiresAt     time.Time              `json:"expires_at"`
}

// AnswerResponse describes one answer history row.
type AnswerResponse struct {
	ID          string    `json:"id"`
	QuestionID  string    `json:"question_id"`
	Value       string    `json:"value"`
	Kind        string    `json:"kind"`
	RespondedBy string    `json:"responded_by,omitempty"`
	WasBlocking bool      `json:"was_blocking"`
	ProcessedAt time.Time `json:"processed_at"`
}

// IssueResponse describes an issue's escalation state.
type IssueResponse struct {
	IssueID          string                 `json:"issue_id"`
	IssueType        string                 `json:"issue_type"`
	Severity         string                 `json:"severity"`
	Description      string                 `json:"description"`
	AgentID          string                 `json:"agent_id,omitempty"`
	Level            string                 `json:"level"`
	Actions          []store.ResponseAction `json:"actions"`
	Resolved         bool                   `json:"resolved"`
	ResolvedBy       string                 `json:"resolved_by,omitempty"`
	NextEvaluationAt *time.Time             `json:"next_evaluation_at,omitempty"`
	CreatedAt        time.Time              `json:"created_at"`
}

func (s *Server) routes() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Get("/health", s.handleHealth)
	r.Get("/health/ready", s.handleReady)
	if s.config.Metrics.Enabled {
		r.Handle(s.config.Metrics.Path, s.recorder.Handler())
	}

	r.Route("/api", func(r chi.Router) {
		r.Get("/events", s.handleEvents)

		r.Route("/agents", func(r chi.Router) {
			r.Get("/", s.handleListAgents)
			r.Post("/", s.handleRegisterAgent)
			r.Post("/{agentID}/ack", s.handleAck)
			r.Post("/{agentID}/heartbeat", s.handleHeartbeat)
			r.Post("/{agentID}/disconnect", s.handleDisconnect)
		})

		r.Route("/gate", func(r chi.Router) {
			r.Get("/", s.handleListGates)
			r.Post("/halt", s.handleGlobalHalt)
			r.Post("/resume", s.handleGlobalResume)
			r.Get("/{agentID}", s.handleCheckGate)
			r.Post("/{agentID}/halt", s.handleHaltAgent)
			r.Post("/{agentID}/resume", s.handleResumeAgent)
			r.Post("/{agentID}/clear-error", s.handleClearError)
		})

		r.Route("/issues", func(r chi.Router) {
			r.Get("/", s.handleListIssues)
			r.Post("/", s.handleSubmitIssue)
			r.Get("/{issueID}", s.handleGetIssue)
			r.Post("/{issueID}/resolve", s.handleResolveIssue)
		})

		r.Route("/questions", func(r chi.Router) {
			r.Get("/", s.handleListQuestions)
			r.Post("/", s.handleAskQuestion)
			r.Post("/text", s.handleTextAnswer)
			r.Get("/{questionID}/answers", s.handleQuestionHistory)
			r.Post("/{questionID}/answer", s.handleAnswer)
			r.Post("/{questionID}/cancel", s.handleCancelQuestion)
		})

		r.Post("/notifications", s.handleNotify)
		r.Post("/notifications/flush", s.handleFlush)
	})
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("OK"))
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	if !s.Ready() {
		w.WriteHeader(http.StatusServiceUnavailable)
		_, _ = w.Write([]byte("restoring state"))
		return
	}
	w.WriteHeader(http.StatusOK)
	_, _ = fmt.Fprintf(w, "ready (%d agents)", len(s.handshake.Sessions()))
}

// Agents

func (s *Server) handleListAgents(w http.ResponseWriter, r *http.Request) {
	sessions := s.handshake.Sessions()
	out := make([]SessionResponse, 0, len(sessions))
	for _, sess := range sessions {
		out = append(out, s.sessionResponse(sess))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleRegisterAgent(w http.ResponseWriter, r *http.Request) {
	var req RegisterAgentRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.AgentID == "" {
		writeError(w, http.StatusBadRequest, "agent_id is required")
		return
	}
	sess, err := s.handshake.Register(r.Context(), req.AgentID, req.AgentType, req.Capabilities)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusCreated, s.sessionResponse(sess))
}

func (s *Server) handleAck(w http.ResponseWriter, r *http.Request) {
	var req AckRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	s.sessionAction(w, agentID, s.handshake.ReceiveAck(r.Context(), agentID, req.Data))
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	s.sessionAction(w, agentID, s.handshake.Heartbeat(r.Context(), agentID))
}

func (s *Server) handleDisconnect(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "agent disconnected"
	}
	agentID := chi.URLParam(r, "agentID")
	s.sessionAction(w, agentID, s.handshake.Disconnect(r.Context(), agentID, req.Reason))
}

func (s *Server) sessionAction(w http.ResponseWriter, agentID string, err error) {
	if errors.Is(err, handshake.ErrSessionNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	sess, _ := s.handshake.Session(agentID)
	writeJSON(w, http.StatusOK, s.sessionResponse(sess))
}

func (s *Server) sessionResponse(sess *store.AgentSession) SessionResponse {
	return SessionResponse{
		AgentID:          sess.AgentID,
		AgentType:        sess.AgentType,
		State:            string(sess.State),
		Capabilities:     sess.Capabilities,
		FailureReason:    sess.FailureReason,
		MissedHeartbeats: sess.MissedHeartbeats,
		RegisteredAt:     sess.RegisteredAt,
		ReadyAt:          sess.ReadyAt,
		LastHeartbeat:    sess.LastHeartbeat,
		Gate:             string(s.gate.CheckGate(sess.AgentID).Status),
	}
}

// Gate

func (s *Server) handleListGates(w http.ResponseWriter, r *http.Request) {
	halted, reason := s.gate.GlobalHalt()
	states := s.gate.States()
	resp := GateListResponse{GlobalHalt: halted, GlobalReason: reason, Agents: make([]GateStateResponse, 0, len(states))}
	for _, st := range states {
		resp.Agents = append(resp.Agents, GateStateResponse{
			AgentID:           st.AgentID,
			Status:            string(st.Status()),
			Halted:            st.Halted,
			HaltReason:        st.HaltReason,
			Errored:           st.Errored,
			ErrorReason:       st.ErrorReason,
			BlockReason:       st.BlockReason,
			BlockingQuestions: st.BlockingQuestions,
			BlockedSince:      st.BlockedSince,
			UpdatedAt:         st.UpdatedAt,
		})
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleCheckGate(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.gate.CheckGate(chi.URLParam(r, "agentID")))
}

func (s *Server) handleHaltAgent(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator requested halt"
	}
	agentID := chi.URLParam(r, "agentID")
	s.coord.HaltAgent(r.Context(), agentID, req.AgentType, req.Reason, req.Detail)
	writeJSON(w, http.StatusOK, s.gate.CheckGate(agentID))
}

func (s *Server) handleResumeAgent(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	agentID := chi.URLParam(r, "agentID")
	if !s.coord.ResumeAgent(r.Context(), agentID, req.By) {
		writeError(w, http.StatusConflict, "agent is not halted")
		return
	}
	writeJSON(w, http.StatusOK, s.gate.CheckGate(agentID))
}

func (s *Server) handleClearError(w http.ResponseWriter, r *http.Request) {
	agentID := chi.URLParam(r, "agentID")
	if !s.gate.ClearAgentError(r.Context(), agentID) {
		writeError(w, http.StatusConflict, "agent is not in error")
		return
	}
	writeJSON(w, http.StatusOK, s.gate.CheckGate(agentID))
}

func (s *Server) handleGlobalHalt(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "operator requested global halt"
	}
	if err := s.gate.GlobalHaltAll(r.Context(), req.Reason); err != nil {
		s.logger.Error("global halt not persisted", "error", err)
	}
	s.handleListGates(w, r)
}

func (s *Server) handleGlobalResume(w http.ResponseWriter, r *http.Request) {
	if err := s.gate.GlobalResume(r.Context()); err != nil {
		s.logger.Error("global resume not persisted", "error", err)
	}
	s.handleListGates(w, r)
}

// Issues

func (s *Server) handleListIssues(w http.ResponseWriter, r *http.Request) {
	states := s.escalator.Unresolved()
	out := make([]IssueResponse, 0, len(states))
	for _, st := range states {
		out = append(out, issueResponse(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleSubmitIssue(w http.ResponseWriter, r *http.Request) {
	var issue escalation.DetectedIssue
	if !decodeJSON(w, r, &issue) {
		return
	}
	if issue.ID == "" {
		issue.ID = uuid.New().String()
	}
	st, err := s.escalator.HandleIssue(r.Context(), issue)
	if errors.Is(err, escalation.ErrInvalidIssue) {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if st == nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("issue handled but not persisted", "issue_id", issue.ID, "error", err)
	}
	writeJSON(w, http.StatusAccepted, issueResponse(st))
}

func (s *Server) handleGetIssue(w http.ResponseWriter, r *http.Request) {
	st, ok := s.escalator.State(chi.URLParam(r, "issueID"))
	if !ok {
		writeError(w, http.StatusNotFound, escalation.ErrIssueNotFound.Error())
		return
	}
	writeJSON(w, http.StatusOK, issueResponse(st))
}

func (s *Server) handleResolveIssue(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.By == "" {
		req.By = "api"
	}
	issueID := chi.URLParam(r, "issueID")
	resolved, err := s.escalator.ResolveIssue(r.Context(), issueID, req.By)
	if errors.Is(err, escalation.ErrIssueNotFound) {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if err != nil {
		s.logger.Error("issue resolved but not persisted", "issue_id", issueID, "error", err)
	}
	if !resolved {
		writeError(w, http.StatusConflict, "issue already resolved")
		return
	}
	st, _ := s.escalator.State(issueID)
	writeJSON(w, http.StatusOK, issueResponse(st))
}

func issueResponse(st *store.EscalationState) IssueResponse {
	return IssueResponse{
		IssueID:          st.IssueID,
		IssueType:        st.IssueType,
		Severity:         st.Severity,
		Description:      st.Description,
		AgentID:          st.AgentID,
		Level:            escalation.Level(st.Level).String(),
		Actions:          st.Actions,
		Resolved:         st.Resolved,
		ResolvedBy:       st.ResolvedBy,
		NextEvaluationAt: st.NextEvaluationAt,
		CreatedAt:        st.CreatedAt,
	}
}

// Questions

func (s *Server) handleListQuestions(w http.ResponseWriter, r *http.Request) {
	var qs []*store.Question
	if agentID := r.URL.Query().Get("agent_id"); agentID != "" {
		qs = s.answers.PendingForAgent(agentID)
	} else {
		qs = s.answers.All()
	}
	out := make([]QuestionResponse, 0, len(qs))
	for _, q := range qs {
		out = append(out, questionResponse(q))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleAskQuestion(w http.ResponseWriter, r *http.Request) {
	var req AskQuestionRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	q := &store.Question{
		ID:            req.ID,
		AgentID:       req.AgentID,
		AgentType:     req.AgentType,
		IssueID:       req.IssueID,
		Type:          store.QuestionType(req.Type),
		Content:       req.Content,
		Options:       req.Options,
		Blocking:      req.Blocking,
		Priority:      req.Priority,
		DefaultAnswer: req.DefaultAnswer,
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires_in: "+err.Error())
			return
		}
		q.ExpiresAt = time.Now().Add(d)
	}
	res := s.coord.AskQuestion(r.Context(), q)
	status := http.StatusCreated
	if !res.Success {
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, res)
}

func (s *Server) handleAnswer(w http.ResponseWriter, r *http.Request) {
	var req AnswerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	questionID := chi.URLParam(r, "questionID")
	ans, err := s.answers.ProcessButtonAnswer(r.Context(), questionID, req.Action, req.User)
	s.answerResult(w, ans, err)
}

func (s *Server) handleTextAnswer(w http.ResponseWriter, r *http.Request) {
	var req TextAnswerRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	ans, err := s.answers.ProcessTextAnswer(r.Context(), req.ChatID, req.Text, req.User)
	s.answerResult(w, ans, err)
}

func (s *Server) answerResult(w http.ResponseWriter, ans *store.Answer, err error) {
	switch {
	case errors.Is(err, answers.ErrQuestionNotFound), errors.Is(err, answers.ErrUnsolicited):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, answers.ErrNoChat):
		writeError(w, http.StatusBadRequest, err.Error())
	case ans == nil && err == nil:
		writeJSON(w, http.StatusAccepted, map[string]string{"status": "awaiting_text"})
	case ans == nil:
		writeError(w, http.StatusInternalServerError, err.Error())
	default:
		if err != nil {
			s.logger.Error("answer recorded but not persisted", "question_id", ans.QuestionID, "error", err)
		}
		writeJSON(w, http.StatusOK, answerResponse(ans))
	}
}

func (s *Server) handleCancelQuestion(w http.ResponseWriter, r *http.Request) {
	var req ReasonRequest
	if !decodeOptionalJSON(w, r, &req) {
		return
	}
	if req.Reason == "" {
		req.Reason = "cancelled by operator"
	}
	if !s.answers.CancelQuestion(r.Context(), chi.URLParam(r, "questionID"), req.Reason) {
		writeError(w, http.StatusNotFound, answers.ErrQuestionNotFound.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleQuestionHistory(w http.ResponseWriter, r *http.Request) {
	history, err := s.answers.History(r.Context(), chi.URLParam(r, "questionID"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	out := make([]AnswerResponse, 0, len(history))
	for _, a := range history {
		out = append(out, answerResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func questionResponse(q *store.Question) QuestionResponse {
	return QuestionResponse{
		ID:            q.ID,
		AgentID:       q.AgentID,
		IssueID:       q.IssueID,
		Type:          string(q.Type),
		Content:       q.Content,
		Options:       q.Options,
		Blocking:      q.Blocking,
		DefaultAnswer: q.DefaultAnswer,
		ChatID:        q.ChatID,
		Status:        string(q.Status),
		CreatedAt:     q.CreatedAt,
		ExpiresAt:     q.ExpiresAt,
	}
}

func answerResponse(a *store.Answer) AnswerResponse {
	return AnswerResponse{
		ID:          a.ID,
		QuestionID:  a.QuestionID,
		Value:       a.Value,
		Kind:        string(a.Kind),
		RespondedBy: a.RespondedBy,
		WasBlocking: a.WasBlocking,
		ProcessedAt: a.ProcessedAt,
	}
}

// Notifications

func (s *Server) handleNotify(w http.ResponseWriter, r *http.Request) {
	var req NotifyRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	n := &store.Notification{
		AgentID:   req.AgentID,
		AgentType: req.AgentType,
		IssueID:   req.IssueID,
		Category:  req.Category,
		Severity:  store.Severity(req.Severity),
		Title:     req.Title,
		Message:   req.Message,
		Payload:   req.Payload,
		Channel:   req.Channel,
		DedupKey:  req.DedupKey,
	}
	if n.Severity == "" {
		n.Severity = store.SeverityInfo
	}
	if req.ExpiresIn != "" {
		d, err := time.ParseDuration(req.ExpiresIn)
		if err != nil {
			writeError(w, http.StatusBadRequest, "invalid expires_in: "+err.Error())
			return
		}
		exp := time.Now().Add(d)
		n.ExpiresAt = &exp
	}
	writeJSON(w, http.StatusOK, s.coord.Notify(r.Context(), n))
}

func (s *Server) handleFlush(w http.ResponseWriter, r *http.Request) {
	sent, err := s.notifier.ProcessQueuedNotifications(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"delivered": sent})
}

// JSON helpers

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body: "+err.Error())
		return false
	}
	return true
}

// decodeOptionalJSON accepts an empty body.
func decodeOptionalJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.ContentLength == 0 {
		return true
	}
	return decodeJSON(w, r, dst)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
