package httpapi

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/coursedesk/triage/db"
	"github.com/coursedesk/triage/helpers"
	"github.com/coursedesk/triage/logger"
	"github.com/coursedesk/triage/triage"
)

// maxInboundSize caps raw inbound email bodies at 25 MiB.
const maxInboundSize = 25 << 20

// Request/Response types

type InboundRequest struct {
	SenderAddress    string     `json:"sender_address"`
	SenderName       string     `json:"sender_name,omitempty"`
	RecipientAddress string     `json:"recipient_address,omitempty"`
	Subject          string     `json:"subject"`
	BodyText         string     `json:"body_text,omitempty"`
	BodyHTML         string     `json:"body_html,omitempty"`
	ReceivedAt       *time.Time `json:"received_at,omitempty"`
}

type ReplyRequest struct {
	OperatorID string `json:"operator_id"`
	BodyText   string `json:"body_text"`
	BodyHTML   string `json:"body_html,omitempty"`
}

type SetStatusRequest struct {
	Status string `json:"status"`
}

type SetMutedRequest struct {
	Muted bool `json:"muted"`
}

type LinkCourseRequest struct {
	CourseID *int64 `json:"course_id"`
}

type AssignRequest struct {
	CourseID   int64  `json:"course_id"`
	OperatorID string `json:"operator_id"`
}

type SettingsRequest struct {
	Enabled         bool    `json:"enabled"`
	ThresholdHours  int     `json:"threshold_hours"`
	OverrideAddress *string `json:"override_address"`
	AccountAddress  string  `json:"account_address"`
}

type ThreadResponse struct {
	ID                 int64      `json:"id"`
	CounterpartAddress string     `json:"counterpart_address"`
	Subject            string     `json:"subject"`
	CourseID           *int64     `json:"course_id,omitempty"`
	Status             string     `json:"status"`
	Read               bool       `json:"read"`
	Muted              bool       `json:"muted"`
	ResponseRequired   bool       `json:"response_required"`
	LastActivityAt     time.Time  `json:"last_activity_at"`
	LastNotifiedAt     *time.Time `json:"last_notified_at,omitempty"`
	RespondedBy        *string    `json:"responded_by,omitempty"`
	RespondedAt        *time.Time `json:"responded_at,omitempty"`
	CreatedAt          time.Time  `json:"created_at"`
}

type MessageResponse struct {
	ID            int64     `json:"id"`
	Direction     string    `json:"direction"`
	SenderAddress string    `json:"sender_address,omitempty"`
	SenderName    *string   `json:"sender_name,omitempty"`
	Subject       *string   `json:"subject,omitempty"`
	BodyText      string    `json:"body_text"`
	BodyHTML      *string   `json:"body_html,omitempty"`
	OperatorID    *string   `json:"operator_id,omitempty"`
	InternalDate  time.Time `json:"internal_date"`
}

type ThreadDetailResponse struct {
	Thread   ThreadResponse    `json:"thread"`
	Messages []MessageResponse `json:"messages"`
}

type UnmatchedResponse struct {
	ID               int64     `json:"id"`
	SenderAddress    string    `json:"sender_address"`
	SenderName       *string   `json:"sender_name,omitempty"`
	RecipientAddress *string   `json:"recipient_address,omitempty"`
	Subject          string    `json:"subject"`
	BodyText         string    `json:"body_text"`
	BodyHTML         *string   `json:"body_html,omitempty"`
	ReceivedAt       time.Time `json:"received_at"`
}

type SettingsResponse struct {
	Enabled         bool      `json:"enabled"`
	ThresholdHours  int       `json:"threshold_hours"`
	OverrideAddress *string   `json:"override_address,omitempty"`
	AccountAddress  string    `json:"account_address"`
	UpdatedAt       time.Time `json:"updated_at"`
}

func threadResponse(t *db.Thread) ThreadResponse {
	return ThreadResponse{
		ID:                 t.ID,
		CounterpartAddress: t.CounterpartAddress,
		Subject:            t.Subject,
		CourseID:           t.CourseID,
		Status:             string(t.Status),
		Read:               t.Read,
		Muted:              t.Muted,
		ResponseRequired:   t.ResponseRequired,
		LastActivityAt:     t.LastActivityAt,
		LastNotifiedAt:     t.LastNotifiedAt,
		RespondedBy:        t.RespondedBy,
		RespondedAt:        t.RespondedAt,
		CreatedAt:          t.CreatedAt,
	}
}

func messageResponse(m *db.Message) MessageResponse {
	return MessageResponse{
		ID:            m.ID,
		Direction:     string(m.Direction),
		SenderAddress: m.SenderAddress,
		SenderName:    m.SenderName,
		Subject:       m.Subject,
		BodyText:      m.BodyText,
		BodyHTML:      m.BodyHTML,
		OperatorID:    m.OperatorID,
		InternalDate:  m.InternalDate,
	}
}

func unmatchedResponse(e *db.UnmatchedEmail) UnmatchedResponse {
	return UnmatchedResponse{
		ID:               e.ID,
		SenderAddress:    e.SenderAddress,
		SenderName:       e.SenderName,
		RecipientAddress: e.RecipientAddress,
		Subject:          e.Subject,
		BodyText:         e.BodyText,
		BodyHTML:         e.BodyHTML,
		ReceivedAt:       e.ReceivedAt,
	}
}

func settingsResponse(s *db.AlertSettings) SettingsResponse {
	return SettingsResponse{
		Enabled:         s.Enabled,
		ThresholdHours:  s.ThresholdHours,
		OverrideAddress: s.OverrideAddress,
		AccountAddress:  s.AccountAddress,
		UpdatedAt:       s.UpdatedAt,
	}
}

// handleInbound ingests one inbound email. A JSON body carries pre-parsed
// fields; any other content type is treated as a raw RFC 5322 message.
func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var in *triage.InboundEmail

	contentType := r.Header.Get("Content-Type")
	if strings.HasPrefix(contentType, "application/json") {
		var req InboundRequest
		if err := json.NewDecoder(io.LimitReader(r.Body, maxInboundSize)).Decode(&req); err != nil {
			s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
			return
		}
		if req.SenderAddress == "" {
			s.writeError(w, http.StatusBadRequest, "sender_address is required")
			return
		}
		if err := helpers.ValidateAddress(req.SenderAddress); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		in = &triage.InboundEmail{
			SenderAddress:    req.SenderAddress,
			SenderName:       req.SenderName,
			RecipientAddress: req.RecipientAddress,
			Subject:          req.Subject,
			BodyText:         req.BodyText,
			BodyHTML:         req.BodyHTML,
		}
		if req.ReceivedAt != nil {
			in.ReceivedAt = *req.ReceivedAt
		}
	} else {
		raw, err := io.ReadAll(io.LimitReader(r.Body, maxInboundSize))
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Failed to read request body")
			return
		}
		parsed, err := helpers.ParseInboundMessage(raw)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, "Failed to parse message: "+err.Error())
			return
		}
		in = &triage.InboundEmail{
			SenderAddress:    parsed.SenderAddress,
			SenderName:       parsed.SenderName,
			RecipientAddress: parsed.RecipientAddress,
			Subject:          parsed.Subject,
			BodyText:         parsed.BodyText,
			BodyHTML:         parsed.BodyHTML,
			ReceivedAt:       parsed.Date,
			Raw:              raw,
		}
	}

	result, err := s.engine.IngestInbound(r.Context(), in)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	status := http.StatusOK
	if result.Resolution == triage.ResolutionCreated || result.Resolution == triage.ResolutionUnmatched {
		status = http.StatusCreated
	}
	s.writeJSON(w, status, result)
}

func (s *Server) handleListThreads(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.ThreadFilter{}

	if statusParam := q.Get("status"); statusParam != "" {
		status, err := db.ParseThreadStatus(statusParam)
		if err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		filter.Status = &status
	}
	filter.Unanswered = q.Get("unanswered") == "true"
	if limitParam := q.Get("limit"); limitParam != "" {
		if limit, err := strconv.Atoi(limitParam); err == nil {
			filter.Limit = limit
		}
	}
	if offsetParam := q.Get("offset"); offsetParam != "" {
		if offset, err := strconv.Atoi(offsetParam); err == nil {
			filter.Offset = offset
		}
	}

	threads, err := s.engine.ListThreads(r.Context(), filter)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := make([]ThreadResponse, 0, len(threads))
	for _, t := range threads {
		resp = append(resp, threadResponse(t))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"threads": resp, "count": len(resp)})
}

func (s *Server) handleUnansweredCount(w http.ResponseWriter, r *http.Request) {
	count, err := s.engine.UnansweredCount(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int64{"count": count})
}

func (s *Server) handleGetThread(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	detail, err := s.engine.GetThread(r.Context(), threadID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := ThreadDetailResponse{
		Thread:   threadResponse(detail.Thread),
		Messages: make([]MessageResponse, 0, len(detail.Messages)),
	}
	for _, m := range detail.Messages {
		resp.Messages = append(resp.Messages, messageResponse(m))
	}
	s.writeJSON(w, http.StatusOK, resp)
}

// handleRawMessage streams the archived RFC 5322 original of a message.
func (s *Server) handleRawMessage(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	messageID, err := pathInt(r, "mid")
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid message id")
		return
	}
	body, err := s.engine.GetRawMessage(r.Context(), threadID, messageID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	defer body.Close()
	w.Header().Set("Content-Type", "message/rfc822")
	if _, err := io.Copy(w, body); err != nil {
		logger.Warn("[HTTPAPI] error streaming raw message", "error", err)
	}
}

func (s *Server) handleReply(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	var req ReplyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if req.OperatorID == "" {
		s.writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	if req.BodyText == "" && req.BodyHTML == "" {
		s.writeError(w, http.StatusBadRequest, "reply body is required")
		return
	}
	thread, err := s.engine.Reply(r.Context(), threadID, req.OperatorID, req.BodyText, req.BodyHTML)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (s *Server) handleSetStatus(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	var req SetStatusRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	status, err := db.ParseThreadStatus(req.Status)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	thread, err := s.engine.SetStatus(r.Context(), threadID, status)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (s *Server) handleSetMuted(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	var req SetMutedRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	thread, err := s.engine.SetMuted(r.Context(), threadID, req.Muted)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (s *Server) handleLinkCourse(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	var req LinkCourseRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	thread, err := s.engine.LinkCourse(r.Context(), threadID, req.CourseID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (s *Server) handleSoftDelete(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	thread, err := s.engine.SoftDelete(r.Context(), threadID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	thread, err := s.engine.Restore(r.Context(), threadID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, threadResponse(thread))
}

func (s *Server) handlePurge(w http.ResponseWriter, r *http.Request) {
	threadID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid thread id")
		return
	}
	if err := s.engine.Purge(r.Context(), threadID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"purged": true, "thread_id": threadID})
}

func (s *Server) handleListUnmatched(w http.ResponseWriter, r *http.Request) {
	emails, err := s.engine.ListUnmatched(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	resp := make([]UnmatchedResponse, 0, len(emails))
	for _, e := range emails {
		resp = append(resp, unmatchedResponse(e))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"unmatched": resp, "count": len(resp)})
}

func (s *Server) handleAssignUnmatched(w http.ResponseWriter, r *http.Request) {
	emailID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid unmatched email id")
		return
	}
	var req AssignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if req.CourseID == 0 {
		s.writeError(w, http.StatusBadRequest, "course_id is required")
		return
	}
	if req.OperatorID == "" {
		s.writeError(w, http.StatusBadRequest, "operator_id is required")
		return
	}
	result, err := s.engine.AssignUnmatched(r.Context(), emailID, req.CourseID, req.OperatorID)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleDiscardUnmatched(w http.ResponseWriter, r *http.Request) {
	emailID, err := pathID(r)
	if err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid unmatched email id")
		return
	}
	if err := s.engine.DiscardUnmatched(r.Context(), emailID); err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"discarded": true, "email_id": emailID})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.engine.GetAlertSettings(r.Context())
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settingsResponse(settings))
}

func (s *Server) handleUpdateSettings(w http.ResponseWriter, r *http.Request) {
	var req SettingsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "Invalid JSON body: "+err.Error())
		return
	}
	if req.OverrideAddress != nil && *req.OverrideAddress != "" {
		if err := helpers.ValidateAddress(*req.OverrideAddress); err != nil {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
	}
	settings := &db.AlertSettings{
		Enabled:         req.Enabled,
		ThresholdHours:  req.ThresholdHours,
		OverrideAddress: req.OverrideAddress,
		AccountAddress:  req.AccountAddress,
	}
	updated, err := s.engine.UpdateAlertSettings(r.Context(), settings)
	if err != nil {
		s.writeEngineError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, settingsResponse(updated))
}
