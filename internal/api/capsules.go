package api

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/mail"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/chronomail/chronomail/internal/admission"
	"github.com/chronomail/chronomail/internal/capsule"
	"github.com/chronomail/chronomail/internal/template"
)

// maxAttachmentBytes bounds a single decoded attachment.
const maxAttachmentBytes = 10 * 1024 * 1024

// CreateCapsuleRequest is the request body for POST /capsules. Either
// message or template_id must be set; with template_id the message body
// and subject come from the rendered template.
type CreateCapsuleRequest struct {
	Recipient   string             `json:"recipient"`
	Subject     string             `json:"subject,omitempty"`
	Message     string             `json:"message,omitempty"`
	TemplateID  string             `json:"template_id,omitempty"`
	Variables   map[string]any     `json:"variables,omitempty"`
	ScheduledAt time.Time          `json:"scheduled_at"`
	Attachments []AttachmentUpload `json:"attachments,omitempty"`
}

// AttachmentUpload carries one base64-encoded attachment.
type AttachmentUpload struct {
	Name     string `json:"name"`
	MimeType string `json:"mime_type,omitempty"`
	Data     string `json:"data"`
}

// CapsuleResponse is a capsule without its ciphertext. The stored message
// never leaves the server before delivery.
type CapsuleResponse struct {
	ID            string               `json:"id"`
	Recipient     string               `json:"recipient"`
	Subject       string               `json:"subject,omitempty"`
	ScheduledAt   time.Time            `json:"scheduled_at"`
	Status        string               `json:"status"`
	CreatedAt     time.Time            `json:"created_at"`
	SentAt        *time.Time           `json:"sent_at,omitempty"`
	FailureReason string               `json:"failure_reason,omitempty"`
	Attachments   []AttachmentResponse `json:"attachments,omitempty"`
}

// AttachmentResponse is attachment metadata.
type AttachmentResponse struct {
	ID         string    `json:"id"`
	Name       string    `json:"name"`
	Size       int64     `json:"size"`
	MimeType   string    `json:"mime_type,omitempty"`
	UploadedAt time.Time `json:"uploaded_at"`
}

// ListCapsulesResponse is the response for GET /capsules.
type ListCapsulesResponse struct {
	Stats    *capsule.Stats    `json:"stats"`
	Capsules []CapsuleResponse `json:"capsules"`
}

// handleCreateCapsule handles POST /api/v1/capsules
func (s *Server) handleCreateCapsule(w http.ResponseWriter, r *http.Request) {
	var req CreateCapsuleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if req.Recipient == "" {
		s.sendError(w, http.StatusBadRequest, "recipient is required")
		return
	}
	if _, err := mail.ParseAddress(req.Recipient); err != nil {
		s.sendError(w, http.StatusBadRequest, "recipient is not a valid email address")
		return
	}
	if req.ScheduledAt.IsZero() {
		s.sendError(w, http.StatusBadRequest, "scheduled_at is required")
		return
	}
	if req.Message == "" && req.TemplateID == "" {
		s.sendError(w, http.StatusBadRequest, "message or template_id is required")
		return
	}
	if req.Message != "" && req.TemplateID != "" {
		s.sendError(w, http.StatusBadRequest, "message and template_id are mutually exclusive")
		return
	}

	subject := req.Subject
	message := req.Message

	if req.TemplateID != "" {
		rendered, status, errMsg := s.renderFromTemplate(r, req.TemplateID, req.Variables)
		if errMsg != "" {
			s.sendError(w, status, errMsg)
			return
		}
		message = rendered.Text
		if subject == "" {
			subject = rendered.Subject
		}
	}

	ciphertext, err := s.keys.Encrypt([]byte(message))
	if err != nil {
		s.logger.Error("failed to encrypt capsule message", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store capsule")
		return
	}

	now := time.Now()
	c := &capsule.Capsule{
		ID:               uuid.New().String(),
		RecipientAddress: req.Recipient,
		Subject:          subject,
		Ciphertext:       ciphertext,
		ScheduledAt:      req.ScheduledAt,
		Status:           capsule.StatusPending,
		CreatedAt:        now,
	}
	if ip := admission.GetClientIP(r); ip != nil {
		c.ClientIP = ip.String()
	}

	atts, err := s.buildAttachments(c.ID, req.Attachments, now)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.repo.Create(r.Context(), c, atts); err != nil {
		if errors.Is(err, capsule.ErrScheduledInPast) {
			s.sendError(w, http.StatusBadRequest, "scheduled_at must not be in the past")
			return
		}
		s.logger.Error("failed to create capsule", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to store capsule")
		return
	}

	if s.metrics != nil {
		s.metrics.CapsulesCreatedTotal.Inc()
	}

	s.logger.Info("capsule created",
		"id", c.ID,
		"recipient", c.RecipientAddress,
		"scheduled_at", c.ScheduledAt,
		"attachments", len(atts),
	)

	s.sendJSON(w, http.StatusCreated, capsuleResponse(c, atts))
}

// renderFromTemplate loads, renders and counts usage of a template. On
// failure it returns a non-empty message with the HTTP status to send.
func (s *Server) renderFromTemplate(r *http.Request, id string, vars map[string]any) (*template.RenderResult, int, string) {
	if s.templates == nil {
		return nil, http.StatusBadRequest, "templates are not enabled"
	}

	tmpl, err := s.templates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			return nil, http.StatusNotFound, "Template not found"
		}
		s.logger.Error("failed to load template", "id", id, "error", err)
		return nil, http.StatusInternalServerError, "Failed to load template"
	}

	rendered, err := s.engine.Render(tmpl, vars)
	if err != nil {
		return nil, http.StatusBadRequest, fmt.Sprintf("failed to render template: %v", err)
	}

	if err := s.templates.IncrementUsage(r.Context(), id); err != nil {
		s.logger.Warn("failed to count template usage", "id", id, "error", err)
	}

	return rendered, 0, ""
}

// buildAttachments decodes and encrypts the uploaded attachments.
func (s *Server) buildAttachments(capsuleID string, uploads []AttachmentUpload, now time.Time) ([]*capsule.Attachment, error) {
	if len(uploads) == 0 {
		return nil, nil
	}

	atts := make([]*capsule.Attachment, 0, len(uploads))
	for _, up := range uploads {
		if up.Name == "" {
			return nil, errors.New("attachment name is required")
		}
		data, err := base64.StdEncoding.DecodeString(up.Data)
		if err != nil {
			return nil, fmt.Errorf("attachment %q is not valid base64", up.Name)
		}
		if len(data) == 0 {
			return nil, fmt.Errorf("attachment %q is empty", up.Name)
		}
		if len(data) > maxAttachmentBytes {
			return nil, fmt.Errorf("attachment %q exceeds the size limit", up.Name)
		}

		sealed, err := s.keys.Encrypt(data)
		if err != nil {
			return nil, fmt.Errorf("failed to encrypt attachment %q", up.Name)
		}

		atts = append(atts, &capsule.Attachment{
			ID:           uuid.New().String(),
			CapsuleID:    capsuleID,
			BlobRef:      uuid.New().String(),
			OriginalName: up.Name,
			Size:         int64(len(data)),
			MimeType:     up.MimeType,
			Encrypted:    true,
			UploadedAt:   now,
			Data:         []byte(sealed),
		})
	}
	return atts, nil
}

// handleGetCapsule handles GET /api/v1/capsules/{id}
func (s *Server) handleGetCapsule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	c, err := s.repo.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, capsule.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Capsule not found")
			return
		}
		s.logger.Error("failed to get capsule", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get capsule")
		return
	}

	atts, err := s.repo.Attachments(r.Context(), id)
	if err != nil {
		s.logger.Error("failed to list attachments", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get capsule")
		return
	}

	s.sendJSON(w, http.StatusOK, capsuleResponse(c, atts))
}

// handleListCapsules handles GET /api/v1/capsules
func (s *Server) handleListCapsules(w http.ResponseWriter, r *http.Request) {
	filter := capsule.ListFilter{Limit: 100}

	if v := r.URL.Query().Get("status"); v != "" {
		filter.Status = capsule.Status(v)
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			filter.Limit = n
		}
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			filter.Offset = n
		}
	}

	stats, err := s.repo.Stats(r.Context())
	if err != nil {
		s.logger.Error("failed to get capsule stats", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list capsules")
		return
	}

	capsules, err := s.repo.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list capsules", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list capsules")
		return
	}

	resp := ListCapsulesResponse{
		Stats:    stats,
		Capsules: make([]CapsuleResponse, len(capsules)),
	}
	for i, c := range capsules {
		resp.Capsules[i] = capsuleResponse(c, nil)
	}

	s.sendJSON(w, http.StatusOK, resp)
}

// handleResendCapsule handles POST /api/v1/capsules/{id}/resend
func (s *Server) handleResendCapsule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	err := s.dispatcher.Resend(r.Context(), id)
	switch {
	case err == nil:
	case errors.Is(err, capsule.ErrNotFound):
		s.sendError(w, http.StatusNotFound, "Capsule not found")
		return
	case errors.Is(err, capsule.ErrIllegalTransition):
		s.sendError(w, http.StatusConflict, "Capsule has already been sent")
		return
	case errors.Is(err, capsule.ErrStatusConflict):
		s.sendError(w, http.StatusConflict, "Capsule is being delivered")
		return
	default:
		s.logger.Error("failed to resend capsule", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to resend capsule")
		return
	}

	if s.metrics != nil {
		s.metrics.CapsulesResentTotal.Inc()
	}

	s.logger.Info("capsule queued for resend", "id", id)
	s.sendJSON(w, http.StatusOK, map[string]string{
		"id":     id,
		"status": string(capsule.StatusPending),
	})
}

// handleDeleteCapsule handles DELETE /api/v1/capsules/{id}
func (s *Server) handleDeleteCapsule(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.repo.Delete(r.Context(), id); err != nil {
		if errors.Is(err, capsule.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Capsule not found")
			return
		}
		s.logger.Error("failed to delete capsule", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete capsule")
		return
	}

	s.logger.Info("capsule deleted", "id", id)
	w.WriteHeader(http.StatusNoContent)
}

func capsuleResponse(c *capsule.Capsule, atts []*capsule.Attachment) CapsuleResponse {
	resp := CapsuleResponse{
		ID:            c.ID,
		Recipient:     c.RecipientAddress,
		Subject:       c.Subject,
		ScheduledAt:   c.ScheduledAt,
		Status:        string(c.Status),
		CreatedAt:     c.CreatedAt,
		SentAt:        c.SentAt,
		FailureReason: c.FailureReason,
	}
	for _, a := range atts {
		resp.Attachments = append(resp.Attachments, AttachmentResponse{
			ID:         a.ID,
			Name:       a.OriginalName,
			Size:       a.Size,
			MimeType:   a.MimeType,
			UploadedAt: a.UploadedAt,
		})
	}
	return resp
}
