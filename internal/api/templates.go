package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/chronomail/chronomail/internal/template"
)

// TemplateRequest is the request body for creating or updating a template.
type TemplateRequest struct {
	Name        string                  `json:"name"`
	Description string                  `json:"description,omitempty"`
	Subject     string                  `json:"subject"`
	Text        string                  `json:"text"`
	HTML        string                  `json:"html,omitempty"`
	Variables   []template.VariableInfo `json:"variables,omitempty"`
}

// RenderRequest is the request body for POST /templates/{id}/render.
type RenderRequest struct {
	Variables map[string]any `json:"variables,omitempty"`
}

// handleCreateTemplate handles POST /api/v1/templates
func (s *Server) handleCreateTemplate(w http.ResponseWriter, r *http.Request) {
	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	tmpl := &template.Template{
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		Variables:   req.Variables,
	}
	if err := s.engine.Validate(tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.templates.Create(r.Context(), tmpl); err != nil {
		if errors.Is(err, template.ErrNameTaken) {
			s.sendError(w, http.StatusConflict, "Template name already in use")
			return
		}
		s.logger.Error("failed to create template", "name", req.Name, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to create template")
		return
	}

	s.logger.Info("template created", "id", tmpl.ID, "name", tmpl.Name)
	s.sendJSON(w, http.StatusCreated, tmpl)
}

// handleGetTemplate handles GET /api/v1/templates/{id}
func (s *Server) handleGetTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	tmpl, err := s.templates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to get template", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleListTemplates handles GET /api/v1/templates
func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	filter := template.ListFilter{
		Search: r.URL.Query().Get("search"),
		Limit:  100,
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

	templates, err := s.templates.List(r.Context(), filter)
	if err != nil {
		s.logger.Error("failed to list templates", "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to list templates")
		return
	}
	if templates == nil {
		templates = []*template.Template{}
	}

	s.sendJSON(w, http.StatusOK, templates)
}

// handleUpdateTemplate handles PUT /api/v1/templates/{id}
func (s *Server) handleUpdateTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req TemplateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if req.Name == "" {
		s.sendError(w, http.StatusBadRequest, "name is required")
		return
	}

	tmpl := &template.Template{
		ID:          id,
		Name:        req.Name,
		Description: req.Description,
		Subject:     req.Subject,
		Text:        req.Text,
		HTML:        req.HTML,
		Variables:   req.Variables,
	}
	if err := s.engine.Validate(tmpl); err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	if err := s.templates.Update(r.Context(), tmpl); err != nil {
		switch {
		case errors.Is(err, template.ErrNotFound):
			s.sendError(w, http.StatusNotFound, "Template not found")
		case errors.Is(err, template.ErrNameTaken):
			s.sendError(w, http.StatusConflict, "Template name already in use")
		default:
			s.logger.Error("failed to update template", "id", id, "error", err)
			s.sendError(w, http.StatusInternalServerError, "Failed to update template")
		}
		return
	}

	s.logger.Info("template updated", "id", id, "version", tmpl.Version)
	s.sendJSON(w, http.StatusOK, tmpl)
}

// handleDeleteTemplate handles DELETE /api/v1/templates/{id}
func (s *Server) handleDeleteTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := s.templates.Delete(r.Context(), id); err != nil {
		s.logger.Error("failed to delete template", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to delete template")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// handleRenderTemplate handles POST /api/v1/templates/{id}/render. It
// previews a template without creating a capsule or counting usage.
func (s *Server) handleRenderTemplate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req RenderRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.sendError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	tmpl, err := s.templates.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, template.ErrNotFound) {
			s.sendError(w, http.StatusNotFound, "Template not found")
			return
		}
		s.logger.Error("failed to get template", "id", id, "error", err)
		s.sendError(w, http.StatusInternalServerError, "Failed to get template")
		return
	}

	rendered, err := s.engine.Render(tmpl, req.Variables)
	if err != nil {
		s.sendError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.sendJSON(w, http.StatusOK, rendered)
}
