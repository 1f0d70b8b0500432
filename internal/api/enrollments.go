package api

import (
	"net/http"

	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

type recipientRef struct {
	RecipientType string `json:"recipient_type" validate:"required,oneof=lead student"`
	RecipientID   string `json:"recipient_id" validate:"required"`
}

func (s *Server) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req recipientRef
	if !s.decode(w, r, &req) {
		return
	}
	e, err := s.deps.Service.Enroll(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"),
		schema.RecipientType(req.RecipientType), req.RecipientID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, e)
}

func (s *Server) handleListEnrollments(w http.ResponseWriter, r *http.Request) {
	var status *schema.EnrollmentStatus
	if v := r.URL.Query().Get("status"); v != "" {
		st := schema.EnrollmentStatus(v)
		status = &st
	}
	list, err := s.deps.Service.ListEnrollments(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"), status)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*store.Enrollment{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"enrollments": list, "count": len(list)})
}

func (s *Server) handleGetEnrollment(w http.ResponseWriter, r *http.Request) {
	detail, err := s.deps.Service.GetEnrollment(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, detail)
}

func (s *Server) handleUnenroll(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.Unenroll(r.Context(), logging.TenantID(r.Context()), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleSendNow(w http.ResponseWriter, r *http.Request) {
	var req recipientRef
	if !s.decode(w, r, &req) {
		return
	}
	res, err := s.deps.Service.SendNow(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"),
		schema.RecipientType(req.RecipientType), req.RecipientID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleTrigger turns an inbound webhook into enrollments: the payload is
// mapped to a recipient, the recipient is created if unknown, and every
// active sequence listening to the trigger enrolls it.
func (s *Server) handleTrigger(w http.ResponseWriter, r *http.Request) {
	trigger := schema.Trigger(r.PathValue("trigger"))
	if !trigger.Valid() {
		writeServiceError(w, schema.NewErrorf(schema.ErrCodeValidation, "unknown trigger %q", trigger))
		return
	}
	if s.deps.Payload == nil {
		writeError(w, http.StatusNotImplemented, "trigger webhooks are not configured")
		return
	}

	var payload map[string]any
	if !decodeJSON(w, r, &payload) {
		return
	}
	ctx := r.Context()
	tenantID := logging.TenantID(ctx)

	recipient, err := s.deps.Payload.Map(ctx, tenantID, payload)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if err := s.deps.Service.EnsureRecipient(ctx, tenantID, recipient); err != nil {
		writeServiceError(w, err)
		return
	}
	list, err := s.deps.Service.FireTrigger(ctx, tenantID, trigger, recipient.Type, recipient.ID)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if list == nil {
		list = []*store.Enrollment{}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"recipient_type": recipient.Type,
		"recipient_id":   recipient.ID,
		"enrollments":    list,
	})
}
