package api

import (
	"net/http"

	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

type recipientRequest struct {
	RecipientType string            `json:"recipient_type" validate:"required,oneof=lead student"`
	RecipientID   string            `json:"recipient_id" validate:"required"`
	FirstName     string            `json:"first_name" validate:"required,max=100"`
	LastName      string            `json:"last_name" validate:"max=100"`
	Email         string            `json:"email" validate:"omitempty,email"`
	Phone         string            `json:"phone" validate:"omitempty,e164"`
	OptedOut      bool              `json:"opted_out"`
	Custom        map[string]string `json:"custom"`
}

type settingsRequest struct {
	BusinessName string `json:"business_name" validate:"required,max=200"`
	OwnerName    string `json:"owner_name"`
	Phone        string `json:"phone"`
	Email        string `json:"email" validate:"omitempty,email"`
	Address      string `json:"address"`
	Website      string `json:"website" validate:"omitempty,url"`
	BookingURL   string `json:"booking_url" validate:"omitempty,url"`
	AIChatURL    string `json:"ai_chat_url" validate:"omitempty,url"`
	Industry     string `json:"industry"`
	Timezone     string `json:"timezone" validate:"omitempty,timezone"`
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.deps.Service.GetStats(r.Context(), logging.TenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) handleListTemplates(w http.ResponseWriter, r *http.Request) {
	list, err := s.deps.Service.ListTemplates(r.Context(), logging.TenantID(r.Context()))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, list)
}

func (s *Server) handleInstallTemplate(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Service.InstallTemplate(r.Context(), logging.TenantID(r.Context()), r.PathValue("name"), actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seq)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	seqs, err := s.deps.Service.ResetToDefault(r.Context(), logging.TenantID(r.Context()), actor(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if seqs == nil {
		seqs = []*store.Sequence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": seqs, "count": len(seqs)})
}

func (s *Server) handleUpsertRecipient(w http.ResponseWriter, r *http.Request) {
	var req recipientRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenantID := logging.TenantID(r.Context())
	rec := &schema.Recipient{
		Type:      schema.RecipientType(req.RecipientType),
		ID:        req.RecipientID,
		TenantID:  tenantID,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Email:     req.Email,
		Phone:     req.Phone,
		OptedOut:  req.OptedOut,
		Custom:    req.Custom,
	}
	if err := s.deps.Service.UpsertRecipient(r.Context(), tenantID, rec); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (s *Server) handleUpsertSettings(w http.ResponseWriter, r *http.Request) {
	var req settingsRequest
	if !s.decode(w, r, &req) {
		return
	}
	tenantID := logging.TenantID(r.Context())
	ts := &schema.TenantSettings{
		TenantID:     tenantID,
		BusinessName: req.BusinessName,
		OwnerName:    req.OwnerName,
		Phone:        req.Phone,
		Email:        req.Email,
		Address:      req.Address,
		Website:      req.Website,
		BookingURL:   req.BookingURL,
		AIChatURL:    req.AIChatURL,
		Industry:     req.Industry,
		Timezone:     req.Timezone,
	}
	if err := s.deps.Service.UpsertTenantSettings(r.Context(), tenantID, ts); err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, ts)
}
