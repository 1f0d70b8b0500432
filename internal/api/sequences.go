package api

import (
	"net/http"

	"github.com/rendis/sequencer/internal/logging"
	"github.com/rendis/sequencer/internal/service"
	"github.com/rendis/sequencer/internal/store"
	"github.com/rendis/sequencer/pkg/schema"
)

type stepRequest struct {
	Kind        schema.StepKind `json:"kind" validate:"required,oneof=wait send_sms send_email condition end"`
	WaitMinutes int             `json:"wait_minutes" validate:"gte=0"`
	Subject     string          `json:"subject" validate:"max=255"`
	Body        string          `json:"body"`
	Condition   string          `json:"condition"`
	OnTrue      int             `json:"on_true" validate:"gte=0"`
	OnFalse     int             `json:"on_false" validate:"gte=0"`
}

func (r stepRequest) spec() schema.StepSpec {
	return schema.StepSpec{
		Kind:        r.Kind,
		WaitMinutes: r.WaitMinutes,
		Subject:     r.Subject,
		Body:        r.Body,
		Condition:   r.Condition,
		OnTrue:      r.OnTrue,
		OnFalse:     r.OnFalse,
	}
}

type createSequenceRequest struct {
	Name        string        `json:"name" validate:"required,max=200"`
	Description string        `json:"description"`
	Trigger     string        `json:"trigger" validate:"required"`
	Active      bool          `json:"active"`
	Steps       []stepRequest `json:"steps" validate:"dive"`
}

type addStepRequest struct {
	stepRequest
	// Position is the 1-based order to insert at; 0 inserts before the end step.
	Position int `json:"position" validate:"gte=0"`
}

func actor(r *http.Request) string {
	return r.Header.Get("X-Actor-ID")
}

func (s *Server) handleListSequences(w http.ResponseWriter, r *http.Request) {
	tenantID := logging.TenantID(r.Context())
	q := r.URL.Query()
	filter := store.SequenceFilter{
		Trigger:    schema.Trigger(q.Get("trigger")),
		ActiveOnly: q.Get("active") == "true",
		Limit:      queryInt(r, "limit", 0),
	}
	seqs, err := s.deps.Service.ListSequences(r.Context(), tenantID, filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if seqs == nil {
		seqs = []*store.Sequence{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"sequences": seqs, "count": len(seqs)})
}

func (s *Server) handleCreateSequence(w http.ResponseWriter, r *http.Request) {
	var req createSequenceRequest
	if !s.decode(w, r, &req) {
		return
	}
	in := service.CreateSequenceInput{
		SequenceDefinition: schema.SequenceDefinition{
			Name:        req.Name,
			Description: req.Description,
			Trigger:     schema.Trigger(req.Trigger),
		},
		Active:    req.Active,
		CreatedBy: actor(r),
	}
	for _, st := range req.Steps {
		in.Steps = append(in.Steps, st.spec())
	}
	seq, err := s.deps.Service.CreateSequence(r.Context(), logging.TenantID(r.Context()), in)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seq)
}

func (s *Server) handleGetSequence(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Service.GetSequence(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleUpdateSequence(w http.ResponseWriter, r *http.Request) {
	var update store.SequenceUpdate
	if !s.decode(w, r, &update) {
		return
	}
	seq, err := s.deps.Service.UpdateSequence(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"), update)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleDeleteSequence(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Service.DeleteSequence(r.Context(), logging.TenantID(r.Context()), r.PathValue("id")); err != nil {
		writeServiceError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleAddStep(w http.ResponseWriter, r *http.Request) {
	var req addStepRequest
	if !s.decode(w, r, &req) {
		return
	}
	seq, err := s.deps.Service.AddStep(r.Context(), logging.TenantID(r.Context()), r.PathValue("id"), req.spec(), req.Position)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, seq)
}

func (s *Server) handleUpdateStep(w http.ResponseWriter, r *http.Request) {
	var req stepRequest
	if !s.decode(w, r, &req) {
		return
	}
	seq, err := s.deps.Service.UpdateStep(r.Context(), logging.TenantID(r.Context()),
		r.PathValue("id"), r.PathValue("stepID"), req.spec())
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	seq, err := s.deps.Service.DeleteStep(r.Context(), logging.TenantID(r.Context()),
		r.PathValue("id"), r.PathValue("stepID"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, seq)
}

// handleDiagram renders the sequence as Mermaid (default) or ASCII text,
// overlaid with an enrollment's progress when enrollment_id is given.
func (s *Server) handleDiagram(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	out, err := s.deps.Service.RenderDiagram(r.Context(), logging.TenantID(r.Context()),
		r.PathValue("id"), q.Get("enrollment_id"), q.Get("format"))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(out))
}
