// Package api exposes the engine's HTTP control surface.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"whatsapp-campaign-engine/internal/cadence"
	"whatsapp-campaign-engine/internal/dispatch"
	"whatsapp-campaign-engine/internal/models"
	"whatsapp-campaign-engine/internal/scheduler"
	"whatsapp-campaign-engine/internal/store"
	"whatsapp-campaign-engine/internal/telemetry"
	"whatsapp-campaign-engine/internal/transport"
)

// Scheduler is the campaign lifecycle surface the API drives.
type Scheduler interface {
	Activate(ctx context.Context, campaignID string) error
	Pause(ctx context.Context, campaignID string) error
	Stop(ctx context.Context, campaignID string) error
	Reschedule(ctx context.Context, campaignID string) error
	ExecuteNow(ctx context.Context, campaignID string) (dispatch.Result, error)
	ExecuteStep(ctx context.Context, campaignID, stepID string) (dispatch.Result, error)
	TestStep(ctx context.Context, campaignID, stepID, contactID string) (scheduler.TestResult, error)
	Status(ctx context.Context) (scheduler.EngineStatus, error)
}

// AdminStore is the entity mutation surface the API needs.
type AdminStore interface {
	CreateCampaign(ctx context.Context, c models.Campaign) (models.Campaign, error)
	DeleteCampaign(ctx context.Context, id string) error
	CreateStep(ctx context.Context, st models.CampaignStep) (models.CampaignStep, error)
	DeleteStep(ctx context.Context, id string) error
	DeleteJobsForStep(ctx context.Context, campaignID, stepID string) (int64, error)
	UpsertContact(ctx context.Context, ct models.Contact) (models.Contact, error)
}

// Observer applies inbound reply signals.
type Observer interface {
	Observe(ctx context.Context, tenant, phone string, at time.Time) (int64, error)
}

// Server is the HTTP control plane.
type Server struct {
	scheduler Scheduler
	store     AdminStore
	observer  Observer
	log       zerolog.Logger

	defaultCountryCode string
}

// NewServer wires the handlers.
func NewServer(sched Scheduler, st AdminStore, obs Observer, log zerolog.Logger, defaultCountryCode string) *Server {
	return &Server{
		scheduler:          sched,
		store:              st,
		observer:           obs,
		log:                log.With().Str("component", "api").Logger(),
		defaultCountryCode: defaultCountryCode,
	}
}

// Router builds the chi route tree.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(60 * time.Second))

	r.Get("/healthz", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Handle("/metrics", telemetry.Handler())

	r.Post("/campaigns", s.handleCreateCampaign)
	r.Route("/campaigns/{campaignID}", func(r chi.Router) {
		r.Delete("/", s.handleDeleteCampaign)
		r.Post("/activate", s.lifecycle(s.scheduler.Activate))
		r.Post("/pause", s.lifecycle(s.scheduler.Pause))
		r.Post("/stop", s.lifecycle(s.scheduler.Stop))
		r.Post("/reschedule", s.lifecycle(s.scheduler.Reschedule))
		r.Post("/execute", s.handleExecuteNow)

		r.Post("/steps", s.handleCreateStep)
		r.Route("/steps/{stepID}", func(r chi.Router) {
			r.Post("/execute", s.handleExecuteStep)
			r.Post("/test", s.handleTestStep)
			r.Delete("/", s.handleDeleteStep)
		})
	})

	r.Post("/contacts", s.handleUpsertContact)
	r.Post("/webhook/inbound", s.handleInbound)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	status, err := s.scheduler.Status(r.Context())
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

type createCampaignRequest struct {
	Tenant           string   `json:"tenant"`
	Name             string   `json:"name"`
	Cadence          string   `json:"cadence_type"`
	SegmentIDs       []string `json:"segment_ids"`
	DefaultTimeOfDay string   `json:"default_time_of_day"`
	RepeatLimit      int      `json:"repeat_limit"`
	TotalDays        int      `json:"total_days"`
}

func (s *Server) handleCreateCampaign(w http.ResponseWriter, r *http.Request) {
	var req createCampaignRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" || req.Name == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant and name are required"})
		return
	}
	switch req.Cadence {
	case models.CadenceDaily, models.CadenceWeekly, models.CadenceMonthly, models.CadenceFixed, models.CadenceContentBased:
	default:
		s.writeError(w, r, &cadence.ValidationError{Reason: fmt.Sprintf("unknown cadence_type %q", req.Cadence)})
		return
	}
	if req.DefaultTimeOfDay == "" {
		req.DefaultTimeOfDay = "09:00"
	}

	created, err := s.store.CreateCampaign(r.Context(), models.Campaign{
		Tenant:           req.Tenant,
		Name:             req.Name,
		Cadence:          req.Cadence,
		SegmentIDs:       req.SegmentIDs,
		DefaultTimeOfDay: req.DefaultTimeOfDay,
		RepeatLimit:      req.RepeatLimit,
		TotalDays:        req.TotalDays,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

// handleDeleteCampaign tears a campaign down: triggers cancelled via pause,
// then the row (and its steps, progress, ledger) removed.
func (s *Server) handleDeleteCampaign(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	if err := s.scheduler.Pause(r.Context(), campaignID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteCampaign(r.Context(), campaignID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"deleted": campaignID})
}

type createStepRequest struct {
	Day         int             `json:"day"`
	Sequence    int             `json:"sequence"`
	ContentKind string          `json:"content_kind"`
	Payload     json.RawMessage `json:"payload"`
	TimeOfDay   string          `json:"time_of_day"`
	DayOfWeek   *int            `json:"day_of_week"`
	DayOfMonth  *int            `json:"day_of_month"`
	Condition   string          `json:"condition"`
}

func (s *Server) handleCreateStep(w http.ResponseWriter, r *http.Request) {
	var req createStepRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
		return
	}
	payload, err := models.UnmarshalPayload(req.ContentKind, req.Payload)
	if err != nil {
		s.writeError(w, r, &cadence.ValidationError{Reason: err.Error()})
		return
	}

	campaignID := chi.URLParam(r, "campaignID")
	created, err := s.store.CreateStep(r.Context(), models.CampaignStep{
		CampaignID: campaignID,
		Day:        req.Day,
		Sequence:   req.Sequence,
		Payload:    payload,
		TimeOfDay:  req.TimeOfDay,
		DayOfWeek:  req.DayOfWeek,
		DayOfMonth: req.DayOfMonth,
		Condition:  req.Condition,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	// An active campaign picks the new step up right away.
	if err := s.scheduler.Reschedule(r.Context(), campaignID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

type upsertContactRequest struct {
	Tenant     string   `json:"tenant"`
	Phone      string   `json:"phone"`
	Name       string   `json:"name"`
	SegmentIDs []string `json:"segment_ids"`
}

func (s *Server) handleUpsertContact(w http.ResponseWriter, r *http.Request) {
	var req upsertContactRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" || req.Phone == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant and phone are required"})
		return
	}
	contact, err := s.store.UpsertContact(r.Context(), models.Contact{
		Tenant:     req.Tenant,
		Phone:      transport.NormalizePhone(req.Phone, s.defaultCountryCode),
		Name:       req.Name,
		SegmentIDs: req.SegmentIDs,
	})
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, contact)
}

// lifecycle adapts the activate/pause/stop/reschedule operations, which all
// share the same shape.
func (s *Server) lifecycle(op func(ctx context.Context, campaignID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		campaignID := chi.URLParam(r, "campaignID")
		if err := op(r.Context(), campaignID); err != nil {
			s.writeError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"campaign_id": campaignID})
	}
}

func (s *Server) handleExecuteNow(w http.ResponseWriter, r *http.Request) {
	res, err := s.scheduler.ExecuteNow(r.Context(), chi.URLParam(r, "campaignID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleExecuteStep(w http.ResponseWriter, r *http.Request) {
	res, err := s.scheduler.ExecuteStep(r.Context(), chi.URLParam(r, "campaignID"), chi.URLParam(r, "stepID"))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type testStepRequest struct {
	ContactID string `json:"contact_id"`
}

// handleTestStep runs a dry evaluation; an absent contact_id tests against
// the first resolved recipient.
func (s *Server) handleTestStep(w http.ResponseWriter, r *http.Request) {
	var req testStepRequest
	if r.ContentLength > 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "malformed body"})
			return
		}
	}
	res, err := s.scheduler.TestStep(r.Context(), chi.URLParam(r, "campaignID"), chi.URLParam(r, "stepID"), req.ContactID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// handleDeleteStep removes a step, clears its ledger rows, and re-plans the
// campaign so remaining triggers match the resequenced steps.
func (s *Server) handleDeleteStep(w http.ResponseWriter, r *http.Request) {
	campaignID := chi.URLParam(r, "campaignID")
	stepID := chi.URLParam(r, "stepID")

	if _, err := s.store.DeleteJobsForStep(r.Context(), campaignID, stepID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.store.DeleteStep(r.Context(), stepID); err != nil {
		s.writeError(w, r, err)
		return
	}
	if err := s.scheduler.Reschedule(r.Context(), campaignID); err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"campaign_id": campaignID, "deleted": stepID})
}

type inboundRequest struct {
	Tenant    string    `json:"tenant"`
	From      string    `json:"from"`
	Timestamp time.Time `json:"timestamp"` // optional, provider receipt time
}

func (s *Server) handleInbound(w http.ResponseWriter, r *http.Request) {
	var req inboundRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Tenant == "" || req.From == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tenant and from are required"})
		return
	}
	updated, err := s.observer.Observe(r.Context(), req.Tenant, req.From, req.Timestamp)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"updated": updated})
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, err error) {
	var verr *cadence.ValidationError
	switch {
	case errors.Is(err, store.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	case errors.As(err, &verr):
		writeJSON(w, http.StatusUnprocessableEntity, map[string]string{"error": verr.Error()})
	default:
		s.log.Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
