// Package handler contains chi HTTP handlers that translate HTTP
// requests/responses to and from the service layer.
package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/Shivanand-hulikatti/study-meetups/internal/logging"
	"github.com/Shivanand-hulikatti/study-meetups/internal/model"
	"github.com/Shivanand-hulikatti/study-meetups/internal/service"
	"github.com/go-chi/chi/v5"
)

// Members answers study membership questions.
type Members interface {
	AddMember(ctx context.Context, studyID, accountID string, manager bool) error
	IsManager(ctx context.Context, studyID, accountID string) (bool, error)
	IsMember(ctx context.Context, studyID, accountID string) (bool, error)
	MemberIDs(ctx context.Context, studyID string) ([]string, error)
}

// Feed reads and updates an account's notification feed.
type Feed interface {
	ListByAccount(ctx context.Context, accountID string) ([]model.Notification, error)
	MarkChecked(ctx context.Context, accountID, id string) error
}

// EventHandler holds all HTTP handlers for the study meetup API.
type EventHandler struct {
	svc     *service.EventService
	members Members
	feed    Feed
}

// NewEventHandler constructs an EventHandler.
func NewEventHandler(svc *service.EventService, members Members, feed Feed) *EventHandler {
	return &EventHandler{svc: svc, members: members, feed: feed}
}

// Routes registers every API route on r.
func (h *EventHandler) Routes(r chi.Router) {
	r.Get("/health", HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(RequireAccount)

		r.Route("/studies/{studyID}", func(r chi.Router) {
			r.Post("/join", h.JoinStudy)
			r.Post("/events", h.CreateEvent)
			r.Get("/events", h.ListStudyEvents)
		})

		r.Route("/events/{id}", func(r chi.Router) {
			r.Get("/", h.GetEvent)
			r.Put("/", h.UpdateEvent)
			r.Delete("/", h.DeleteEvent)
			r.Post("/enroll", h.Enroll)
			r.Post("/leave", h.Leave)
			r.Post("/enrollments/{enrollmentID}/accept", h.AcceptEnrollment)
			r.Post("/enrollments/{enrollmentID}/reject", h.RejectEnrollment)
			r.Post("/enrollments/{enrollmentID}/checkin", h.CheckIn)
			r.Post("/enrollments/{enrollmentID}/cancel-checkin", h.CancelCheckIn)
		})

		r.Route("/me", func(r chi.Router) {
			r.Get("/enrollments", h.ListMyEnrollments)
			r.Get("/notifications", h.ListNotifications)
			r.Post("/notifications/{id}/check", h.CheckNotification)
		})
	})
}

// ─── Helper utilities ─────────────────────────────────────────────────────────

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, model.ErrorResponse{Error: msg})
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20) // 1 MB limit
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(dst)
}

// writeServiceError maps a service error onto a status code.
func writeServiceError(w http.ResponseWriter, r *http.Request, err error) {
	var (
		vErr     *model.ValidationError
		stateErr *model.StateConflictError
		capErr   *model.CapacityConflictError
	)
	switch {
	case errors.As(err, &vErr):
		writeJSON(w, http.StatusBadRequest, model.ErrorResponse{Error: "invalid event form", Fields: vErr.FieldErrors})
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.As(err, &stateErr):
		writeError(w, http.StatusConflict, stateErr.Error())
	case errors.As(err, &capErr):
		writeError(w, http.StatusConflict, capErr.Error())
	case errors.Is(err, model.ErrDuplicateEnrollment):
		writeError(w, http.StatusConflict, model.ErrDuplicateEnrollment.Error())
	case errors.Is(err, model.ErrNotEnrolled):
		writeError(w, http.StatusConflict, model.ErrNotEnrolled.Error())
	case errors.Is(err, model.ErrEnrollmentClosed):
		writeError(w, http.StatusConflict, model.ErrEnrollmentClosed.Error())
	default:
		logging.Or(r.Context(), nil).Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// authorize loads the event and checks the caller's role in its study.
func (h *EventHandler) authorize(w http.ResponseWriter, r *http.Request, managerOnly bool) (*model.Event, bool) {
	event, err := h.svc.FindByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return nil, false
	}
	if !h.checkRole(w, r, event.StudyID, managerOnly) {
		return nil, false
	}
	return event, true
}

func (h *EventHandler) checkRole(w http.ResponseWriter, r *http.Request, studyID string, managerOnly bool) bool {
	account := AccountID(r.Context())
	check := h.members.IsMember
	if managerOnly {
		check = h.members.IsManager
	}
	ok, err := check(r.Context(), studyID, account)
	if err != nil {
		writeServiceError(w, r, err)
		return false
	}
	if !ok {
		if managerOnly {
			writeError(w, http.StatusForbidden, "only study managers may do this")
		} else {
			writeError(w, http.StatusForbidden, "only study members may do this")
		}
		return false
	}
	return true
}

// ─── Handlers ─────────────────────────────────────────────────────────────────

// JoinStudy handles POST /studies/{studyID}/join
// The first account to join a study becomes its manager.
func (h *EventHandler) JoinStudy(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "studyID")
	account := AccountID(r.Context())

	ids, err := h.members.MemberIDs(r.Context(), studyID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	manager, err := h.members.IsManager(r.Context(), studyID, account)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	manager = manager || len(ids) == 0
	if err := h.members.AddMember(r.Context(), studyID, account, manager); err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"study_id": studyID, "account_id": account, "manager": manager})
}

// CreateEvent handles POST /studies/{studyID}/events
func (h *EventHandler) CreateEvent(w http.ResponseWriter, r *http.Request) {
	studyID := chi.URLParam(r, "studyID")
	if !h.checkRole(w, r, studyID, true) {
		return
	}

	var form model.EventForm
	if err := decodeJSON(w, r, &form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	event, err := h.svc.CreateEvent(r.Context(), studyID, AccountID(r.Context()), form)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, event)
}

// ListStudyEvents handles GET /studies/{studyID}/events
func (h *EventHandler) ListStudyEvents(w http.ResponseWriter, r *http.Request) {
	events, err := h.svc.FindWithEnrollmentsByStudy(r.Context(), chi.URLParam(r, "studyID"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	// ?when=upcoming|past splits the listing on the event end time.
	if when := r.URL.Query().Get("when"); when == "upcoming" || when == "past" {
		now := time.Now()
		kept := events[:0]
		for _, e := range events {
			if e.IsEnded(now) == (when == "past") {
				kept = append(kept, e)
			}
		}
		events = kept
	}

	// Return an empty array rather than null for better client compatibility.
	if events == nil {
		events = []*model.Event{}
	}

	writeJSON(w, http.StatusOK, events)
}

// GetEvent handles GET /events/{id}
// Returns the event with its enrollments.
func (h *EventHandler) GetEvent(w http.ResponseWriter, r *http.Request) {
	event, err := h.svc.FindWithEnrollmentsByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, event)
}

// UpdateEvent handles PUT /events/{id}
func (h *EventHandler) UpdateEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.authorize(w, r, true)
	if !ok {
		return
	}

	var form model.EventForm
	if err := decodeJSON(w, r, &form); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	updated, err := h.svc.UpdateEvent(r.Context(), event.ID, form)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, updated)
}

// DeleteEvent handles DELETE /events/{id}
func (h *EventHandler) DeleteEvent(w http.ResponseWriter, r *http.Request) {
	event, ok := h.authorize(w, r, true)
	if !ok {
		return
	}
	if err := h.svc.DeleteEvent(r.Context(), event.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// Enroll handles POST /events/{id}/enroll
// Performs a concurrency-safe enrollment of the caller.
func (h *EventHandler) Enroll(w http.ResponseWriter, r *http.Request) {
	event, ok := h.authorize(w, r, false)
	if !ok {
		return
	}

	en, err := h.svc.Enroll(r.Context(), AccountID(r.Context()), event.ID)
	if err != nil {
		writeServiceError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, en)
}

// Leave handles POST /events/{id}/leave
func (h *EventHandler) Leave(w http.ResponseWriter, r *http.Request) {
	event, ok := h.authorize(w, r, false)
	if !ok {
		return
	}
	if err := h.svc.CancelEnrollment(r.Context(), AccountID(r.Context()), event.ID); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *EventHandler) manage(op func(ctx context.Context, eventID, enrollmentID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		event, ok := h.authorize(w, r, true)
		if !ok {
			return
		}
		if err := op(r.Context(), event.ID, chi.URLParam(r, "enrollmentID")); err != nil {
			writeServiceError(w, r, err)
			return
		}

		updated, err := h.svc.FindWithEnrollmentsByID(r.Context(), event.ID)
		if err != nil {
			writeServiceError(w, r, err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// AcceptEnrollment handles POST /events/{id}/enrollments/{enrollmentID}/accept
func (h *EventHandler) AcceptEnrollment(w http.ResponseWriter, r *http.Request) {
	h.manage(h.svc.AcceptEnrollment)(w, r)
}

// RejectEnrollment handles POST /events/{id}/enrollments/{enrollmentID}/reject
func (h *EventHandler) RejectEnrollment(w http.ResponseWriter, r *http.Request) {
	h.manage(h.svc.RejectEnrollment)(w, r)
}

// CheckIn handles POST /events/{id}/enrollments/{enrollmentID}/checkin
func (h *EventHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	h.manage(h.svc.CheckIn)(w, r)
}

// CancelCheckIn handles POST /events/{id}/enrollments/{enrollmentID}/cancel-checkin
func (h *EventHandler) CancelCheckIn(w http.ResponseWriter, r *http.Request) {
	h.manage(h.svc.CancelCheckIn)(w, r)
}

// ListMyEnrollments handles GET /me/enrollments
// Returns the caller's accepted enrollments that are not checked in yet.
func (h *EventHandler) ListMyEnrollments(w http.ResponseWriter, r *http.Request) {
	upcoming, err := h.svc.FindAcceptedUpcomingEnrollments(r.Context(), AccountID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if upcoming == nil {
		upcoming = []model.UpcomingEnrollment{}
	}
	writeJSON(w, http.StatusOK, upcoming)
}

// ListNotifications handles GET /me/notifications
func (h *EventHandler) ListNotifications(w http.ResponseWriter, r *http.Request) {
	feed, err := h.feed.ListByAccount(r.Context(), AccountID(r.Context()))
	if err != nil {
		writeServiceError(w, r, err)
		return
	}
	if feed == nil {
		feed = []model.Notification{}
	}
	writeJSON(w, http.StatusOK, feed)
}

// CheckNotification handles POST /me/notifications/{id}/check
func (h *EventHandler) CheckNotification(w http.ResponseWriter, r *http.Request) {
	if err := h.feed.MarkChecked(r.Context(), AccountID(r.Context()), chi.URLParam(r, "id")); err != nil {
		writeServiceError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ─── Health check ─────────────────────────────────────────────────────────────

// HealthCheck handles GET /health
func HealthCheck(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
