package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/zkovari/callreminder/internal/model"
	"github.com/zkovari/callreminder/internal/repo"
	"github.com/zkovari/callreminder/internal/scheduler"
	"github.com/zkovari/callreminder/internal/timeutil"
)

type Handler struct {
	sched      *scheduler.Scheduler
	repo       repo.ReminderRepository
	normalizer *timeutil.Normalizer
}

func NewHandler(s *scheduler.Scheduler, r repo.ReminderRepository, n *timeutil.Normalizer) *Handler {
	return &Handler{sched: s, repo: r, normalizer: n}
}

type reminderResponse struct {
	ID            string    `json:"id"`
	Title         string    `json:"title"`
	Message       string    `json:"message"`
	PhoneNumber   string    `json:"phone_number"`
	ScheduledTime time.Time `json:"scheduled_time"`
	Timezone      string    `json:"timezone"`
	Status        string    `json:"status"`
	AttemptCount  int       `json:"attempt_count"`
	CreatedAt     time.Time `json:"created_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

func toResponse(r *model.Reminder) reminderResponse {
	return reminderResponse{
		ID:            r.ID,
		Title:         r.Title,
		Message:       r.Message,
		PhoneNumber:   r.PhoneNumber,
		ScheduledTime: r.ScheduledTime.UTC(),
		Timezone:      r.Timezone,
		Status:        string(r.Status),
		AttemptCount:  r.AttemptCount,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

type createRequest struct {
	Title       string `json:"title"`
	Message     string `json:"message"`
	PhoneNumber string `json:"phone_number"`
	Timezone    string `json:"timezone"`

	ScheduledTime   string `json:"scheduled_time,omitempty"`
	UseRelativeTime bool   `json:"use_relative_time,omitempty"`
	Days            int    `json:"days,omitempty"`
	Hours           int    `json:"hours,omitempty"`
	Minutes         int    `json:"minutes,omitempty"`
}

func (h *Handler) CreateReminder(w http.ResponseWriter, r *http.Request) {
	var req createRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	if req.Timezone == "" {
		req.Timezone = "UTC"
	}

	rem := &model.Reminder{
		Title:       req.Title,
		Message:     req.Message,
		PhoneNumber: req.PhoneNumber,
		Timezone:    req.Timezone,
	}
	if err := rem.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	fireAt, err := h.normalizer.Resolve(timeutil.ScheduleInput{
		UseRelative: req.UseRelativeTime,
		Days:        req.Days,
		Hours:       req.Hours,
		Minutes:     req.Minutes,
		DateTime:    req.ScheduledTime,
		Timezone:    req.Timezone,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rem.ScheduledTime = fireAt

	if err := h.repo.Create(r.Context(), rem); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	writeJSON(w, http.StatusCreated, toResponse(rem))
}

func (h *Handler) GetReminder(w http.ResponseWriter, r *http.Request) {
	rem, err := h.repo.Get(r.Context(), r.PathValue("id"))
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rem))
}

func (h *Handler) ListReminders(w http.ResponseWriter, r *http.Request) {
	var statusFilter *model.Status
	if raw := r.URL.Query().Get("status"); raw != "" {
		s, err := model.ParseStatus(raw)
		if err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		statusFilter = &s
	}

	limit := parseInt(r.URL.Query().Get("limit"), 100)
	offset := parseInt(r.URL.Query().Get("offset"), 0)

	items, err := h.repo.List(r.Context(), statusFilter, limit, offset)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}

	out := make([]reminderResponse, 0, len(items))
	for i := range items {
		out = append(out, toResponse(&items[i]))
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": out})
}

type updateRequest struct {
	Title       *string `json:"title,omitempty"`
	Message     *string `json:"message,omitempty"`
	PhoneNumber *string `json:"phone_number,omitempty"`
	Timezone    *string `json:"timezone,omitempty"`

	ScheduledTime   *string `json:"scheduled_time,omitempty"`
	UseRelativeTime bool    `json:"use_relative_time,omitempty"`
	Days            int     `json:"days,omitempty"`
	Hours           int     `json:"hours,omitempty"`
	Minutes         int     `json:"minutes,omitempty"`
}

func (h *Handler) UpdateReminder(w http.ResponseWriter, r *http.Request) {
	var req updateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	patch, err := h.buildPatch(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	rem, err := h.repo.Update(r.Context(), r.PathValue("id"), patch)
	if err != nil {
		writeRepoError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toResponse(rem))
}

func (h *Handler) buildPatch(req updateRequest) (repo.Patch, error) {
	patch := repo.Patch{
		Title:       req.Title,
		Message:     req.Message,
		PhoneNumber: req.PhoneNumber,
		Timezone:    req.Timezone,
	}

	if req.Title != nil {
		if err := model.ValidateTitle(*req.Title); err != nil {
			return repo.Patch{}, err
		}
	}
	if req.Message != nil {
		if err := model.ValidateMessage(*req.Message); err != nil {
			return repo.Patch{}, err
		}
	}
	if req.PhoneNumber != nil {
		if err := model.ValidatePhone(*req.PhoneNumber); err != nil {
			return repo.Patch{}, err
		}
	}

	if req.UseRelativeTime || req.ScheduledTime != nil {
		in := timeutil.ScheduleInput{
			UseRelative: req.UseRelativeTime,
			Days:        req.Days,
			Hours:       req.Hours,
			Minutes:     req.Minutes,
			Timezone:    strOr(req.Timezone, ""),
		}
		if req.ScheduledTime != nil {
			in.DateTime = *req.ScheduledTime
		}
		fireAt, err := h.normalizer.Resolve(in)
		if err != nil {
			return repo.Patch{}, err
		}
		patch.ScheduledTime = &fireAt
	}

	return patch, nil
}

func (h *Handler) DeleteReminder(w http.ResponseWriter, r *http.Request) {
	// Idempotent: deleting an absent id succeeds too.
	if err := h.repo.Delete(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, map[string]any{"running": h.sched.IsRunning()})
}

func writeRepoError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, "reminder not found")
	case errors.Is(err, model.ErrConflict):
		writeError(w, http.StatusConflict, "reminder cannot be modified: it is claimed or already completed/failed")
	case errors.Is(err, model.ErrValidation), errors.Is(err, timeutil.ErrInvalidSchedule):
		writeError(w, http.StatusBadRequest, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func strOr(p *string, def string) string {
	if p != nil {
		return *p
	}
	return def
}

func parseInt(raw string, def int) int {
	if raw == "" {
		return def
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return def
	}
	return v
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
