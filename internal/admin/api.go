package admin

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"greetd/internal/domain"
	"greetd/internal/queue"
	"greetd/internal/scheduler"
	"greetd/internal/storage"
	"greetd/internal/task"
	logx "greetd/pkg/logx"
	"greetd/pkg/validate"

	"github.com/go-chi/chi/v5"
)

type Events interface {
	Schedule(ctx context.Context, ev *domain.Event) error
	ScheduleBulk(ctx context.Context, tmpl domain.Event, recipients []domain.Recipient) ([]string, error)
	Cancel(ctx context.Context, id string) error
	Reschedule(ctx context.Context, id string) (*time.Time, error)
}

type Queue interface {
	Enqueue(ctx context.Context, e *domain.QueueEntry) error
	EnqueueBulk(ctx context.Context, entries []*domain.QueueEntry) error
	Cancel(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (*domain.QueueEntry, error)
}

type Tasks interface {
	Tasks() []task.Info
	History() []task.Run
	RunNow(ctx context.Context, name string) error
}

func (s *Server) routes(r chi.Router) {
	if s.deps.Events != nil {
		r.Post("/events", s.createEvents)
		r.Post("/events/{id}/cancel", s.cancelEvent)
		r.Post("/events/{id}/reschedule", s.rescheduleEvent)
	}
	if s.deps.Queue != nil {
		r.Post("/notifications", s.createNotifications)
		r.Get("/notifications/{id}", s.getNotification)
		r.Post("/notifications/{id}/cancel", s.cancelNotification)
	}
	if s.deps.Tasks != nil {
		r.Get("/tasks", s.listTasks)
		r.Post("/tasks/{name}/run", s.runTask)
	}
	if s.deps.Supervisor != nil {
		r.Get("/supervisor", s.supervisorStats)
	}
}

type overrideDTO struct {
	Subject string `json:"subject,omitempty"`
	Body    string `json:"body,omitempty"`
}

type eventRequest struct {
	ID                string                 `json:"id,omitempty"`
	AccountID         string                 `json:"account_id" validate:"notblank"`
	Recipient         domain.Recipient       `json:"recipient"`
	Recipients        []domain.Recipient     `json:"recipients,omitempty"`
	EventType         string                 `json:"event_type"`
	Title             string                 `json:"title,omitempty"`
	DefaultMessage    string                 `json:"default_message,omitempty"`
	EventDate         string                 `json:"event_date" validate:"required,datetime=2006-01-02"`
	EventTime         string                 `json:"event_time,omitempty"`
	Recurrence        string                 `json:"recurrence,omitempty" validate:"omitempty,oneofci=once yearly custom"`
	AdvanceNoticeDays int                    `json:"advance_notice_days,omitempty" validate:"min=0"`
	SendOnDay         bool                   `json:"send_on_day,omitempty"`
	TemplateRef       string                 `json:"template_ref,omitempty"`
	CustomMessage     string                 `json:"custom_message,omitempty"`
	Fields            map[string]string      `json:"fields,omitempty"`
	Channels          map[string]overrideDTO `json:"channels" validate:"dive,keys,channelname,endkeys"`
}

func (req eventRequest) event() (domain.Event, error) {
	d, err := domain.ParseDate(req.EventDate)
	if err != nil {
		return domain.Event{}, err
	}
	c, err := domain.ParseClock(req.EventTime)
	if err != nil {
		return domain.Event{}, err
	}
	rec := domain.Recurrence(strings.ToLower(strings.TrimSpace(req.Recurrence)))
	if rec == "" {
		rec = domain.RecurOnce
	}
	ev := domain.Event{
		ID:                req.ID,
		AccountID:         req.AccountID,
		EventType:         req.EventType,
		Title:             req.Title,
		DefaultMessage:    req.DefaultMessage,
		EventDate:         d,
		EventTime:         c,
		Recurrence:        rec,
		AdvanceNoticeDays: req.AdvanceNoticeDays,
		SendOnDay:         req.SendOnDay,
		TemplateRef:       req.TemplateRef,
		CustomMessage:     req.CustomMessage,
		Fields:            req.Fields,
		Recipient:         req.Recipient,
		Channels:          map[domain.Channel]domain.ChannelOverride{},
	}
	for name, o := range req.Channels {
		ch, err := domain.ParseChannel(name)
		if err != nil {
			return domain.Event{}, err
		}
		ev.Channels[ch] = domain.ChannelOverride{Subject: o.Subject, Body: o.Body}
	}
	return ev, nil
}

type eventResponse struct {
	ID            string     `json:"id,omitempty"`
	IDs           []string   `json:"ids,omitempty"`
	NextExecution *time.Time `json:"next_execution,omitempty"`
	Error         string     `json:"error,omitempty"`
}

func (s *Server) createEvents(w http.ResponseWriter, r *http.Request) {
	var req eventRequest
	if !s.decodeValid(w, r, &req) {
		return
	}
	ev, err := req.event()
	if err != nil {
		writeError(w, badRequest(err))
		return
	}
	if len(req.Recipients) > 0 {
		ids, err := s.deps.Events.ScheduleBulk(r.Context(), ev, req.Recipients)
		resp := eventResponse{IDs: ids}
		status := http.StatusCreated
		if err != nil {
			resp.Error = err.Error()
			status = http.StatusMultiStatus
			if len(ids) == 0 {
				writeError(w, err)
				return
			}
		}
		writeJSON(w, status, resp)
		return
	}
	if err := s.deps.Events.Schedule(r.Context(), &ev); err != nil {
		writeError(w, err)
		return
	}
	s.log.Info("event scheduled", logx.String("event_id", ev.ID), logx.String("account_id", ev.AccountID))
	writeJSON(w, http.StatusCreated, eventResponse{ID: ev.ID, NextExecution: ev.NextExecution})
}

func (s *Server) cancelEvent(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Events.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) rescheduleEvent(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	next, err := s.deps.Events.Reschedule(r.Context(), id)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, eventResponse{ID: id, NextExecution: next})
}

type notificationRequest struct {
	AccountID    string          `json:"account_id"`
	Channel      string          `json:"channel" validate:"required,channelname"`
	To           []addressDTO    `json:"to" validate:"required,min=1,dive"`
	Subject      string          `json:"subject,omitempty"`
	Body         string          `json:"body" validate:"required_without=Attachments"`
	Attachments  []string        `json:"attachments,omitempty" validate:"dive,notblank"`
	Priority     domain.Priority `json:"priority" validate:"min=0,max=3"`
	ScheduledFor *time.Time      `json:"scheduled_for,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty" validate:"min=0"`
}

type addressDTO struct {
	Address string `json:"address" validate:"notblank"`
	Name    string `json:"name,omitempty"`
}

func (s *Server) createNotifications(w http.ResponseWriter, r *http.Request) {
	req := notificationRequest{Priority: domain.PriorityNormal}
	if !s.decodeValid(w, r, &req) {
		return
	}
	entries := make([]*domain.QueueEntry, 0, len(req.To))
	for _, to := range req.To {
		e := &domain.QueueEntry{
			AccountID:        req.AccountID,
			Channel:          domain.Channel(strings.ToLower(strings.TrimSpace(req.Channel))),
			RecipientAddress: to.Address,
			RecipientName:    to.Name,
			Subject:          req.Subject,
			Body:             req.Body,
			Attachments:      req.Attachments,
			Priority:         req.Priority,
			MaxAttempts:      req.MaxAttempts,
		}
		if req.ScheduledFor != nil {
			e.ScheduledFor = *req.ScheduledFor
		}
		entries = append(entries, e)
	}
	var err error
	if len(entries) == 1 {
		err = s.deps.Queue.Enqueue(r.Context(), entries[0])
	} else {
		err = s.deps.Queue.EnqueueBulk(r.Context(), entries)
	}
	if err != nil {
		writeError(w, err)
		return
	}
	ids := make([]string, len(entries))
	for i, e := range entries {
		ids[i] = e.ID
	}
	writeJSON(w, http.StatusCreated, map[string]any{"ids": ids})
}

type entryDTO struct {
	ID           string     `json:"id"`
	EventID      string     `json:"event_id,omitempty"`
	Channel      string     `json:"channel"`
	Recipient    string     `json:"recipient"`
	Status       string     `json:"status"`
	Priority     string     `json:"priority"`
	Attempts     int        `json:"attempts"`
	MaxAttempts  int        `json:"max_attempts"`
	ScheduledFor time.Time  `json:"scheduled_for"`
	RetryAfter   *time.Time `json:"retry_after,omitempty"`
	SentAt       *time.Time `json:"sent_at,omitempty"`
	LastError    string     `json:"last_error,omitempty"`
}

func (s *Server) getNotification(w http.ResponseWriter, r *http.Request) {
	e, err := s.deps.Queue.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entryDTO{
		ID:           e.ID,
		EventID:      e.EventID,
		Channel:      string(e.Channel),
		Recipient:    e.RecipientAddress,
		Status:       string(e.Status),
		Priority:     e.Priority.String(),
		Attempts:     e.Attempts,
		MaxAttempts:  e.MaxAttempts,
		ScheduledFor: e.ScheduledFor,
		RetryAfter:   e.RetryAfter,
		SentAt:       e.SentAt,
		LastError:    e.LastError,
	})
}

func (s *Server) cancelNotification(w http.ResponseWriter, r *http.Request) {
	if err := s.deps.Queue.Cancel(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) listTasks(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"tasks":   s.deps.Tasks.Tasks(),
		"history": s.deps.Tasks.History(),
	})
}

func (s *Server) supervisorStats(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Supervisor())
}

func (s *Server) runTask(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "name")
	// The run outlives the request's timeout middleware.
	ctx := context.WithoutCancel(r.Context())
	if err := s.deps.Tasks.RunNow(ctx, name); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// ---- helpers ----

type badRequestError struct{ err error }

func (e badRequestError) Error() string { return e.err.Error() }
func (e badRequestError) Unwrap() error { return e.err }

func badRequest(err error) error { return badRequestError{err: err} }

var validationErrors = []error{
	domain.ErrEventID,
	domain.ErrEventAccount,
	domain.ErrEventDate,
	domain.ErrEventRecurrence,
	domain.ErrAdvanceNotice,
	domain.ErrUnknownChannel,
	queue.ErrInvalidEntry,
}

func statusFor(err error) int {
	var br badRequestError
	if errors.As(err, &br) {
		return http.StatusBadRequest
	}
	for _, v := range validationErrors {
		if errors.Is(err, v) {
			return http.StatusBadRequest
		}
	}
	switch {
	case errors.Is(err, storage.ErrNotFound), errors.Is(err, task.ErrUnknownTask):
		return http.StatusNotFound
	case errors.Is(err, storage.ErrConflict),
		errors.Is(err, scheduler.ErrNotFailed),
		errors.Is(err, scheduler.ErrTerminal),
		errors.Is(err, queue.ErrTerminal),
		errors.Is(err, task.ErrRunning):
		return http.StatusConflict
	}
	return http.StatusInternalServerError
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, statusFor(err), map[string]string{"error": err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, 1<<20))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeError(w, badRequest(fmt.Errorf("invalid request body: %w", err)))
		return false
	}
	return true
}

// decodeValid decodes the body and checks its validate tags.
func (s *Server) decodeValid(w http.ResponseWriter, r *http.Request, v any) bool {
	if !decode(w, r, v) {
		return false
	}
	if err := s.validate.StructCtx(r.Context(), v); err != nil {
		writeError(w, badRequest(validate.Fields(err)))
		return false
	}
	return true
}
