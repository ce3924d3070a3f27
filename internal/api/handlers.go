package api

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/dispatch"
	"github.com/LeventeLantos/guest-messaging/internal/model"
	"github.com/LeventeLantos/guest-messaging/internal/phone"
	"github.com/LeventeLantos/guest-messaging/internal/reconcile"
	"github.com/LeventeLantos/guest-messaging/internal/recipient"
	"github.com/LeventeLantos/guest-messaging/internal/scheduler"
)

const maxBodyBytes = 1 << 20

type Dispatcher interface {
	RunTick(ctx context.Context) (dispatch.Summary, error)
	Schedule(ctx context.Context, req dispatch.ScheduleRequest) (model.ScheduledMessage, error)
	Cancel(ctx context.Context, id uuid.UUID) error
}

type Reconciler interface {
	Handle(ctx context.Context, cb reconcile.Callback) (reconcile.Outcome, error)
}

type Subscriber interface {
	Subscribe(eventID uuid.UUID) (<-chan model.DeliveryUpdate, func())
}

type Scheduler interface {
	Start() bool
	Stop() bool
	Status() scheduler.Status
}

// Deps wires a Handler. Scheduler may be nil when the in-process ticker is
// disabled; its routes are then not mounted.
type Deps struct {
	Dispatcher Dispatcher
	Resolver   dispatch.Resolver
	Reconciler Reconciler
	Live       Subscriber
	Scheduler  Scheduler

	CronSecret string
	// WebhookAuthToken is the carrier auth token used to verify callbacks.
	WebhookAuthToken string
	// WebhookURL is the public callback URL the carrier signs. Empty means
	// rebuild it from the request.
	WebhookURL string

	Logger *slog.Logger
}

type Handler struct {
	dispatcher Dispatcher
	resolver   dispatch.Resolver
	reconciler Reconciler
	live       Subscriber
	sched      Scheduler

	cronSecret string
	authToken  string
	webhookURL string

	logger *slog.Logger
}

func NewHandler(d Deps) *Handler {
	logger := d.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		dispatcher: d.Dispatcher,
		resolver:   d.Resolver,
		reconciler: d.Reconciler,
		live:       d.Live,
		sched:      d.Scheduler,
		cronSecret: d.CronSecret,
		authToken:  d.WebhookAuthToken,
		webhookURL: d.WebhookURL,
		logger:     logger.With("component", "api"),
	}
}

func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

// requireSecret accepts the cron secret as a bearer token, or as the
// access_token query parameter for websocket clients that cannot set headers.
func (h *Handler) requireSecret(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok {
			token = r.URL.Query().Get("access_token")
		}
		if h.cronSecret == "" || subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(h.cronSecret)) != 1 {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) RunDispatch(w http.ResponseWriter, r *http.Request) {
	sum, err := h.dispatcher.RunTick(r.Context())
	if err != nil {
		h.logger.Error("dispatch run failed", "error", err)
		writeError(w, http.StatusInternalServerError, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sum)
}

type previewRecipient struct {
	ID          uuid.UUID `json:"id"`
	DisplayName string    `json:"displayName"`
	Phone       string    `json:"phone"`
}

// PreviewRecipients resolves a filter without sending anything. It runs the
// same resolver the dispatch worker uses.
func (h *Handler) PreviewRecipients(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}

	raw, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read body")
		return
	}
	f, err := recipient.ParseFilter(raw)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	refs, err := h.resolver.Resolve(r.Context(), eventID, f)
	if err != nil {
		h.writeInternal(w, "recipient preview failed", err)
		return
	}

	out := make([]previewRecipient, 0, len(refs))
	for _, ref := range refs {
		out = append(out, previewRecipient{ID: ref.ID, DisplayName: ref.DisplayName, Phone: phone.Mask(ref.Phone)})
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"count":      len(out),
		"filter":     f.Kind(),
		"recipients": out,
	})
}

type scheduleBody struct {
	Content     string          `json:"content"`
	MessageType string          `json:"messageType"`
	Filter      json.RawMessage `json:"filter"`
	SendViaSMS  *bool           `json:"sendViaSms"`
	SendViaPush bool            `json:"sendViaPush"`
	SendAt      time.Time       `json:"sendAt"`
}

type scheduledView struct {
	ID       uuid.UUID             `json:"id"`
	EventID  uuid.UUID             `json:"eventId"`
	Status   model.ScheduledStatus `json:"status"`
	SendAt   time.Time             `json:"sendAt"`
	EventTag string                `json:"eventTag,omitempty"`
}

func (h *Handler) CreateScheduled(w http.ResponseWriter, r *http.Request) {
	eventID, ok := pathUUID(w, r, "eventID")
	if !ok {
		return
	}

	var body scheduleBody
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	f, err := recipient.ParseFilter(body.Filter)
	if err != nil {
		writeServiceError(w, err)
		return
	}

	viaSMS := true
	if body.SendViaSMS != nil {
		viaSMS = *body.SendViaSMS
	}

	sm, err := h.dispatcher.Schedule(r.Context(), dispatch.ScheduleRequest{
		EventID:     eventID,
		Content:     body.Content,
		MessageType: body.MessageType,
		Filter:      f,
		SendViaSMS:  viaSMS,
		SendViaPush: body.SendViaPush,
		SendAt:      body.SendAt,
	})
	if err != nil {
		if !isClientError(err) {
			h.logger.Error("schedule message failed", "event_id", eventID, "error", err)
		}
		writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, scheduledView{
		ID:       sm.ID,
		EventID:  sm.EventID,
		Status:   sm.Status,
		SendAt:   sm.SendAt,
		EventTag: sm.EventTag,
	})
}

func (h *Handler) CancelScheduled(w http.ResponseWriter, r *http.Request) {
	id, ok := pathUUID(w, r, "id")
	if !ok {
		return
	}

	if err := h.dispatcher.Cancel(r.Context(), id); err != nil {
		if !isClientError(err) {
			h.logger.Error("cancel scheduled message failed", "scheduled_message_id", id, "error", err)
		}
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "status": model.Cancelled})
}

func (h *Handler) SchedulerStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStart(w http.ResponseWriter, r *http.Request) {
	h.sched.Start()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func (h *Handler) SchedulerStop(w http.ResponseWriter, r *http.Request) {
	h.sched.Stop()
	writeJSON(w, http.StatusOK, h.sched.Status())
}

func pathUUID(w http.ResponseWriter, r *http.Request, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, name))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid "+name)
		return uuid.Nil, false
	}
	return id, true
}

func isClientError(err error) bool {
	return errors.Is(err, model.ErrInvalidRequest) ||
		errors.Is(err, model.ErrNotFound) ||
		errors.Is(err, dispatch.ErrNotCancellable)
}

func writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, model.ErrInvalidRequest):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, model.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, dispatch.ErrNotCancellable):
		writeError(w, http.StatusConflict, err.Error())
	default:
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func (h *Handler) writeInternal(w http.ResponseWriter, msg string, err error) {
	if isClientError(err) {
		writeServiceError(w, err)
		return
	}
	h.logger.Error(msg, "error", err)
	writeError(w, http.StatusInternalServerError, "internal error")
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
