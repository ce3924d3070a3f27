package reconcile

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/metrics"
	"github.com/LeventeLantos/guest-messaging/internal/model"
	"github.com/LeventeLantos/guest-messaging/internal/phone"
	"github.com/LeventeLantos/guest-messaging/internal/repo"
	"github.com/LeventeLantos/guest-messaging/internal/sideeffect"
)

const (
	MatchProviderID = "provider_id"
	MatchPhone      = "phone"
	MatchNone       = "none"
)

// hardBlockCodes are carrier error codes after which the number must not be
// texted again: unsubscribed, not a mobile number, landline or unreachable,
// and carrier filtering.
var hardBlockCodes = map[string]bool{
	"21610": true,
	"21614": true,
	"30004": true,
	"30005": true,
	"30006": true,
	"30007": true,
}

func IsHardBlock(code string) bool { return hardBlockCodes[strings.TrimSpace(code)] }

type Store interface {
	repo.DeliveryStore
	SetCarrierOptOut(ctx context.Context, phone, code string, at time.Time) (int64, error)
	ClearCarrierOptOut(ctx context.Context, phone string) (int64, error)
}

type Publisher interface {
	Publish(u model.DeliveryUpdate) int
}

// Callback is a verified carrier status callback.
type Callback struct {
	MessageSID    string
	MessageStatus string
	To            string
	ErrorCode     string
	ErrorMessage  string
}

type Outcome struct {
	DeliveryID uuid.UUID
	Status     model.DeliveryStatus
	Match      string
	Applied    bool
}

type Reconciler struct {
	store     Store
	publisher Publisher
	logger    *slog.Logger
	now       func() time.Time
}

func New(store Store, publisher Publisher, logger *slog.Logger) *Reconciler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Reconciler{
		store:     store,
		publisher: publisher,
		logger:    logger,
		now:       func() time.Time { return time.Now().UTC() },
	}
}

// Handle applies cb to the matching delivery row. A callback that matches no
// row is not an error. Returned errors are bookkeeping failures; callers
// still acknowledge the callback.
func (r *Reconciler) Handle(ctx context.Context, cb Callback) (Outcome, error) {
	status, known := model.SMSStatusFromProvider(cb.MessageStatus)
	out := Outcome{Status: status, Match: MatchNone}
	log := r.logger.With("provider_message_id", cb.MessageSID, "status", cb.MessageStatus)

	if !known {
		log.Warn("unknown carrier status, treating as pending")
	}

	d, match, err := r.match(ctx, cb)
	if err != nil {
		metrics.WebhookCallbacksTotal.WithLabelValues(string(status), "error").Inc()
		return out, err
	}
	out.Match = match
	metrics.WebhookCallbacksTotal.WithLabelValues(string(status), match).Inc()
	if match == MatchNone {
		log.Info("status callback matched no delivery", "phone", phone.Mask(cb.To))
		// The carrier verdict is about the number, not the row; it may be
		// ahead of the delivery write.
		if to, err := phone.Normalize(cb.To); err == nil {
			r.syncOptOut(ctx, log, to, status, cb.ErrorCode)
		}
		return out, nil
	}
	out.DeliveryID = d.ID
	log = log.With("delivery_id", d.ID)

	applied, err := r.store.AdvanceSMSStatus(ctx, d.ID, status, optional(cb.ErrorCode), optional(cb.ErrorMessage))
	if err != nil {
		return out, fmt.Errorf("advance delivery %s: %w", d.ID, err)
	}
	out.Applied = applied

	// Aggregates are bookkeeping; a failure there must not hold back the
	// opt-out or the live update.
	var recomputeErr error
	if status.IsTerminal() {
		recomputeErr = r.recompute(ctx, d)
	}

	r.syncOptOut(ctx, log, d.Phone, status, cb.ErrorCode)

	if applied && r.publisher != nil {
		r.publisher.Publish(model.DeliveryUpdate{
			EventID:           d.EventID,
			DeliveryID:        d.ID,
			GuestID:           d.GuestID,
			ProviderMessageID: cb.MessageSID,
			Status:            status,
			ErrorCode:         cb.ErrorCode,
			At:                r.now(),
		})
	}

	if recomputeErr != nil {
		return out, recomputeErr
	}
	log.Debug("status callback reconciled", "applied", applied, "match", match)
	return out, nil
}

// match finds the row by provider id, falling back to the newest row for
// the destination that has no provider id yet. The fallback row is
// backfilled so later callbacks match directly.
func (r *Reconciler) match(ctx context.Context, cb Callback) (model.MessageDelivery, string, error) {
	d, err := r.store.DeliveryByProviderID(ctx, cb.MessageSID)
	if err == nil {
		return d, MatchProviderID, nil
	}
	if !errors.Is(err, model.ErrNotFound) {
		return model.MessageDelivery{}, "", fmt.Errorf("find delivery by provider id: %w", err)
	}

	to, err := phone.Normalize(cb.To)
	if err != nil {
		return model.MessageDelivery{}, MatchNone, nil
	}

	d, err = r.store.LatestUnassignedDeliveryByPhone(ctx, to)
	if errors.Is(err, model.ErrNotFound) {
		return model.MessageDelivery{}, MatchNone, nil
	}
	if err != nil {
		return model.MessageDelivery{}, "", fmt.Errorf("find delivery by phone: %w", err)
	}

	ok, err := r.store.BackfillProviderID(ctx, d.ID, cb.MessageSID)
	if err != nil {
		return model.MessageDelivery{}, "", fmt.Errorf("backfill provider id: %w", err)
	}
	if !ok {
		// Another callback backfilled this row first.
		d, err = r.store.DeliveryByProviderID(ctx, cb.MessageSID)
		if errors.Is(err, model.ErrNotFound) {
			return model.MessageDelivery{}, MatchNone, nil
		}
		if err != nil {
			return model.MessageDelivery{}, "", fmt.Errorf("find delivery by provider id: %w", err)
		}
		return d, MatchProviderID, nil
	}
	pid := cb.MessageSID
	d.ProviderMessageID = &pid
	return d, MatchPhone, nil
}

// recompute rewrites the aggregates of every parent d references from its
// sibling rows.
func (r *Reconciler) recompute(ctx context.Context, d model.MessageDelivery) error {
	var errs []error
	if d.MessageID != nil {
		if _, err := r.store.RecomputeMessageCounts(ctx, *d.MessageID); err != nil {
			errs = append(errs, fmt.Errorf("message %s: %w", *d.MessageID, err))
		}
	}
	if d.ScheduledMessageID != nil {
		if _, err := r.store.RecomputeScheduledCounts(ctx, *d.ScheduledMessageID); err != nil {
			errs = append(errs, fmt.Errorf("scheduled message %s: %w", *d.ScheduledMessageID, err))
		}
	}
	return errors.Join(errs...)
}

func (r *Reconciler) syncOptOut(ctx context.Context, log *slog.Logger, to string, status model.DeliveryStatus, code string) {
	switch {
	case IsHardBlock(code):
		sideeffect.Run(ctx, log, "carrier_opt_out", func(ctx context.Context) error {
			n, err := r.store.SetCarrierOptOut(ctx, to, strings.TrimSpace(code), r.now())
			recordOptOut("set", n, err)
			if n > 0 {
				log.Info("guest opted out after carrier hard block", "phone", phone.Mask(to), "error_code", code, "guests", n)
			}
			return err
		})
	case status == model.DeliveryDelivered:
		sideeffect.Run(ctx, log, "carrier_opt_in", func(ctx context.Context) error {
			n, err := r.store.ClearCarrierOptOut(ctx, to)
			recordOptOut("clear", n, err)
			if n > 0 {
				log.Info("carrier opt-out cleared after delivery", "phone", phone.Mask(to), "guests", n)
			}
			return err
		})
	}
}

func recordOptOut(action string, n int64, err error) {
	result := "noop"
	switch {
	case err != nil:
		result = "error"
	case n > 0:
		result = "changed"
	}
	metrics.OptOutSyncTotal.WithLabelValues(action, result).Inc()
}

func optional(s string) *string {
	s = strings.TrimSpace(s)
	if s == "" {
		return nil
	}
	return &s
}
