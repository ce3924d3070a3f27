package repo

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/model"
)

// ScheduledStore holds scheduled messages. Claim, Finalize and Cancel are
// conditional single-row updates and report whether the row moved.
type ScheduledStore interface {
	CreateScheduled(ctx context.Context, m *model.ScheduledMessage) error
	FetchDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error)
	GetScheduled(ctx context.Context, id uuid.UUID) (model.ScheduledMessage, error)
	Claim(ctx context.Context, id uuid.UUID) (bool, error)
	Finalize(ctx context.Context, id uuid.UUID, f Finalization) (bool, error)
	Cancel(ctx context.Context, id uuid.UUID) (bool, error)
}

// Finalization is the terminal write of a claimed scheduled message.
type Finalization struct {
	Status       model.ScheduledStatus
	SuccessCount int
	FailureCount int
	LastError    *string
	At           time.Time
}

type MessageStore interface {
	CreateMessage(ctx context.Context, m *model.Message) error
	InsertDeliveries(ctx context.Context, ds []model.MessageDelivery) error
}

type DeliveryStore interface {
	DeliveryByProviderID(ctx context.Context, providerID string) (model.MessageDelivery, error)
	// LatestUnassignedDeliveryByPhone returns the newest delivery to phone
	// that has no provider id yet.
	LatestUnassignedDeliveryByPhone(ctx context.Context, phone string) (model.MessageDelivery, error)
	BackfillProviderID(ctx context.Context, deliveryID uuid.UUID, providerID string) (bool, error)
	AdvanceSMSStatus(ctx context.Context, deliveryID uuid.UUID, to model.DeliveryStatus, errorCode, errorMessage *string) (bool, error)

	CountByMessage(ctx context.Context, messageID uuid.UUID) (model.DeliveryCounts, error)
	CountByScheduled(ctx context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error)
	// RecomputeMessageCounts rewrites delivered_count and failed_count of a
	// message from its delivery rows. Count and write are atomic per parent.
	RecomputeMessageCounts(ctx context.Context, messageID uuid.UUID) (model.DeliveryCounts, error)
	// RecomputeScheduledCounts does the same for success_count and
	// failure_count of a scheduled message.
	RecomputeScheduledCounts(ctx context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error)
}

type GuestStore interface {
	ListGuests(ctx context.Context, eventID uuid.UUID) ([]model.Guest, error)
	EventTag(ctx context.Context, eventID uuid.UUID) (string, error)
	NeedsNotice(ctx context.Context, guestID uuid.UUID) (bool, error)
	MarkNoticeSent(ctx context.Context, guestIDs []uuid.UUID, at time.Time) error
	// SetCarrierOptOut opts out every guest with phone and records the
	// carrier code. It returns the number of guests changed.
	SetCarrierOptOut(ctx context.Context, phone, code string, at time.Time) (int64, error)
	// ClearCarrierOptOut reverses SetCarrierOptOut for phone. Opt-outs the
	// guest asked for themselves are left alone.
	ClearCarrierOptOut(ctx context.Context, phone string) (int64, error)
}

type Store interface {
	ScheduledStore
	MessageStore
	DeliveryStore
	GuestStore
}
