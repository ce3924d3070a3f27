package repo

import (
	"context"
	"errors"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/model"
	"github.com/LeventeLantos/guest-messaging/internal/phone"
)

// Memory is an in-process Store. Conditional updates run under one mutex,
// which gives them the same at-most-once semantics as the SQL versions.
type Memory struct {
	mu         sync.Mutex
	events     map[uuid.UUID]model.Event
	guests     map[uuid.UUID]model.Guest
	scheduled  map[uuid.UUID]model.ScheduledMessage
	messages   map[uuid.UUID]model.Message
	deliveries []model.MessageDelivery
	now        func() time.Time
}

var _ Store = (*Memory)(nil)

func NewMemory() *Memory {
	return &Memory{
		events:    make(map[uuid.UUID]model.Event),
		guests:    make(map[uuid.UUID]model.Guest),
		scheduled: make(map[uuid.UUID]model.ScheduledMessage),
		messages:  make(map[uuid.UUID]model.Message),
		now:       func() time.Time { return time.Now().UTC() },
	}
}

func (m *Memory) AddEvent(e model.Event) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.events[e.ID] = e
}

func (m *Memory) AddGuest(g model.Guest) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g.Tags = slices.Clone(g.Tags)
	m.guests[g.ID] = g
}

func (m *Memory) Guest(id uuid.UUID) (model.Guest, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[id]
	return g, ok
}

func (m *Memory) Message(id uuid.UUID) (model.Message, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	msg, ok := m.messages[id]
	return msg, ok
}

// Deliveries returns a copy of every delivery row in insertion order.
func (m *Memory) Deliveries() []model.MessageDelivery {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Clone(m.deliveries)
}

func (m *Memory) CreateScheduled(_ context.Context, s *model.ScheduledMessage) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.events[s.EventID]
	if !ok {
		return model.ErrNotFound
	}
	if s.ID == uuid.Nil {
		s.ID = uuid.New()
	}
	now := m.now()
	s.Status = model.Scheduled
	s.EventTag = e.SMSTag
	s.CreatedAt, s.UpdatedAt = now, now
	m.scheduled[s.ID] = *s
	return nil
}

func (m *Memory) FetchDue(_ context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.ScheduledMessage
	for _, s := range m.scheduled {
		if s.Status == model.Scheduled && !s.SendAt.After(now) {
			out = append(out, s)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SendAt.Before(out[j].SendAt) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) GetScheduled(_ context.Context, id uuid.UUID) (model.ScheduledMessage, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	if !ok {
		return model.ScheduledMessage{}, model.ErrNotFound
	}
	return s, nil
}

func (m *Memory) transition(id uuid.UUID, from, to model.ScheduledStatus) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.scheduled[id]
	if !ok || s.Status != from {
		return false
	}
	s.Status = to
	s.UpdatedAt = m.now()
	m.scheduled[id] = s
	return true
}

func (m *Memory) Claim(_ context.Context, id uuid.UUID) (bool, error) {
	return m.transition(id, model.Scheduled, model.Sending), nil
}

func (m *Memory) Cancel(_ context.Context, id uuid.UUID) (bool, error) {
	return m.transition(id, model.Scheduled, model.Cancelled), nil
}

func (m *Memory) Finalize(_ context.Context, id uuid.UUID, f Finalization) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scheduled[id]
	if !ok || s.Status != model.Sending {
		return false, nil
	}
	s.Status = f.Status
	s.SuccessCount = f.SuccessCount
	s.FailureCount = f.FailureCount
	s.LastError = f.LastError
	if f.Status == model.Sent || f.Status == model.PartiallyFailed {
		at := f.At
		s.SentAt = &at
	}
	s.UpdatedAt = f.At
	m.scheduled[id] = s
	return true, nil
}

func (m *Memory) CreateMessage(_ context.Context, msg *model.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if msg.ID == uuid.Nil {
		msg.ID = uuid.New()
	}
	msg.CreatedAt = m.now()
	m.messages[msg.ID] = *msg
	return nil
}

func (m *Memory) InsertDeliveries(_ context.Context, ds []model.MessageDelivery) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	for i := range ds {
		d := &ds[i]
		if d.ID == uuid.Nil {
			d.ID = uuid.New()
		}
		if d.ProviderMessageID != nil {
			for _, existing := range m.deliveries {
				if existing.ProviderMessageID != nil && *existing.ProviderMessageID == *d.ProviderMessageID {
					return errors.New("duplicate provider message id")
				}
			}
		}
		if d.CreatedAt.IsZero() {
			d.CreatedAt = now
		}
		d.UpdatedAt = d.CreatedAt
		if g, ok := m.guests[d.GuestID]; ok {
			d.EventID = g.EventID
		}
	}
	m.deliveries = append(m.deliveries, ds...)
	return nil
}

func (m *Memory) DeliveryByProviderID(_ context.Context, providerID string) (model.MessageDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, d := range m.deliveries {
		if d.ProviderMessageID != nil && *d.ProviderMessageID == providerID {
			return d, nil
		}
	}
	return model.MessageDelivery{}, model.ErrNotFound
}

func (m *Memory) LatestUnassignedDeliveryByPhone(_ context.Context, to string) (model.MessageDelivery, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	found := -1
	for i, d := range m.deliveries {
		if d.Phone != to || d.ProviderMessageID != nil {
			continue
		}
		if found < 0 || !d.CreatedAt.Before(m.deliveries[found].CreatedAt) {
			found = i
		}
	}
	if found < 0 {
		return model.MessageDelivery{}, model.ErrNotFound
	}
	return m.deliveries[found], nil
}

func (m *Memory) delivery(id uuid.UUID) *model.MessageDelivery {
	for i := range m.deliveries {
		if m.deliveries[i].ID == id {
			return &m.deliveries[i]
		}
	}
	return nil
}

func (m *Memory) BackfillProviderID(_ context.Context, deliveryID uuid.UUID, providerID string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.delivery(deliveryID)
	if d == nil || d.ProviderMessageID != nil {
		return false, nil
	}
	pid := providerID
	d.ProviderMessageID = &pid
	d.UpdatedAt = m.now()
	return true, nil
}

func (m *Memory) AdvanceSMSStatus(_ context.Context, deliveryID uuid.UUID, to model.DeliveryStatus, errorCode, errorMessage *string) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	d := m.delivery(deliveryID)
	if d == nil || !slices.Contains(model.AdvanceableFrom(to), d.SMSStatus) {
		return false, nil
	}
	d.SMSStatus = to
	if errorCode != nil {
		d.ErrorCode = errorCode
	}
	if errorMessage != nil {
		d.ErrorMessage = errorMessage
	}
	d.UpdatedAt = m.now()
	return true, nil
}

// countLocked expects m.mu to be held.
func (m *Memory) countLocked(match func(model.MessageDelivery) bool) model.DeliveryCounts {
	var c model.DeliveryCounts
	for _, d := range m.deliveries {
		if !match(d) {
			continue
		}
		c.Add(d)
	}
	return c
}

func byMessage(id uuid.UUID) func(model.MessageDelivery) bool {
	return func(d model.MessageDelivery) bool { return d.MessageID != nil && *d.MessageID == id }
}

func byScheduled(id uuid.UUID) func(model.MessageDelivery) bool {
	return func(d model.MessageDelivery) bool {
		return d.ScheduledMessageID != nil && *d.ScheduledMessageID == id
	}
}

func (m *Memory) CountByMessage(_ context.Context, messageID uuid.UUID) (model.DeliveryCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(byMessage(messageID)), nil
}

func (m *Memory) CountByScheduled(_ context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.countLocked(byScheduled(scheduledID)), nil
}

func (m *Memory) RecomputeMessageCounts(_ context.Context, messageID uuid.UUID) (model.DeliveryCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	msg, ok := m.messages[messageID]
	if !ok {
		return model.DeliveryCounts{}, model.ErrNotFound
	}
	c := m.countLocked(byMessage(messageID))
	msg.DeliveredCount = c.Delivered
	msg.FailedCount = c.Failures()
	m.messages[messageID] = msg
	return c, nil
}

func (m *Memory) RecomputeScheduledCounts(_ context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s, ok := m.scheduled[scheduledID]
	if !ok {
		return model.DeliveryCounts{}, model.ErrNotFound
	}
	c := m.countLocked(byScheduled(scheduledID))
	s.SuccessCount = c.Succeeded()
	s.FailureCount = c.Failures()
	s.UpdatedAt = m.now()
	m.scheduled[scheduledID] = s
	return c, nil
}

func (m *Memory) ListGuests(_ context.Context, eventID uuid.UUID) ([]model.Guest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var out []model.Guest
	for _, g := range m.guests {
		if g.EventID == eventID {
			g.Tags = slices.Clone(g.Tags)
			out = append(out, g)
		}
	}
	return out, nil
}

func (m *Memory) EventTag(_ context.Context, eventID uuid.UUID) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.events[eventID]
	if !ok {
		return "", model.ErrNotFound
	}
	return e.SMSTag, nil
}

func (m *Memory) NeedsNotice(_ context.Context, guestID uuid.UUID) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	g, ok := m.guests[guestID]
	if !ok {
		return false, model.ErrNotFound
	}
	return g.FirstSMSSentAt == nil, nil
}

func (m *Memory) MarkNoticeSent(_ context.Context, guestIDs []uuid.UUID, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range guestIDs {
		g, ok := m.guests[id]
		if !ok || g.FirstSMSSentAt != nil {
			continue
		}
		t := at
		g.FirstSMSSentAt = &t
		m.guests[id] = g
	}
	return nil
}

func (m *Memory) SetCarrierOptOut(_ context.Context, e164, code string, at time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, g := range m.guests {
		if g.SMSOptOut || !samePhone(g.Phone, e164) {
			continue
		}
		t, c := at, code
		g.SMSOptOut = true
		g.CarrierOptedOutAt = &t
		g.CarrierOptOutCode = &c
		m.guests[id] = g
		n++
	}
	return n, nil
}

func (m *Memory) ClearCarrierOptOut(_ context.Context, e164 string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var n int64
	for id, g := range m.guests {
		if g.CarrierOptedOutAt == nil || !samePhone(g.Phone, e164) {
			continue
		}
		g.SMSOptOut = false
		g.CarrierOptedOutAt = nil
		g.CarrierOptOutCode = nil
		m.guests[id] = g
		n++
	}
	return n, nil
}

// samePhone reports whether a stored guest phone, in whatever format it was
// entered, is the E.164 number e164.
func samePhone(stored, e164 string) bool {
	n, err := phone.Normalize(stored)
	return err == nil && n == e164
}
