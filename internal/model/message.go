package model

import (
	"time"

	"github.com/google/uuid"
)

type ScheduledStatus string

const (
	Scheduled       ScheduledStatus = "scheduled"
	Sending         ScheduledStatus = "sending"
	Sent            ScheduledStatus = "sent"
	PartiallyFailed ScheduledStatus = "partially_failed"
	Failed          ScheduledStatus = "failed"
	Cancelled       ScheduledStatus = "cancelled"
)

func (s ScheduledStatus) IsTerminal() bool {
	switch s {
	case Sent, PartiallyFailed, Failed, Cancelled:
		return true
	default:
		return false
	}
}

// FinalStatus derives the terminal status of a dispatch from its counts.
func FinalStatus(succeeded, failed int) ScheduledStatus {
	switch {
	case succeeded == 0:
		return Failed
	case failed > 0:
		return PartiallyFailed
	default:
		return Sent
	}
}

// Targeting holds the recipient selection columns stored on a scheduled row.
// FilterJSON, when present, takes precedence over the discrete columns.
type Targeting struct {
	AllGuests      bool
	GuestIDs       []uuid.UUID
	GuestTags      []string
	RequireAllTags bool
	RSVPStatuses   []string
	FilterJSON     []byte
}

type ScheduledMessage struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	Content     string
	MessageType string
	Targeting   Targeting
	SendViaSMS  bool
	SendViaPush bool
	// EventTag is denormalized at creation time for the header safety net.
	EventTag     string
	Status       ScheduledStatus
	SendAt       time.Time
	SuccessCount int
	FailureCount int
	LastError    *string
	SentAt       *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Message is the durable record of a dispatched message. Immediate and
// scheduled sends share this shape so deliveries always reference one.
type Message struct {
	ID                 uuid.UUID
	EventID            uuid.UUID
	ScheduledMessageID *uuid.UUID
	Content            string
	MessageType        string
	RecipientCount     int
	DeliveredCount     int
	FailedCount        int
	CreatedAt          time.Time
}

type MessageDelivery struct {
	ID                 uuid.UUID
	MessageID          *uuid.UUID
	ScheduledMessageID *uuid.UUID
	GuestID            uuid.UUID
	// EventID is joined from the guest row, not stored on the delivery.
	EventID            uuid.UUID
	Phone              string
	SMSStatus          DeliveryStatus
	PushStatus         DeliveryStatus
	EmailStatus        DeliveryStatus
	ProviderMessageID  *string
	ErrorCode          *string
	ErrorMessage       *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
}

// DeliveryCounts is the sibling-row aggregate for one parent message.
type DeliveryCounts struct {
	Total       int
	Pending     int
	Sent        int
	Delivered   int
	Undelivered int
	Failed      int
}

func (c DeliveryCounts) Succeeded() int { return c.Sent + c.Delivered }
func (c DeliveryCounts) Failures() int  { return c.Undelivered + c.Failed }

// Add counts one row by its sms status.
func (c *DeliveryCounts) Add(d MessageDelivery) {
	c.Total++
	switch d.SMSStatus {
	case DeliveryPending:
		c.Pending++
	case DeliverySent:
		c.Sent++
	case DeliveryDelivered:
		c.Delivered++
	case DeliveryUndelivered:
		c.Undelivered++
	case DeliveryFailed:
		c.Failed++
	}
}

// DeliveryUpdate is published to live subscribers of an event.
type DeliveryUpdate struct {
	EventID           uuid.UUID      `json:"eventId"`
	DeliveryID        uuid.UUID      `json:"deliveryId"`
	GuestID           uuid.UUID      `json:"guestId"`
	ProviderMessageID string         `json:"providerMessageId"`
	Status            DeliveryStatus `json:"status"`
	ErrorCode         string         `json:"errorCode,omitempty"`
	At                time.Time      `json:"at"`
}
