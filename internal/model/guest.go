package model

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleHost  Role = "host"
	RoleGuest Role = "guest"
)

type Guest struct {
	ID          uuid.UUID
	EventID     uuid.UUID
	DisplayName string
	Phone       string
	Role        Role
	Tags        []string
	SMSOptOut   bool
	RemovedAt   *time.Time
	// RSVPStatus is the legacy attendance column; DeclinedAt wins over it.
	RSVPStatus string
	DeclinedAt *time.Time
	// FirstSMSSentAt is set once the brand and opt-out notice has gone out.
	FirstSMSSentAt    *time.Time
	CarrierOptedOutAt *time.Time
	CarrierOptOutCode *string
}

// GuestRef is a resolved recipient.
type GuestRef struct {
	ID          uuid.UUID `json:"id"`
	Phone       string    `json:"phone"`
	DisplayName string    `json:"displayName"`
	NeedsNotice bool      `json:"-"`
}

type Event struct {
	ID     uuid.UUID
	Title  string
	SMSTag string
}
