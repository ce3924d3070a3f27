package recipient

import (
	"strings"

	"github.com/LeventeLantos/guest-messaging/internal/model"
	"github.com/LeventeLantos/guest-messaging/internal/phone"
)

// Attendance states derived from a guest record.
const (
	Attending = "attending"
	Declined  = "declined"
	Maybe     = "maybe"
	Pending   = "pending"
)

// Eligible is the canonical SMS eligibility rule. Every path that turns
// guests into recipients goes through it.
func Eligible(g model.Guest) bool {
	if g.RemovedAt != nil || g.SMSOptOut {
		return false
	}
	return phone.Valid(g.Phone)
}

// AttendanceOf derives the attendance state. A decline marker wins over the
// legacy rsvp column; guests with neither count as attending.
func AttendanceOf(g model.Guest) string {
	if g.DeclinedAt != nil {
		return Declined
	}
	if g.RSVPStatus == "" {
		return Attending
	}
	return normalizeStatus(g.RSVPStatus)
}

func normalizeStatus(raw string) string {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "attending", "accepted", "yes":
		return Attending
	case "declined", "not_attending", "no":
		return Declined
	case "maybe":
		return Maybe
	case "pending", "":
		return Pending
	default:
		return strings.ToLower(strings.TrimSpace(raw))
	}
}

func isDeclined(g model.Guest) bool {
	return g.DeclinedAt != nil || AttendanceOf(g) == Declined
}
