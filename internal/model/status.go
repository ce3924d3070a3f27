package model

import "strings"

type DeliveryStatus string

const (
	DeliveryPending       DeliveryStatus = "pending"
	DeliverySent          DeliveryStatus = "sent"
	DeliveryDelivered     DeliveryStatus = "delivered"
	DeliveryUndelivered   DeliveryStatus = "undelivered"
	DeliveryFailed        DeliveryStatus = "failed"
	DeliveryNotApplicable DeliveryStatus = "not_applicable"
)

func (s DeliveryStatus) rank() int {
	switch s {
	case DeliveryPending:
		return 0
	case DeliverySent:
		return 1
	case DeliveryDelivered, DeliveryUndelivered, DeliveryFailed:
		return 2
	default:
		return -1
	}
}

func (s DeliveryStatus) IsTerminal() bool { return s.rank() == 2 }

// CanAdvance reports whether an sms status may move from -> to.
// Terminal statuses never change.
func CanAdvance(from, to DeliveryStatus) bool {
	if from.IsTerminal() || to.rank() < 0 {
		return false
	}
	return to.rank() > from.rank()
}

// AdvanceableFrom lists the statuses a row may hold for an update to `to`
// to be applied. Used as the guard of conditional updates.
func AdvanceableFrom(to DeliveryStatus) []DeliveryStatus {
	var out []DeliveryStatus
	for _, s := range []DeliveryStatus{DeliveryPending, DeliverySent} {
		if CanAdvance(s, to) {
			out = append(out, s)
		}
	}
	return out
}

// SMSStatusFromProvider maps the carrier vocabulary onto ours. Unknown
// statuses map to pending, which never overwrites a row that moved on.
func SMSStatusFromProvider(raw string) (DeliveryStatus, bool) {
	switch strings.ToLower(strings.TrimSpace(raw)) {
	case "accepted", "queued", "scheduled", "sending":
		return DeliveryPending, true
	case "sent":
		return DeliverySent, true
	case "delivered", "read":
		return DeliveryDelivered, true
	case "undelivered":
		return DeliveryUndelivered, true
	case "failed", "canceled":
		return DeliveryFailed, true
	default:
		return DeliveryPending, false
	}
}

// SMSStatusFromSend is the initial status of a delivery row written at send time.
func SMSStatusFromSend(accepted bool) DeliveryStatus {
	if accepted {
		return DeliverySent
	}
	return DeliveryFailed
}
