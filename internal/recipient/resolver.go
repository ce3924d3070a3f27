package recipient

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/model"
	"github.com/LeventeLantos/guest-messaging/internal/phone"
)

type GuestSource interface {
	ListGuests(ctx context.Context, eventID uuid.UUID) ([]model.Guest, error)
}

type Resolver struct {
	guests GuestSource
}

func NewResolver(guests GuestSource) *Resolver {
	return &Resolver{guests: guests}
}

// Resolve returns the eligible guests of eventID selected by f. A nil filter
// selects everyone. An empty result is not an error.
func (r *Resolver) Resolve(ctx context.Context, eventID uuid.UUID, f Filter) ([]model.GuestRef, error) {
	if eventID == uuid.Nil {
		return nil, fmt.Errorf("%w: missing event id", model.ErrInvalidRequest)
	}
	if f == nil {
		f = All{}
	}

	guests, err := r.guests.ListGuests(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("list guests: %w", err)
	}

	return Select(guests, f), nil
}

// Select applies canonical eligibility and then f to an already loaded guest list.
func Select(guests []model.Guest, f Filter) []model.GuestRef {
	match := predicate(f)

	out := make([]model.GuestRef, 0, len(guests))
	for _, g := range guests {
		if !Eligible(g) || !match(g) {
			continue
		}
		normalized, _ := phone.Normalize(g.Phone)
		out = append(out, model.GuestRef{
			ID:          g.ID,
			Phone:       normalized,
			DisplayName: g.DisplayName,
			NeedsNotice: g.FirstSMSSentAt == nil,
		})
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].DisplayName != out[j].DisplayName {
			return out[i].DisplayName < out[j].DisplayName
		}
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

func predicate(f Filter) func(model.Guest) bool {
	switch v := f.(type) {
	case All:
		return func(model.Guest) bool { return true }
	case Explicit:
		ids := make(map[uuid.UUID]struct{}, len(v.GuestIDs))
		for _, id := range v.GuestIDs {
			ids[id] = struct{}{}
		}
		return func(g model.Guest) bool {
			_, ok := ids[g.ID]
			return ok
		}
	case Tags:
		return tagPredicate(v.Tags, v.RequireAll)
	case RSVP:
		return rsvpPredicate(v.Statuses)
	case Combined:
		byTag := tagPredicate(v.Tags, v.RequireAll)
		byRSVP := rsvpPredicate(v.Statuses)
		return func(g model.Guest) bool { return byTag(g) && byRSVP(g) }
	default:
		panic(fmt.Sprintf("recipient: unhandled filter %T", f))
	}
}

// tagPredicate with no tags matches everyone, so a Combined filter carrying
// only statuses behaves like RSVP.
func tagPredicate(tags []string, requireAll bool) func(model.Guest) bool {
	if len(tags) == 0 {
		return func(model.Guest) bool { return true }
	}
	return func(g model.Guest) bool {
		if requireAll {
			for _, t := range tags {
				if !slices.Contains(g.Tags, t) {
					return false
				}
			}
			return true
		}
		for _, t := range tags {
			if slices.Contains(g.Tags, t) {
				return true
			}
		}
		return false
	}
}

// rsvpPredicate excludes declined guests unless the requested statuses
// name declined explicitly.
func rsvpPredicate(statuses []string) func(model.Guest) bool {
	if len(statuses) == 0 {
		return func(g model.Guest) bool { return !isDeclined(g) }
	}
	want := make(map[string]struct{}, len(statuses))
	for _, s := range statuses {
		want[normalizeStatus(s)] = struct{}{}
	}
	_, includeDeclined := want[Declined]

	return func(g model.Guest) bool {
		if !includeDeclined && isDeclined(g) {
			return false
		}
		_, ok := want[AttendanceOf(g)]
		return ok
	}
}
