package recipient

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/model"
)

// Filter describes how to select guests. The set of variants is closed;
// every switch over it must handle each one.
type Filter interface {
	isFilter()
	Kind() string
}

const (
	KindAll        = "all"
	KindExplicit   = "explicit_selection"
	KindIndividual = "individual"
	KindTags       = "tags"
	KindRSVP       = "rsvp_status"
	KindCombined   = "combined"
)

type All struct{}

// Explicit is a literal guest id list. Legacy marks the old "individual" form.
type Explicit struct {
	GuestIDs []uuid.UUID
	Legacy   bool
}

type Tags struct {
	Tags       []string
	RequireAll bool
}

type RSVP struct {
	Statuses []string
}

// Combined is the AND of a tag predicate and an rsvp predicate.
type Combined struct {
	Tags       []string
	RequireAll bool
	Statuses   []string
}

func (All) isFilter()      {}
func (Explicit) isFilter() {}
func (Tags) isFilter()     {}
func (RSVP) isFilter()     {}
func (Combined) isFilter() {}

func (All) Kind() string { return KindAll }
func (e Explicit) Kind() string {
	if e.Legacy {
		return KindIndividual
	}
	return KindExplicit
}
func (Tags) Kind() string     { return KindTags }
func (RSVP) Kind() string     { return KindRSVP }
func (Combined) Kind() string { return KindCombined }

type filterJSON struct {
	Type           string      `json:"type"`
	SelectedIDs    []uuid.UUID `json:"selectedGuestIds,omitempty"`
	GuestIDs       []uuid.UUID `json:"guestIds,omitempty"`
	Tags           []string    `json:"tags,omitempty"`
	RequireAllTags bool        `json:"requireAllTags,omitempty"`
	RSVPStatuses   []string    `json:"rsvpStatuses,omitempty"`
}

// EncodeFilter serializes f for storage on a scheduled row.
func EncodeFilter(f Filter) ([]byte, error) {
	out := filterJSON{Type: KindAll}
	switch v := f.(type) {
	case All, nil:
	case Explicit:
		out.Type = v.Kind()
		if v.Legacy {
			out.GuestIDs = v.GuestIDs
		} else {
			out.SelectedIDs = v.GuestIDs
		}
	case Tags:
		out.Type = KindTags
		out.Tags = v.Tags
		out.RequireAllTags = v.RequireAll
	case RSVP:
		out.Type = KindRSVP
		out.RSVPStatuses = v.Statuses
	case Combined:
		out.Type = KindCombined
		out.Tags = v.Tags
		out.RequireAllTags = v.RequireAll
		out.RSVPStatuses = v.Statuses
	}
	return json.Marshal(out)
}

// DecodeFilter parses a stored filter. Empty, undecodable or unknown
// payloads decode to All.
func DecodeFilter(raw []byte) Filter {
	f, ok := decodeFilter(raw)
	if !ok {
		return All{}
	}
	return f
}

// ParseFilter is the strict form used for request bodies: an empty body
// means All, anything else must decode to a known variant.
func ParseFilter(raw []byte) (Filter, error) {
	if len(strings.TrimSpace(string(raw))) == 0 {
		return All{}, nil
	}
	f, ok := decodeFilter(raw)
	if !ok {
		return nil, fmt.Errorf("%w: malformed recipient filter", model.ErrInvalidRequest)
	}
	return f, nil
}

func decodeFilter(raw []byte) (Filter, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	var in filterJSON
	if err := json.Unmarshal(raw, &in); err != nil {
		return nil, false
	}

	tags := cleanTags(in.Tags)
	statuses := cleanStatuses(in.RSVPStatuses)

	switch strings.ToLower(strings.TrimSpace(in.Type)) {
	case KindAll:
		return All{}, true
	case KindExplicit:
		return Explicit{GuestIDs: in.SelectedIDs}, true
	case KindIndividual:
		return Explicit{GuestIDs: in.GuestIDs, Legacy: true}, true
	case KindTags:
		if len(tags) == 0 {
			return nil, false
		}
		return Tags{Tags: tags, RequireAll: in.RequireAllTags}, true
	case KindRSVP:
		if len(statuses) == 0 {
			return nil, false
		}
		return RSVP{Statuses: statuses}, true
	case KindCombined:
		if len(tags) == 0 && len(statuses) == 0 {
			return nil, false
		}
		return Combined{Tags: tags, RequireAll: in.RequireAllTags, Statuses: statuses}, true
	default:
		return nil, false
	}
}

// FromTargeting rebuilds the filter of a scheduled message from its stored columns.
func FromTargeting(t model.Targeting) Filter {
	if f, ok := decodeFilter(t.FilterJSON); ok {
		return f
	}
	if t.AllGuests {
		return All{}
	}

	tags := cleanTags(t.GuestTags)
	statuses := cleanStatuses(t.RSVPStatuses)

	switch {
	case len(t.GuestIDs) > 0:
		return Explicit{GuestIDs: t.GuestIDs}
	case len(tags) > 0 && len(statuses) > 0:
		return Combined{Tags: tags, RequireAll: t.RequireAllTags, Statuses: statuses}
	case len(tags) > 0:
		return Tags{Tags: tags, RequireAll: t.RequireAllTags}
	case len(statuses) > 0:
		return RSVP{Statuses: statuses}
	default:
		return All{}
	}
}

func cleanTags(in []string) []string {
	var out []string
	seen := make(map[string]struct{}, len(in))
	for _, t := range in {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, ok := seen[t]; ok {
			continue
		}
		seen[t] = struct{}{}
		out = append(out, t)
	}
	return out
}

func cleanStatuses(in []string) []string {
	var out []string
	for _, s := range cleanTags(in) {
		out = append(out, normalizeStatus(s))
	}
	return out
}
