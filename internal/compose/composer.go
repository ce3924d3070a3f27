package compose

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

const (
	ReasonFallback   = "fallback"
	ReasonSafetyNet  = "safety_net"
	ReasonHeaderless = "headerless"

	StopLine         = "Reply STOP to opt out."
	DefaultBrandName = "Unveil"
)

type TagSource interface {
	EventTag(ctx context.Context, eventID uuid.UUID) (string, error)
}

// NoticeSource reports whether a guest still needs the brand and opt-out
// notice that accompanies a first SMS.
type NoticeSource interface {
	NeedsNotice(ctx context.Context, guestID uuid.UUID) (bool, error)
}

type Options struct {
	BrandName        string
	BrandingDisabled bool
}

type Included struct {
	Header bool `json:"header"`
	Brand  bool `json:"brand"`
	Stop   bool `json:"stop"`
}

type Result struct {
	Text     string   `json:"text"`
	Included Included `json:"included"`
	Reason   string   `json:"reason,omitempty"`
}

type Composer struct {
	tags    TagSource
	notices NoticeSource
	opts    Options
}

func New(tags TagSource, notices NoticeSource, opts Options) *Composer {
	if opts.BrandName == "" {
		opts.BrandName = DefaultBrandName
	}
	return &Composer{tags: tags, notices: notices, opts: opts}
}

func (c *Composer) Options() Options { return c.opts }

// WithNotices returns a copy of c that answers first-SMS lookups from ns.
func (c *Composer) WithNotices(ns NoticeSource) *Composer {
	cp := *c
	cp.notices = ns
	return &cp
}

// Compose renders the SMS text for one recipient. When the event tag cannot
// be resolved the result carries no header and Reason is "fallback"; callers
// are expected to run SafetyNet on it.
func (c *Composer) Compose(ctx context.Context, eventID, recipientID uuid.UUID, body string) Result {
	first := true
	if c.notices != nil {
		needs, err := c.notices.NeedsNotice(ctx, recipientID)
		if err == nil {
			first = needs
		}
	}

	tag := ""
	if c.tags != nil {
		if t, err := c.tags.EventTag(ctx, eventID); err == nil {
			tag = SanitizeTag(t)
		}
	}

	res := Render(tag, body, first, c.opts)
	if tag == "" {
		res.Reason = ReasonFallback
	}
	return res
}

// SafetyNet re-derives a missing header from the tag denormalized on the
// scheduled message. headerless is true when no tag was available at all.
func SafetyNet(res Result, storedTag, body string, needsNotice bool, opts Options) (out Result, headerless bool) {
	if res.Included.Header {
		return res, false
	}

	tag := SanitizeTag(storedTag)
	out = Render(tag, body, needsNotice, opts)
	if tag == "" {
		out.Reason = ReasonHeaderless
		return out, true
	}
	out.Reason = ReasonSafetyNet
	return out, false
}

// Render builds "[tag]\nbody" plus, for a first SMS, the brand and opt-out
// lines. Branding disabled drops both lines but never the header.
func Render(tag, body string, firstSMS bool, opts Options) Result {
	if opts.BrandName == "" {
		opts.BrandName = DefaultBrandName
	}

	var b strings.Builder
	var inc Included

	if tag != "" {
		b.WriteString("[")
		b.WriteString(tag)
		b.WriteString("]\n")
		inc.Header = true
	}
	b.WriteString(strings.TrimSpace(body))

	if firstSMS && !opts.BrandingDisabled {
		b.WriteString("\n\nvia ")
		b.WriteString(opts.BrandName)
		b.WriteString("\n")
		b.WriteString(StopLine)
		inc.Brand = true
		inc.Stop = true
	}

	return Result{Text: b.String(), Included: inc}
}

// SanitizeTag strips brackets and whitespace a host may have typed into the tag.
func SanitizeTag(tag string) string {
	tag = strings.NewReplacer("[", "", "]", "", "\n", " ").Replace(tag)
	return strings.Join(strings.Fields(tag), " ")
}
