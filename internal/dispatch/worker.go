package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/compose"
	"github.com/LeventeLantos/guest-messaging/internal/gateway"
	"github.com/LeventeLantos/guest-messaging/internal/metrics"
	"github.com/LeventeLantos/guest-messaging/internal/model"
	"github.com/LeventeLantos/guest-messaging/internal/phone"
	"github.com/LeventeLantos/guest-messaging/internal/recipient"
	"github.com/LeventeLantos/guest-messaging/internal/repo"
	"github.com/LeventeLantos/guest-messaging/internal/retry"
	"github.com/LeventeLantos/guest-messaging/internal/sideeffect"
)

const (
	MaxBatchSize = 100

	// bookkeepingTimeout bounds the writes that follow a gateway hand-off.
	// They run detached from the tick so a cancelled tick cannot strand a
	// message in sending after the carrier already has it.
	bookkeepingTimeout = 30 * time.Second

	EventFormatterFallback = "sms_formatter_fallback"
	EventHeaderMissing     = "sms_header_missing"
)

var ErrNotCancellable = errors.New("scheduled message is not cancellable")

// Store is what the worker needs from persistence.
type Store interface {
	repo.ScheduledStore
	repo.MessageStore
	RecomputeMessageCounts(ctx context.Context, messageID uuid.UUID) (model.DeliveryCounts, error)
	RecomputeScheduledCounts(ctx context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error)
	CountByScheduled(ctx context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error)
	MarkNoticeSent(ctx context.Context, guestIDs []uuid.UUID, at time.Time) error
}

type Resolver interface {
	Resolve(ctx context.Context, eventID uuid.UUID, f recipient.Filter) ([]model.GuestRef, error)
}

type Options struct {
	BatchSize int
	MaxChars  int
	Now       func() time.Time
}

type Worker struct {
	store    Store
	resolver Resolver
	composer *compose.Composer
	gateway  gateway.Gateway
	retry    *retry.Manager
	emitter  sideeffect.Emitter
	logger   *slog.Logger
	opts     Options
}

func NewWorker(
	store Store,
	resolver Resolver,
	composer *compose.Composer,
	gw gateway.Gateway,
	rm *retry.Manager,
	emitter sideeffect.Emitter,
	logger *slog.Logger,
	opts Options,
) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if emitter == nil {
		emitter = sideeffect.LogEmitter{Logger: logger}
	}
	if rm == nil {
		rm = retry.NewManager(retry.DefaultOptions())
	}
	if opts.BatchSize <= 0 || opts.BatchSize > MaxBatchSize {
		opts.BatchSize = MaxBatchSize
	}
	if opts.MaxChars <= 0 {
		opts.MaxChars = 1600
	}
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Worker{
		store:    store,
		resolver: resolver,
		composer: composer,
		gateway:  gw,
		retry:    rm,
		emitter:  emitter,
		logger:   logger,
		opts:     opts,
	}
}

// Detail is the outcome of one claimed message.
type Detail struct {
	ID         uuid.UUID             `json:"id"`
	Status     model.ScheduledStatus `json:"status"`
	Recipients int                   `json:"recipients"`
	Sent       int                   `json:"sent"`
	Failed     int                   `json:"failed"`
	Error      string                `json:"error,omitempty"`

	// written is the sms tally of the delivery rows as inserted, nil when
	// no rows were written.
	written *model.DeliveryCounts
}

type Summary struct {
	Processed        int      `json:"processed"`
	Successful       int      `json:"successful"`
	Failed           int      `json:"failed"`
	Skipped          int      `json:"skipped"`
	Details          []Detail `json:"details"`
	ProcessingTimeMs int64    `json:"processingTimeMs"`
}

// RunTick fetches due messages in send_at order and processes them one at a
// time. Every message it claims ends the tick in a terminal status.
func (w *Worker) RunTick(ctx context.Context) (sum Summary, err error) {
	start := time.Now()
	sum.Details = []Detail{}
	defer func() {
		elapsed := time.Since(start)
		sum.ProcessingTimeMs = elapsed.Milliseconds()
		metrics.DispatchTickDuration.Observe(elapsed.Seconds())
	}()

	due, err := w.store.FetchDue(ctx, w.opts.Now(), w.opts.BatchSize)
	if err != nil {
		return sum, fmt.Errorf("fetch due messages: %w", err)
	}

	for _, sm := range due {
		claimed, err := w.store.Claim(ctx, sm.ID)
		if err != nil {
			w.logger.Error("claim failed", "scheduled_message_id", sm.ID, "error", err)
			sum.Skipped++
			continue
		}
		if !claimed {
			metrics.DispatchClaimMissesTotal.Inc()
			sum.Skipped++
			continue
		}

		d := w.process(ctx, sm)
		sum.Processed++
		if d.Status == model.Failed {
			sum.Failed++
		} else {
			sum.Successful++
		}
		sum.Details = append(sum.Details, d)
		metrics.DispatchMessagesTotal.WithLabelValues(string(d.Status)).Inc()
	}

	return sum, nil
}

// process runs one claimed message to a terminal status, whatever happens.
func (w *Worker) process(ctx context.Context, sm model.ScheduledMessage) (d Detail) {
	d = Detail{ID: sm.ID}
	log := w.logger.With("scheduled_message_id", sm.ID, "event_id", sm.EventID)

	bctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), bookkeepingTimeout)
	defer cancel()

	defer func() {
		if r := recover(); r != nil {
			log.Error("dispatch panicked", "panic", r)
			d.Status = model.Failed
			d.Error = fmt.Sprintf("internal error: %v", r)
		}
		if d.Status == "" {
			d.Status = model.Failed
		}
		w.finalize(bctx, log, &d)
	}()

	if err := w.send(ctx, bctx, log, sm, &d); err != nil {
		d.Status = model.Failed
		d.Error = err.Error()
	}
	return d
}

// send resolves, composes and hands off sm. Writes after the hand-off use
// bctx, which outlives ctx.
func (w *Worker) send(ctx, bctx context.Context, log *slog.Logger, sm model.ScheduledMessage, d *Detail) error {
	refs, err := w.resolver.Resolve(ctx, sm.EventID, recipient.FromTargeting(sm.Targeting))
	if err != nil {
		return fmt.Errorf("resolve recipients: %w", err)
	}
	d.Recipients = len(refs)

	if len(refs) == 0 {
		d.Failed = 1
		return model.ErrNoRecipients
	}
	if !sm.SendViaSMS && !sm.SendViaPush {
		d.Failed = len(refs)
		return errors.New("no delivery channel requested")
	}

	msg := &model.Message{
		EventID:            sm.EventID,
		ScheduledMessageID: &sm.ID,
		Content:            sm.Content,
		MessageType:        sm.MessageType,
		RecipientCount:     len(refs),
	}
	if err := w.store.CreateMessage(ctx, msg); err != nil {
		d.Failed = len(refs)
		return fmt.Errorf("create message: %w", err)
	}
	log = log.With("message_id", msg.ID)

	rows := make([]model.MessageDelivery, len(refs))
	for i, ref := range refs {
		rows[i] = model.MessageDelivery{
			MessageID:          &msg.ID,
			ScheduledMessageID: &sm.ID,
			GuestID:            ref.ID,
			Phone:              ref.Phone,
			SMSStatus:          model.DeliveryNotApplicable,
			PushStatus:         model.DeliveryNotApplicable,
			EmailStatus:        model.DeliveryNotApplicable,
		}
		if sm.SendViaPush {
			rows[i].PushStatus = model.DeliveryPending
		}
	}

	var out smsOutcome
	if sm.SendViaSMS {
		out = w.sendSMS(ctx, log, sm, refs, rows)
		d.Sent, d.Failed = out.sent, out.failed
	} else {
		d.Sent = len(rows)
	}

	if err := w.store.InsertDeliveries(bctx, rows); err != nil {
		return fmt.Errorf("write deliveries: %w", err)
	}
	var written model.DeliveryCounts
	for _, r := range rows {
		written.Add(r)
		metrics.DeliveriesWrittenTotal.WithLabelValues("sms", string(r.SMSStatus)).Inc()
		metrics.DeliveriesWrittenTotal.WithLabelValues("push", string(r.PushStatus)).Inc()
	}
	d.written = &written

	sideeffect.Run(bctx, log, "message_counts", func(ctx context.Context) error {
		_, err := w.store.RecomputeMessageCounts(ctx, msg.ID)
		return err
	})
	if len(out.noticed) > 0 {
		sideeffect.Run(bctx, log, "mark_notice_sent", func(ctx context.Context) error {
			return w.store.MarkNoticeSent(ctx, out.noticed, w.opts.Now())
		})
	}

	d.Status = model.FinalStatus(d.Sent, d.Failed)
	return nil
}

type smsOutcome struct {
	sent, failed int
	// noticed lists recipients whose accepted text carried the first-SMS notice.
	noticed []uuid.UUID
}

// sendSMS composes, sends and fills the sms columns of rows in place.
func (w *Worker) sendSMS(ctx context.Context, log *slog.Logger, sm model.ScheduledMessage, refs []model.GuestRef, rows []model.MessageDelivery) (out smsOutcome) {
	notices := make(refNotices, len(refs))
	for _, ref := range refs {
		notices[ref.ID] = ref.NeedsNotice
	}
	composer := w.composer.WithNotices(notices)

	var (
		outbound  []gateway.Outbound
		outRow    []int
		withBrand = make(map[int]bool)
		fallback  bool
		headless  bool
	)

	for i, ref := range refs {
		res := composer.Compose(ctx, sm.EventID, ref.ID, sm.Content)
		if !res.Included.Header {
			fallback = true
			var missing bool
			res, missing = compose.SafetyNet(res, sm.EventTag, sm.Content, ref.NeedsNotice, composer.Options())
			headless = headless || missing
		}

		if n := utf8.RuneCountInString(res.Text); n > w.opts.MaxChars {
			rows[i].SMSStatus = model.DeliveryFailed
			rows[i].ErrorMessage = ptr(fmt.Sprintf("content exceeds %d chars", w.opts.MaxChars))
			out.failed++
			continue
		}

		withBrand[i] = res.Included.Brand
		outRow = append(outRow, i)
		outbound = append(outbound, gateway.Outbound{To: ref.Phone, Body: res.Text, GuestID: ref.ID})
	}

	if fallback {
		outcome := compose.ReasonSafetyNet
		if headless {
			outcome = compose.ReasonHeaderless
		}
		metrics.ComposerFallbackTotal.WithLabelValues(outcome).Inc()
		w.emitter.Emit(ctx, EventFormatterFallback,
			"scheduled_message_id", sm.ID, "event_id", sm.EventID, "outcome", outcome)
		if headless {
			w.emitter.Emit(ctx, EventHeaderMissing, "scheduled_message_id", sm.ID, "event_id", sm.EventID)
		}
	}

	if len(outbound) == 0 {
		return out
	}

	result := retry.ExecuteWithContext(ctx, w.retry, retry.SMS, func(ctx context.Context) retry.Envelope[gateway.BulkResult] {
		res, err := w.gateway.SendBulk(ctx, outbound)
		return retry.Envelope[gateway.BulkResult]{Data: res, Err: err}
	})

	if !result.Success {
		log.Error("gateway send failed", "attempts", result.Attempts, "error", result.Err)
		msg := ptr(result.Err.Error())
		for _, i := range outRow {
			rows[i].SMSStatus = model.DeliveryFailed
			rows[i].ErrorMessage = msg
		}
		out.failed += len(outRow)
		return out
	}

	bulk := result.Data

	if len(bulk.Results) != len(outbound) {
		// Counts only: every handed-over row starts as sent and the reconciler
		// corrects it later. The final status follows the gateway's counts.
		for _, i := range outRow {
			rows[i].SMSStatus = model.DeliverySent
			if withBrand[i] {
				out.noticed = append(out.noticed, refs[i].ID)
			}
		}
		out.sent += bulk.Sent
		out.failed += bulk.Failed
		log.Info("gateway reported counts only", "sent", bulk.Sent, "failed", bulk.Failed)
		return out
	}

	for k, i := range outRow {
		r := bulk.Results[k]
		rows[i].SMSStatus = model.SMSStatusFromSend(r.Accepted())
		if r.ProviderID != "" {
			rows[i].ProviderMessageID = ptr(r.ProviderID)
		}
		if !r.Accepted() {
			rows[i].ErrorMessage = ptr(r.Err.Error())
			out.failed++
			log.Warn("carrier rejected message", "guest_id", refs[i].ID, "phone", phone.Mask(refs[i].Phone), "error", r.Err)
			continue
		}
		out.sent++
		if withBrand[i] {
			out.noticed = append(out.noticed, refs[i].ID)
		}
	}
	return out
}

func (w *Worker) finalize(ctx context.Context, log *slog.Logger, d *Detail) {
	success, failure := d.Sent, d.Failed
	if d.Status == model.Failed && success == 0 && failure == 0 {
		failure = 1
	}

	var lastErr *string
	if d.Error != "" {
		lastErr = ptr(d.Error)
	}

	ok, err := w.store.Finalize(ctx, d.ID, repo.Finalization{
		Status:       d.Status,
		SuccessCount: success,
		FailureCount: failure,
		LastError:    lastErr,
		At:           w.opts.Now(),
	})
	switch {
	case err != nil:
		log.Error("finalize failed", "status", d.Status, "error", err)
	case !ok:
		log.Warn("finalize skipped, message no longer sending", "status", d.Status)
	default:
		log.Info("scheduled message dispatched",
			"status", d.Status, "recipients", d.Recipients, "sent", success, "failed", failure)
		w.reconcileCounts(ctx, log, d)
	}
}

// reconcileCounts re-derives the aggregates from the delivery rows when a
// status callback moved one of them after it was written. Finalize writes
// the worker's own tally and would otherwise hide that callback's recompute.
func (w *Worker) reconcileCounts(ctx context.Context, log *slog.Logger, d *Detail) {
	if d.written == nil {
		return
	}
	sideeffect.Run(ctx, log, "scheduled_counts", func(ctx context.Context) error {
		now, err := w.store.CountByScheduled(ctx, d.ID)
		if err != nil {
			return err
		}
		if now == *d.written {
			return nil
		}
		c, err := w.store.RecomputeScheduledCounts(ctx, d.ID)
		if err != nil {
			return err
		}
		log.Info("aggregates recomputed after finalize", "success", c.Succeeded(), "failure", c.Failures())
		return nil
	})
}

// Cancel moves a scheduled message to cancelled. Messages already claimed
// by a tick cannot be cancelled.
func (w *Worker) Cancel(ctx context.Context, id uuid.UUID) error {
	ok, err := w.store.Cancel(ctx, id)
	if err != nil {
		return err
	}
	if ok {
		return nil
	}
	if _, err := w.store.GetScheduled(ctx, id); err != nil {
		return err
	}
	return ErrNotCancellable
}

// ScheduleRequest is a host's request to send content at a later time.
type ScheduleRequest struct {
	EventID     uuid.UUID
	Content     string
	MessageType string
	Filter      recipient.Filter
	SendViaSMS  bool
	SendViaPush bool
	SendAt      time.Time
}

// Schedule validates req and stores it as a scheduled message.
func (w *Worker) Schedule(ctx context.Context, req ScheduleRequest) (model.ScheduledMessage, error) {
	content := strings.TrimSpace(req.Content)
	switch {
	case req.EventID == uuid.Nil:
		return model.ScheduledMessage{}, fmt.Errorf("%w: missing event id", model.ErrInvalidRequest)
	case content == "":
		return model.ScheduledMessage{}, fmt.Errorf("%w: empty content", model.ErrInvalidRequest)
	case !req.SendViaSMS && !req.SendViaPush:
		return model.ScheduledMessage{}, fmt.Errorf("%w: no delivery channel", model.ErrInvalidRequest)
	case req.SendAt.IsZero():
		return model.ScheduledMessage{}, fmt.Errorf("%w: missing send time", model.ErrInvalidRequest)
	}

	f := req.Filter
	if f == nil {
		f = recipient.All{}
	}
	raw, err := recipient.EncodeFilter(f)
	if err != nil {
		return model.ScheduledMessage{}, fmt.Errorf("%w: %v", model.ErrInvalidRequest, err)
	}

	msgType := req.MessageType
	if msgType == "" {
		msgType = "announcement"
	}

	sm := &model.ScheduledMessage{
		EventID:     req.EventID,
		Content:     content,
		MessageType: msgType,
		Targeting:   model.Targeting{FilterJSON: raw},
		SendViaSMS:  req.SendViaSMS,
		SendViaPush: req.SendViaPush,
		SendAt:      req.SendAt.UTC(),
	}
	if _, ok := f.(recipient.All); ok {
		sm.Targeting.AllGuests = true
	}
	if err := w.store.CreateScheduled(ctx, sm); err != nil {
		return model.ScheduledMessage{}, err
	}
	return *sm, nil
}

type refNotices map[uuid.UUID]bool

func (n refNotices) NeedsNotice(_ context.Context, guestID uuid.UUID) (bool, error) {
	needs, ok := n[guestID]
	if !ok {
		return true, nil
	}
	return needs, nil
}

func ptr[T any](v T) *T { return &v }
