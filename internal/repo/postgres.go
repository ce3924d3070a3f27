package repo

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/LeventeLantos/guest-messaging/internal/model"
)

//go:embed schema.sql
var schemaSQL string

type Postgres struct {
	pool *pgxpool.Pool
}

var _ Store = (*Postgres)(nil)

func NewPostgres(pool *pgxpool.Pool) *Postgres {
	return &Postgres{pool: pool}
}

// Connect opens a pool and verifies it with a ping.
func Connect(ctx context.Context, url string) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("parse postgres url: %w", err)
	}
	cfg.MaxConnIdleTime = 5 * time.Minute
	cfg.HealthCheckPeriod = time.Minute
	cfg.ConnConfig.ConnectTimeout = 10 * time.Second

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

func (r *Postgres) Migrate(ctx context.Context) error {
	if _, err := r.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

const scheduledColumns = `
	id, event_id, content, message_type,
	target_all_guests, target_guest_ids, target_guest_tags, require_all_tags, rsvp_statuses, recipient_filter,
	send_via_sms, send_via_push, event_tag, status, send_at,
	success_count, failure_count, last_error, sent_at, created_at, updated_at`

func scanScheduled(row pgx.Row) (model.ScheduledMessage, error) {
	var m model.ScheduledMessage
	var status string
	err := row.Scan(
		&m.ID, &m.EventID, &m.Content, &m.MessageType,
		&m.Targeting.AllGuests, &m.Targeting.GuestIDs, &m.Targeting.GuestTags,
		&m.Targeting.RequireAllTags, &m.Targeting.RSVPStatuses, &m.Targeting.FilterJSON,
		&m.SendViaSMS, &m.SendViaPush, &m.EventTag, &status, &m.SendAt,
		&m.SuccessCount, &m.FailureCount, &m.LastError, &m.SentAt, &m.CreatedAt, &m.UpdatedAt,
	)
	if err != nil {
		return model.ScheduledMessage{}, err
	}
	m.Status = model.ScheduledStatus(status)
	return m, nil
}

// CreateScheduled inserts m with status scheduled. The event tag is copied
// onto the row here so dispatch never needs a second lookup for the header.
func (r *Postgres) CreateScheduled(ctx context.Context, m *model.ScheduledMessage) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	m.Status = model.Scheduled

	err := r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_messages (
			id, event_id, content, message_type,
			target_all_guests, target_guest_ids, target_guest_tags, require_all_tags, rsvp_statuses, recipient_filter,
			send_via_sms, send_via_push, event_tag, status, send_at
		)
		SELECT $1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, e.sms_tag, 'scheduled', $13
		FROM events e WHERE e.id = $2
		RETURNING event_tag, created_at, updated_at
	`,
		m.ID, m.EventID, m.Content, m.MessageType,
		m.Targeting.AllGuests, nonNilUUIDs(m.Targeting.GuestIDs), nonNilStrings(m.Targeting.GuestTags),
		m.Targeting.RequireAllTags, nonNilStrings(m.Targeting.RSVPStatuses), nullableJSON(m.Targeting.FilterJSON),
		m.SendViaSMS, m.SendViaPush, m.SendAt.UTC(),
	).Scan(&m.EventTag, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return fmt.Errorf("event %s: %w", m.EventID, model.ErrNotFound)
	}
	if err != nil {
		return fmt.Errorf("insert scheduled message: %w", err)
	}
	return nil
}

func (r *Postgres) FetchDue(ctx context.Context, now time.Time, limit int) ([]model.ScheduledMessage, error) {
	if limit <= 0 {
		return nil, errors.New("limit must be > 0")
	}

	rows, err := r.pool.Query(ctx, `
		SELECT `+scheduledColumns+`
		FROM scheduled_messages
		WHERE status = 'scheduled' AND send_at <= $1
		ORDER BY send_at ASC
		LIMIT $2
	`, now.UTC(), limit)
	if err != nil {
		return nil, fmt.Errorf("fetch due: %w", err)
	}
	defer rows.Close()

	var out []model.ScheduledMessage
	for rows.Next() {
		m, err := scanScheduled(rows)
		if err != nil {
			return nil, fmt.Errorf("scan scheduled message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (r *Postgres) GetScheduled(ctx context.Context, id uuid.UUID) (model.ScheduledMessage, error) {
	m, err := scanScheduled(r.pool.QueryRow(ctx, `
		SELECT `+scheduledColumns+` FROM scheduled_messages WHERE id = $1
	`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.ScheduledMessage{}, model.ErrNotFound
	}
	return m, err
}

func (r *Postgres) Claim(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = 'sending', updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return false, fmt.Errorf("claim %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Postgres) Finalize(ctx context.Context, id uuid.UUID, f Finalization) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = $2::text,
		    success_count = $3,
		    failure_count = $4,
		    last_error = $5,
		    sent_at = CASE WHEN $2::text IN ('sent', 'partially_failed') THEN $6 ELSE sent_at END,
		    updated_at = $6
		WHERE id = $1 AND status = 'sending'
	`, id, string(f.Status), f.SuccessCount, f.FailureCount, f.LastError, f.At.UTC())
	if err != nil {
		return false, fmt.Errorf("finalize %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Postgres) Cancel(ctx context.Context, id uuid.UUID) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_messages
		SET status = 'cancelled', updated_at = now()
		WHERE id = $1 AND status = 'scheduled'
	`, id)
	if err != nil {
		return false, fmt.Errorf("cancel %s: %w", id, err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Postgres) CreateMessage(ctx context.Context, m *model.Message) error {
	if m.ID == uuid.Nil {
		m.ID = uuid.New()
	}
	err := r.pool.QueryRow(ctx, `
		INSERT INTO messages (
			id, event_id, scheduled_message_id, content, message_type,
			recipient_count, delivered_count, failed_count
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, m.ID, m.EventID, m.ScheduledMessageID, m.Content, m.MessageType,
		m.RecipientCount, m.DeliveredCount, m.FailedCount,
	).Scan(&m.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert message: %w", err)
	}
	return nil
}

func (r *Postgres) InsertDeliveries(ctx context.Context, ds []model.MessageDelivery) error {
	if len(ds) == 0 {
		return nil
	}

	now := time.Now().UTC()
	n, err := r.pool.CopyFrom(ctx,
		pgx.Identifier{"message_deliveries"},
		[]string{
			"id", "message_id", "scheduled_message_id", "guest_id", "phone",
			"sms_status", "push_status", "email_status",
			"provider_message_id", "error_code", "error_message", "created_at", "updated_at",
		},
		pgx.CopyFromSlice(len(ds), func(i int) ([]any, error) {
			d := &ds[i]
			if d.ID == uuid.Nil {
				d.ID = uuid.New()
			}
			if d.CreatedAt.IsZero() {
				d.CreatedAt = now
			}
			d.UpdatedAt = d.CreatedAt
			return []any{
				d.ID, d.MessageID, d.ScheduledMessageID, d.GuestID, d.Phone,
				string(d.SMSStatus), string(d.PushStatus), string(d.EmailStatus),
				d.ProviderMessageID, d.ErrorCode, d.ErrorMessage, d.CreatedAt, d.UpdatedAt,
			}, nil
		}),
	)
	if err != nil {
		return fmt.Errorf("copy deliveries: %w", err)
	}
	if int(n) != len(ds) {
		return fmt.Errorf("copy deliveries: wrote %d of %d rows", n, len(ds))
	}
	return nil
}

const deliveryColumns = `
	d.id, d.message_id, d.scheduled_message_id, d.guest_id, g.event_id, d.phone,
	d.sms_status, d.push_status, d.email_status,
	d.provider_message_id, d.error_code, d.error_message, d.created_at, d.updated_at`

func scanDelivery(row pgx.Row) (model.MessageDelivery, error) {
	var d model.MessageDelivery
	var sms, push, email string
	err := row.Scan(
		&d.ID, &d.MessageID, &d.ScheduledMessageID, &d.GuestID, &d.EventID, &d.Phone,
		&sms, &push, &email,
		&d.ProviderMessageID, &d.ErrorCode, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return model.MessageDelivery{}, model.ErrNotFound
	}
	if err != nil {
		return model.MessageDelivery{}, err
	}
	d.SMSStatus = model.DeliveryStatus(sms)
	d.PushStatus = model.DeliveryStatus(push)
	d.EmailStatus = model.DeliveryStatus(email)
	return d, nil
}

func (r *Postgres) DeliveryByProviderID(ctx context.Context, providerID string) (model.MessageDelivery, error) {
	return scanDelivery(r.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM message_deliveries d
		JOIN guests g ON g.id = d.guest_id
		WHERE d.provider_message_id = $1
	`, providerID))
}

func (r *Postgres) LatestUnassignedDeliveryByPhone(ctx context.Context, to string) (model.MessageDelivery, error) {
	return scanDelivery(r.pool.QueryRow(ctx, `
		SELECT `+deliveryColumns+`
		FROM message_deliveries d
		JOIN guests g ON g.id = d.guest_id
		WHERE d.phone = $1 AND d.provider_message_id IS NULL
		ORDER BY d.created_at DESC
		LIMIT 1
	`, to))
}

func (r *Postgres) BackfillProviderID(ctx context.Context, deliveryID uuid.UUID, providerID string) (bool, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE message_deliveries
		SET provider_message_id = $2, updated_at = now()
		WHERE id = $1 AND provider_message_id IS NULL
	`, deliveryID, providerID)
	if err != nil {
		return false, fmt.Errorf("backfill provider id: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

func (r *Postgres) AdvanceSMSStatus(ctx context.Context, deliveryID uuid.UUID, to model.DeliveryStatus, errorCode, errorMessage *string) (bool, error) {
	from := model.AdvanceableFrom(to)
	if len(from) == 0 {
		return false, nil
	}
	guard := make([]string, len(from))
	for i, s := range from {
		guard[i] = string(s)
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE message_deliveries
		SET sms_status = $2,
		    error_code = COALESCE($3, error_code),
		    error_message = COALESCE($4, error_message),
		    updated_at = now()
		WHERE id = $1 AND sms_status = ANY($5)
	`, deliveryID, string(to), errorCode, errorMessage, guard)
	if err != nil {
		return false, fmt.Errorf("advance sms status: %w", err)
	}
	return tag.RowsAffected() == 1, nil
}

const countColumns = `
	count(*),
	count(*) FILTER (WHERE sms_status = 'pending'),
	count(*) FILTER (WHERE sms_status = 'sent'),
	count(*) FILTER (WHERE sms_status = 'delivered'),
	count(*) FILTER (WHERE sms_status = 'undelivered'),
	count(*) FILTER (WHERE sms_status = 'failed')`

func (r *Postgres) countWhere(ctx context.Context, column string, id uuid.UUID) (model.DeliveryCounts, error) {
	var c model.DeliveryCounts
	err := r.pool.QueryRow(ctx,
		`SELECT `+countColumns+` FROM message_deliveries WHERE `+column+` = $1`, id,
	).Scan(&c.Total, &c.Pending, &c.Sent, &c.Delivered, &c.Undelivered, &c.Failed)
	if err != nil {
		return model.DeliveryCounts{}, fmt.Errorf("count deliveries by %s: %w", column, err)
	}
	return c, nil
}

func (r *Postgres) CountByMessage(ctx context.Context, messageID uuid.UUID) (model.DeliveryCounts, error) {
	return r.countWhere(ctx, "message_id", messageID)
}

func (r *Postgres) CountByScheduled(ctx context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error) {
	return r.countWhere(ctx, "scheduled_message_id", scheduledID)
}

func (r *Postgres) RecomputeMessageCounts(ctx context.Context, messageID uuid.UUID) (model.DeliveryCounts, error) {
	return r.recompute(ctx, "messages", "message_id", messageID,
		`UPDATE messages SET delivered_count = $2, failed_count = $3 WHERE id = $1`,
		func(c model.DeliveryCounts) (int, int) { return c.Delivered, c.Failures() })
}

func (r *Postgres) RecomputeScheduledCounts(ctx context.Context, scheduledID uuid.UUID) (model.DeliveryCounts, error) {
	return r.recompute(ctx, "scheduled_messages", "scheduled_message_id", scheduledID,
		`UPDATE scheduled_messages SET success_count = $2, failure_count = $3, updated_at = now() WHERE id = $1`,
		func(c model.DeliveryCounts) (int, int) { return c.Succeeded(), c.Failures() })
}

// recompute locks the parent row before counting, so concurrent recomputes
// of one parent serialize and the last writer has seen every committed row.
func (r *Postgres) recompute(
	ctx context.Context,
	parentTable, column string,
	id uuid.UUID,
	update string,
	values func(model.DeliveryCounts) (int, int),
) (model.DeliveryCounts, error) {
	var c model.DeliveryCounts
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		var locked uuid.UUID
		err := tx.QueryRow(ctx, `SELECT id FROM `+parentTable+` WHERE id = $1 FOR UPDATE`, id).Scan(&locked)
		if errors.Is(err, pgx.ErrNoRows) {
			return model.ErrNotFound
		}
		if err != nil {
			return err
		}

		err = tx.QueryRow(ctx,
			`SELECT `+countColumns+` FROM message_deliveries WHERE `+column+` = $1`, id,
		).Scan(&c.Total, &c.Pending, &c.Sent, &c.Delivered, &c.Undelivered, &c.Failed)
		if err != nil {
			return err
		}

		a, b := values(c)
		_, err = tx.Exec(ctx, update, id, a, b)
		return err
	})
	if err != nil {
		return model.DeliveryCounts{}, fmt.Errorf("recompute %s counts: %w", parentTable, err)
	}
	return c, nil
}

func (r *Postgres) ListGuests(ctx context.Context, eventID uuid.UUID) ([]model.Guest, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, event_id, display_name, phone, role, tags, sms_opt_out, removed_at,
		       rsvp_status, declined_at, first_sms_sent_at, carrier_opted_out_at, carrier_opt_out_code
		FROM guests
		WHERE event_id = $1
	`, eventID)
	if err != nil {
		return nil, fmt.Errorf("list guests: %w", err)
	}
	defer rows.Close()

	var out []model.Guest
	for rows.Next() {
		var g model.Guest
		var role string
		if err := rows.Scan(
			&g.ID, &g.EventID, &g.DisplayName, &g.Phone, &role, &g.Tags, &g.SMSOptOut, &g.RemovedAt,
			&g.RSVPStatus, &g.DeclinedAt, &g.FirstSMSSentAt, &g.CarrierOptedOutAt, &g.CarrierOptOutCode,
		); err != nil {
			return nil, fmt.Errorf("scan guest: %w", err)
		}
		g.Role = model.Role(role)
		out = append(out, g)
	}
	return out, rows.Err()
}

func (r *Postgres) EventTag(ctx context.Context, eventID uuid.UUID) (string, error) {
	var tag string
	err := r.pool.QueryRow(ctx, `SELECT sms_tag FROM events WHERE id = $1`, eventID).Scan(&tag)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", model.ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("event tag: %w", err)
	}
	return tag, nil
}

func (r *Postgres) NeedsNotice(ctx context.Context, guestID uuid.UUID) (bool, error) {
	var needs bool
	err := r.pool.QueryRow(ctx,
		`SELECT first_sms_sent_at IS NULL FROM guests WHERE id = $1`, guestID,
	).Scan(&needs)
	if errors.Is(err, pgx.ErrNoRows) {
		return false, model.ErrNotFound
	}
	if err != nil {
		return false, fmt.Errorf("needs notice: %w", err)
	}
	return needs, nil
}

func (r *Postgres) MarkNoticeSent(ctx context.Context, guestIDs []uuid.UUID, at time.Time) error {
	if len(guestIDs) == 0 {
		return nil
	}
	_, err := r.pool.Exec(ctx, `
		UPDATE guests SET first_sms_sent_at = $2
		WHERE id = ANY($1) AND first_sms_sent_at IS NULL
	`, guestIDs, at.UTC())
	if err != nil {
		return fmt.Errorf("mark notice sent: %w", err)
	}
	return nil
}

func (r *Postgres) SetCarrierOptOut(ctx context.Context, e164, code string, at time.Time) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		ids, err := guestsWithPhone(ctx, tx, e164, "sms_opt_out = false")
		if err != nil || len(ids) == 0 {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE guests
			SET sms_opt_out = true, carrier_opted_out_at = $3, carrier_opt_out_code = $2
			WHERE id = ANY($1)
		`, ids, code, at.UTC())
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("set carrier opt-out: %w", err)
	}
	return n, nil
}

func (r *Postgres) ClearCarrierOptOut(ctx context.Context, e164 string) (int64, error) {
	var n int64
	err := pgx.BeginFunc(ctx, r.pool, func(tx pgx.Tx) error {
		ids, err := guestsWithPhone(ctx, tx, e164, "carrier_opted_out_at IS NOT NULL")
		if err != nil || len(ids) == 0 {
			return err
		}
		tag, err := tx.Exec(ctx, `
			UPDATE guests
			SET sms_opt_out = false, carrier_opted_out_at = NULL, carrier_opt_out_code = NULL
			WHERE id = ANY($1)
		`, ids)
		n = tag.RowsAffected()
		return err
	})
	if err != nil {
		return 0, fmt.Errorf("clear carrier opt-out: %w", err)
	}
	return n, nil
}

// phoneTailExpr is the indexed last seven digits of a stored guest phone.
const phoneTailExpr = `right(regexp_replace(phone, '\D', '', 'g'), 7)`

// guestsWithPhone locks and returns the guests matching cond whose stored
// phone normalizes to e164. Guest phones are stored as entered, so rows are
// narrowed by their trailing digits and compared in E.164 form here.
func guestsWithPhone(ctx context.Context, tx pgx.Tx, e164, cond string) ([]uuid.UUID, error) {
	rows, err := tx.Query(ctx,
		`SELECT id, phone FROM guests WHERE `+phoneTailExpr+` = $1 AND `+cond+` FOR UPDATE`,
		phoneTail(e164))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []uuid.UUID
	for rows.Next() {
		var (
			id     uuid.UUID
			stored string
		)
		if err := rows.Scan(&id, &stored); err != nil {
			return nil, err
		}
		if samePhone(stored, e164) {
			ids = append(ids, id)
		}
	}
	return ids, rows.Err()
}

func phoneTail(e164 string) string {
	digits := make([]byte, 0, len(e164))
	for i := 0; i < len(e164); i++ {
		if c := e164[i]; c >= '0' && c <= '9' {
			digits = append(digits, c)
		}
	}
	if len(digits) > 7 {
		digits = digits[len(digits)-7:]
	}
	return string(digits)
}

func nonNilUUIDs(v []uuid.UUID) []uuid.UUID {
	if v == nil {
		return []uuid.UUID{}
	}
	return v
}

func nonNilStrings(v []string) []string {
	if v == nil {
		return []string{}
	}
	return v
}

func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
