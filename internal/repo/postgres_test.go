package repo

import (
	"context"
	"os"
	"testing"

	"github.com/LeventeLantos/guest-messaging/internal/model"
)

// pgSeeder writes fixtures straight to the tables.
type pgSeeder struct {
	*Postgres
	t *testing.T
}

func (s pgSeeder) AddEvent(e model.Event) {
	_, err := s.pool.Exec(context.Background(),
		`INSERT INTO events (id, title, sms_tag) VALUES ($1, $2, $3)`, e.ID, e.Title, e.SMSTag)
	if err != nil {
		s.t.Fatalf("insert event: %v", err)
	}
}

func (s pgSeeder) AddGuest(g model.Guest) {
	tags := g.Tags
	if tags == nil {
		tags = []string{}
	}
	_, err := s.pool.Exec(context.Background(), `
		INSERT INTO guests (id, event_id, display_name, phone, role, tags, sms_opt_out, removed_at,
		                    rsvp_status, declined_at, first_sms_sent_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)
	`, g.ID, g.EventID, g.DisplayName, g.Phone, string(g.Role), tags, g.SMSOptOut, g.RemovedAt,
		g.RSVPStatus, g.DeclinedAt, g.FirstSMSSentAt)
	if err != nil {
		s.t.Fatalf("insert guest: %v", err)
	}
}

func TestPostgres_StoreContract(t *testing.T) {
	url := os.Getenv("TEST_POSTGRES_URL")
	if url == "" {
		t.Skip("TEST_POSTGRES_URL not set")
	}

	ctx := context.Background()
	pool, err := Connect(ctx, url)
	if err != nil {
		t.Fatalf("Connect() error: %v", err)
	}
	t.Cleanup(pool.Close)

	pg := NewPostgres(pool)
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("Migrate() error: %v", err)
	}
	// Migrate is re-runnable.
	if err := pg.Migrate(ctx); err != nil {
		t.Fatalf("second Migrate() error: %v", err)
	}

	runStoreContract(t, func(t *testing.T) storeUnderTest {
		_, err := pool.Exec(ctx, `
			TRUNCATE message_deliveries, messages, scheduled_messages, guests, events
		`)
		if err != nil {
			t.Fatalf("truncate: %v", err)
		}
		return pgSeeder{Postgres: pg, t: t}
	})
}
