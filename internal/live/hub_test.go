package live

import (
	"sync"
	"testing"

	"github.com/google/uuid"

	"github.com/LeventeLantos/guest-messaging/internal/model"
)

func TestHub_PublishReachesEventSubscribersOnly(t *testing.T) {
	t.Parallel()

	h := NewHub(4)
	ev, other := uuid.New(), uuid.New()

	a, disposeA := h.Subscribe(ev)
	defer disposeA()
	b, disposeB := h.Subscribe(ev)
	defer disposeB()
	c, disposeC := h.Subscribe(other)
	defer disposeC()

	if h.Events() != 2 {
		t.Fatalf("expected two registry entries, got %d", h.Events())
	}

	n := h.Publish(model.DeliveryUpdate{EventID: ev, Status: model.DeliveryDelivered})
	if n != 2 {
		t.Fatalf("expected 2 receivers, got %d", n)
	}
	for _, ch := range []<-chan model.DeliveryUpdate{a, b} {
		if u := <-ch; u.Status != model.DeliveryDelivered {
			t.Fatalf("unexpected update %+v", u)
		}
	}
	select {
	case u := <-c:
		t.Fatalf("other event received %+v", u)
	default:
	}
}

func TestHub_DisposerIsIdempotentAndLastOneRemovesEntry(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	ev := uuid.New()

	ch1, dispose1 := h.Subscribe(ev)
	_, dispose2 := h.Subscribe(ev)

	dispose1()
	dispose1()
	if _, ok := <-ch1; ok {
		t.Fatalf("expected closed channel after dispose")
	}
	if h.Events() != 1 {
		t.Fatalf("entry must stay while a subscriber remains")
	}

	dispose2()
	if h.Events() != 0 {
		t.Fatalf("expected entry removed after last disposer")
	}
	if n := h.Publish(model.DeliveryUpdate{EventID: ev}); n != 0 {
		t.Fatalf("expected no receivers, got %d", n)
	}
}

func TestHub_PublishNeverBlocks(t *testing.T) {
	t.Parallel()

	h := NewHub(1)
	ev := uuid.New()
	_, dispose := h.Subscribe(ev)
	defer dispose()

	if n := h.Publish(model.DeliveryUpdate{EventID: ev}); n != 1 {
		t.Fatalf("expected first publish delivered")
	}
	if n := h.Publish(model.DeliveryUpdate{EventID: ev}); n != 0 {
		t.Fatalf("expected full buffer to drop, got %d", n)
	}
}

func TestHub_ConcurrentSubscribePublish(t *testing.T) {
	t.Parallel()

	h := NewHub(8)
	ev := uuid.New()

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(2)
		go func() {
			defer wg.Done()
			_, dispose := h.Subscribe(ev)
			dispose()
		}()
		go func() {
			defer wg.Done()
			h.Publish(model.DeliveryUpdate{EventID: ev})
		}()
	}
	wg.Wait()

	if h.Events() != 0 {
		t.Fatalf("expected empty registry, got %d", h.Events())
	}
}
