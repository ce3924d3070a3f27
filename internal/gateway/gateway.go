package gateway

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/LeventeLantos/guest-messaging/internal/metrics"
	"github.com/LeventeLantos/guest-messaging/internal/retry"
)

type Outbound struct {
	To      string
	Body    string
	GuestID uuid.UUID
}

// SendResult is the carrier's answer for one outbound. A nil Err means the
// carrier accepted the message.
type SendResult struct {
	ProviderID string
	Err        error
}

func (r SendResult) Accepted() bool { return r.Err == nil }

// BulkResult counts accepted and rejected messages. Results, when set, is
// index-aligned with the request.
type BulkResult struct {
	Sent    int
	Failed  int
	Results []SendResult
}

// Gateway is the carrier boundary. SendBulk returns an error only when the
// call as a whole failed and nothing was handed to the carrier.
type Gateway interface {
	Name() string
	SendBulk(ctx context.Context, msgs []Outbound) (BulkResult, error)
}

// ErrBatchFailed is returned when every message failed with a transient error.
var ErrBatchFailed = errors.New("gateway batch failed")

type pacer struct {
	limiter     *rate.Limiter
	concurrency int
}

func newPacer(perSecond float64, concurrency int) pacer {
	if concurrency <= 0 {
		concurrency = 1
	}
	limit := rate.Inf
	burst := concurrency
	if perSecond > 0 {
		limit = rate.Limit(perSecond)
	}
	return pacer{limiter: rate.NewLimiter(limit, burst), concurrency: concurrency}
}

// sendEach sends every outbound through send with bounded concurrency.
func (p pacer) sendEach(ctx context.Context, provider string, msgs []Outbound, send func(ctx context.Context, m Outbound) SendResult) (BulkResult, error) {
	start := time.Now()
	defer func() {
		metrics.GatewaySendDuration.WithLabelValues(provider).Observe(time.Since(start).Seconds())
	}()

	results := make([]SendResult, len(msgs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.concurrency)
	for i := range msgs {
		i := i
		g.Go(func() error {
			if err := p.limiter.Wait(gctx); err != nil {
				results[i] = SendResult{Err: err}
				return nil
			}
			results[i] = send(gctx, msgs[i])
			return nil
		})
	}
	_ = g.Wait()

	out := BulkResult{Results: results}
	transient := 0
	var firstErr error
	for _, r := range results {
		if r.Accepted() {
			out.Sent++
			continue
		}
		out.Failed++
		if firstErr == nil {
			firstErr = r.Err
		}
		if retry.IsRetryable(retry.SMS, r.Err, "") {
			transient++
		}
	}

	metrics.GatewayMessagesTotal.WithLabelValues(provider, "accepted").Add(float64(out.Sent))
	metrics.GatewayMessagesTotal.WithLabelValues(provider, "rejected").Add(float64(out.Failed))

	if len(msgs) > 0 && out.Sent == 0 && transient == len(msgs) {
		return out, fmt.Errorf("%w: %w", ErrBatchFailed, firstErr)
	}
	return out, nil
}
