package watcher

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/payment"
)

// ErrTransient marks collaborator failures that are retried on the next tick.
var ErrTransient = errors.New("transient collaborator error")

// PaymentWatcher turns the gateway's status endpoint into a stream of
// PaymentConfirmed events, at most one per notification.
type PaymentWatcher struct {
	source   payment.Source
	dedup    payment.DedupStore
	interval time.Duration
	logger   zerolog.Logger
	now      func() time.Time
}

// NewPaymentWatcher creates a payment watcher. dedup may be nil.
func NewPaymentWatcher(source payment.Source, dedup payment.DedupStore, interval time.Duration, logger zerolog.Logger) *PaymentWatcher {
	if interval <= 0 {
		interval = 2 * time.Second
	}
	return &PaymentWatcher{
		source:   source,
		dedup:    dedup,
		interval: interval,
		logger:   logger.With().Str("service", "payment_watcher").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
	}
}

// Poll asks the gateway once. It returns payment.ErrNotReceived while the
// payment is outstanding and wraps ErrTransient on I/O failures.
func (w *PaymentWatcher) Poll(ctx context.Context, sessionKey string) (*payment.Confirmed, error) {
	st, err := w.source.Status(ctx, sessionKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return payment.ConfirmedFromStatus(sessionKey, st, w.now())
}

// Subscribe polls until one confirmation is delivered or ctx is cancelled.
// The channel yields at most one event and is then closed.
func (w *PaymentWatcher) Subscribe(ctx context.Context, sessionKey string) <-chan payment.Confirmed {
	out := make(chan payment.Confirmed, 1)
	go func() {
		defer close(out)
		log := w.logger.With().Str("session_key", sessionKey).Logger()

		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			ev, err := w.Poll(ctx, sessionKey)
			switch {
			case err == nil:
				if w.firstDelivery(ctx, ev, log) {
					select {
					case out <- *ev:
					case <-ctx.Done():
					}
				}
				return
			case errors.Is(err, payment.ErrNotReceived):
			case ctx.Err() != nil:
				return
			default:
				log.Warn().Err(err).Msg("payment status check failed")
			}

			select {
			case <-ctx.Done():
				log.Debug().Msg("payment subscription cancelled")
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// firstDelivery reports whether the notification has not been delivered
// before. Dedup store failures fall back to delivering.
func (w *PaymentWatcher) firstDelivery(ctx context.Context, ev *payment.Confirmed, log zerolog.Logger) bool {
	if w.dedup == nil {
		return true
	}
	first, err := w.dedup.MarkSeen(ctx, ev.NotificationID)
	if err != nil {
		log.Warn().Err(err).Str("notification_id", ev.NotificationID).Msg("dedup store unavailable")
		return true
	}
	if !first {
		log.Debug().Str("notification_id", ev.NotificationID).Msg("payment notification already delivered")
	}
	return first
}
