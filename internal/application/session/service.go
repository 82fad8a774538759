package session

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/domain/payment"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/domain/purchase"
)

// PumpActivator starts the pump for a session.
type PumpActivator interface {
	Activate(ctx context.Context, id pump.ID, sessionKey string) error
}

// ActivationRecorder writes a completed dispense to the ledger.
type ActivationRecorder interface {
	ActivatePump(ctx context.Context, pumpID pump.ID, liters uint64) (string, error)
}

// Service applies payment and ledger events to sessions and activates the
// pump exactly once when both confirmations are present.
type Service struct {
	registry  *Registry
	repo      purchase.Repository
	pumps     PumpActivator
	gateway   payment.Source
	recorder  ActivationRecorder
	liters    uint64
	publisher notification.Publisher
	logger    zerolog.Logger
	timeout   time.Duration
}

// NewService creates the session coordinator. repo, gateway and recorder may be nil.
func NewService(
	registry *Registry,
	repo purchase.Repository,
	pumps PumpActivator,
	gateway payment.Source,
	recorder ActivationRecorder,
	litersPerActivation uint64,
	publisher notification.Publisher,
	logger zerolog.Logger,
) *Service {
	if publisher == nil {
		publisher = notification.Discard{}
	}
	return &Service{
		registry:  registry,
		repo:      repo,
		pumps:     pumps,
		gateway:   gateway,
		recorder:  recorder,
		liters:    litersPerActivation,
		publisher: publisher,
		logger:    logger.With().Str("service", "session").Logger(),
		timeout:   30 * time.Second,
	}
}

// Open returns the session for key, creating it if it does not exist yet.
func (s *Service) Open(ctx context.Context, key string, seed purchase.Seed) (purchase.Session, bool, error) {
	var (
		snap    purchase.Session
		created bool
	)
	err := s.registry.Open(key, seed, func(sess *purchase.Session, isNew bool) {
		created = isNew
		if isNew {
			s.save(ctx, sess)
		}
		snap = sess.Snapshot()
	})
	if err != nil {
		return purchase.Session{}, false, err
	}
	if created {
		s.logger.Info().Str("session_key", key).Str("pump_id", seed.PumpID.String()).Msg("purchase session opened")
	}
	return snap, created, nil
}

// Get returns the live session, falling back to the stored record.
func (s *Service) Get(ctx context.Context, key string) (purchase.Session, error) {
	if snap, ok := s.registry.Get(key); ok {
		return snap, nil
	}
	if s.repo == nil {
		return purchase.Session{}, purchase.ErrNotFound
	}
	stored, err := s.repo.GetByKey(ctx, key)
	if err != nil {
		return purchase.Session{}, err
	}
	if stored == nil {
		return purchase.Session{}, purchase.ErrNotFound
	}
	return *stored, nil
}

// List returns recent purchases.
func (s *Service) List(ctx context.Context, limit int) ([]purchase.Session, error) {
	if s.repo == nil {
		live := s.registry.List()
		if len(live) > limit {
			live = live[:limit]
		}
		return live, nil
	}
	stored, err := s.repo.ListRecent(ctx, limit)
	if err != nil {
		return nil, err
	}
	out := make([]purchase.Session, 0, len(stored))
	for _, st := range stored {
		if live, ok := s.registry.Get(st.Key); ok {
			out = append(out, live)
			continue
		}
		out = append(out, *st)
	}
	return out, nil
}

// HandlePayment applies a PaymentConfirmed event.
func (s *Service) HandlePayment(ctx context.Context, ev payment.Confirmed, seed *purchase.Seed) error {
	log := s.logger.With().Str("session_key", ev.SessionKey).Str("notification_id", ev.NotificationID).Logger()
	_, err := s.apply(ctx, ev.SessionKey, seed, notification.EventPaymentConfirmed, log, func(sess *purchase.Session, now time.Time) error {
		return sess.RecordPayment(ev.Info(), now)
	})
	return err
}

// HandleLedger applies a ledger watch event.
func (s *Service) HandleLedger(ctx context.Context, key string, seed *purchase.Seed, ev ledger.Event) error {
	log := s.logger.With().Str("session_key", key).Str("tx_hash", ev.TxHash).Str("kind", string(ev.Kind)).Logger()

	var (
		eventType notification.EventType
		fn        func(sess *purchase.Session, now time.Time) error
	)
	switch ev.Kind {
	case ledger.EventSubmitted:
		eventType = notification.EventLedgerSubmitted
		fn = func(sess *purchase.Session, now time.Time) error {
			if err := s.bindTx(ctx, sess.Key, ev.TxHash, log); err != nil {
				return err
			}
			return sess.RecordLedgerSubmitted(ev.TxHash, now)
		}
	case ledger.EventConfirmed:
		eventType = notification.EventLedgerConfirmed
		fn = func(sess *purchase.Session, now time.Time) error {
			if err := s.bindTx(ctx, sess.Key, ev.TxHash, log); err != nil {
				return err
			}
			return sess.RecordLedgerConfirmed(ev.TxHash, ev.BlockHeight, now)
		}
	case ledger.EventFailed:
		eventType = notification.EventRejected
		fn = func(sess *purchase.Session, now time.Time) error {
			return sess.RecordLedgerFailed(ev.TxHash, ev.Reason, now)
		}
	default:
		log.Warn().Msg("unknown ledger event kind")
		return nil
	}

	applied, err := s.apply(ctx, key, seed, eventType, log, fn)
	if err != nil || !applied {
		return err
	}
	if ev.Kind == ledger.EventConfirmed && s.gateway != nil {
		nctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		if err := s.gateway.NotifyLedgerConfirmed(nctx, key, ev.TxHash); err != nil {
			log.Warn().Err(err).Msg("failed to notify payment gateway of ledger confirmation")
		}
	}
	return nil
}

// BeginSubmission reserves the session's buyWater submission so that at most
// one transaction is sent for it.
func (s *Service) BeginSubmission(ctx context.Context, key string) (purchase.Session, error) {
	var snap purchase.Session
	err := s.registry.Apply(key, nil, func(sess *purchase.Session) error {
		if err := sess.BeginSubmission(s.registry.Now()); err != nil {
			if errors.Is(err, purchase.ErrExpired) {
				s.save(ctx, sess)
				s.publish(ctx, sess, notification.EventExpired)
			}
			return err
		}
		snap = sess.Snapshot()
		return nil
	})
	return snap, err
}

// AbortSubmission releases a reservation whose transaction was never sent.
func (s *Service) AbortSubmission(key string) {
	_ = s.registry.Apply(key, nil, func(sess *purchase.Session) error {
		sess.AbortSubmission()
		return nil
	})
}

// CompleteSubmission records the transaction sent for a reserved submission.
func (s *Service) CompleteSubmission(ctx context.Context, key, txHash string) error {
	return s.track(ctx, key, txHash, true)
}

// AttachTx records a transaction the buyer sent from their own wallet.
func (s *Service) AttachTx(ctx context.Context, key, txHash string) error {
	return s.track(ctx, key, txHash, false)
}

// track binds txHash to the session and records it as submitted. A session
// tracks one transaction, and a transaction confirms one session.
func (s *Service) track(ctx context.Context, key, txHash string, reserved bool) error {
	log := s.logger.With().Str("session_key", key).Str("tx_hash", txHash).Logger()
	return s.registry.Apply(key, nil, func(sess *purchase.Session) error {
		if sess.IsTerminal() {
			return purchase.ErrSessionClosed
		}
		if sess.Ledger != nil && !strings.EqualFold(sess.Ledger.TxHash, txHash) {
			return purchase.ErrLedgerTracked
		}
		if sess.SubmissionPending && !reserved {
			return purchase.ErrLedgerTracked
		}
		if err := s.bindTx(ctx, sess.Key, txHash, log); err != nil {
			return err
		}

		err := sess.RecordLedgerSubmitted(txHash, s.registry.Now())
		switch {
		case errors.Is(err, purchase.ErrDuplicate):
			return nil
		case errors.Is(err, purchase.ErrExpired):
			s.save(ctx, sess)
			s.publish(ctx, sess, notification.EventExpired)
			return err
		case err != nil:
			return err
		}
		s.save(ctx, sess)
		s.publish(ctx, sess, notification.EventLedgerSubmitted)
		log.Info().Msg("ledger transaction tracked")
		return nil
	})
}

// bindTx refuses a transaction already bound to another session, live or stored.
func (s *Service) bindTx(ctx context.Context, key, txHash string, log zerolog.Logger) error {
	if owner, ok := s.registry.TxOwner(txHash); ok && owner != key {
		log.Warn().Bool("anomaly", true).Str("bound_to", owner).Msg("transaction already bound to another session")
		return purchase.ErrTxInUse
	}
	if s.repo != nil {
		stored, err := s.repo.GetByTxHash(context.WithoutCancel(ctx), txHash)
		if err != nil {
			return fmt.Errorf("look up transaction: %w", err)
		}
		if stored != nil && stored.Key != key {
			log.Warn().Bool("anomaly", true).Str("bound_to", stored.Key).Msg("transaction already used by another purchase")
			return purchase.ErrTxInUse
		}
	}
	if owner, ok := s.registry.BindTx(txHash, key); !ok {
		log.Warn().Bool("anomaly", true).Str("bound_to", owner).Msg("transaction already bound to another session")
		return purchase.ErrTxInUse
	}
	return nil
}

// apply runs fn under the session lock, activates the pump when the session
// becomes ready, then persists and publishes the outcome. Duplicates, late and
// conflicting events are logged and swallowed; applied reports a state change.
func (s *Service) apply(
	ctx context.Context,
	key string,
	seed *purchase.Seed,
	eventType notification.EventType,
	log zerolog.Logger,
	fn func(sess *purchase.Session, now time.Time) error,
) (bool, error) {
	var activated *purchase.Session

	err := s.registry.Apply(key, seed, func(sess *purchase.Session) error {
		now := s.registry.Now()
		requested := sess.ActivationRequested
		before := sess.State

		if err := fn(sess, now); err != nil {
			if errors.Is(err, purchase.ErrExpired) {
				s.save(ctx, sess)
				s.publish(ctx, sess, notification.EventExpired)
			}
			return err
		}

		events := []notification.EventType{eventType}
		if sess.State == purchase.StateReadyToActivate {
			s.activateLocked(ctx, sess, log)
		}
		if !requested && sess.ActivationRequested {
			events = append(events, notification.EventReadyToActivate)
		}
		if sess.State != before {
			switch sess.State {
			case purchase.StateActivated:
				events = append(events, notification.EventActivated)
				snap := sess.Snapshot()
				activated = &snap
			case purchase.StateRejected:
				if eventType != notification.EventRejected {
					events = append(events, notification.EventRejected)
				}
			}
		}

		s.save(ctx, sess)
		for _, et := range events {
			s.publish(ctx, sess, et)
		}
		log.Info().Str("state", string(sess.State)).Str("from", string(before)).Msg("session event applied")
		return nil
	})

	switch {
	case err == nil:
		if activated != nil {
			s.recordActivation(ctx, *activated)
		}
		return true, nil
	case errors.Is(err, purchase.ErrDuplicate):
		log.Debug().Msg("duplicate event ignored")
	case errors.Is(err, purchase.ErrExpired):
		log.Warn().Bool("anomaly", true).Msg("event arrived after session expiry; session expired")
	case errors.Is(err, purchase.ErrSessionClosed):
		log.Warn().Bool("anomaly", true).Msg("event for closed session ignored")
	case errors.Is(err, purchase.ErrPaymentAlreadyRecorded),
		errors.Is(err, purchase.ErrLedgerAlreadyConfirmed),
		errors.Is(err, purchase.ErrStaleLedgerEvent),
		errors.Is(err, purchase.ErrTxInUse):
		log.Warn().Err(err).Bool("anomaly", true).Msg("conflicting event ignored")
	case errors.Is(err, purchase.ErrNotFound):
		log.Warn().Bool("anomaly", true).Msg("event for unknown session ignored")
	default:
		return false, err
	}
	return false, nil
}

// activateLocked makes the single activation attempt of a ready session.
func (s *Service) activateLocked(ctx context.Context, sess *purchase.Session, log zerolog.Logger) {
	if err := sess.BeginActivation(); err != nil {
		return
	}
	err := s.pumps.Activate(context.WithoutCancel(ctx), sess.PumpID, sess.Key)
	now := s.registry.Now()
	switch {
	case err == nil:
		_ = sess.MarkActivated(now)
		log.Info().Str("pump_id", sess.PumpID.String()).Msg("pump activated")
	case errors.Is(err, pump.ErrPumpBusy):
		_ = sess.MarkRejected(purchase.ReasonPumpBusy, err.Error(), now)
		log.Warn().Err(err).Str("pump_id", sess.PumpID.String()).Msg("pump busy, session rejected")
	default:
		_ = sess.MarkRejected(purchase.ReasonPumpFault, err.Error(), now)
		log.Error().Err(err).Str("pump_id", sess.PumpID.String()).Msg("pump fault, session rejected")
	}
}

// recordActivation writes the dispense to the ledger in the background.
func (s *Service) recordActivation(ctx context.Context, sess purchase.Session) {
	if s.recorder == nil || s.liters == 0 {
		return
	}
	go func() {
		rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), s.timeout)
		defer cancel()
		txHash, err := s.recorder.ActivatePump(rctx, sess.PumpID, s.liters)
		if err != nil {
			s.logger.Warn().Err(err).Str("session_key", sess.Key).Str("pump_id", sess.PumpID.String()).Msg("failed to record pump activation on ledger")
			return
		}
		s.logger.Info().Str("session_key", sess.Key).Str("tx_hash", txHash).Msg("pump activation recorded on ledger")
	}()
}

// ExpireOverdue expires sessions past their deadline and purges closed ones.
func (s *Service) ExpireOverdue(ctx context.Context) int {
	expired, purged := s.registry.Sweep(s.registry.Now(), func(sess *purchase.Session) {
		s.save(ctx, sess)
		s.publish(ctx, sess, notification.EventExpired)
		s.logger.Info().Str("session_key", sess.Key).Msg("purchase session expired")
	})
	if purged > 0 {
		s.logger.Debug().Int("purged", purged).Msg("closed sessions purged")
	}
	return expired
}

// RunExpiry sweeps on every tick until ctx is cancelled.
func (s *Service) RunExpiry(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ExpireOverdue(ctx)
		}
	}
}

func (s *Service) save(ctx context.Context, sess *purchase.Session) {
	if s.repo == nil {
		return
	}
	if err := s.repo.Save(context.WithoutCancel(ctx), sess); err != nil {
		s.logger.Warn().Err(err).Str("session_key", sess.Key).Msg("failed to persist purchase session")
	}
}

func (s *Service) publish(ctx context.Context, sess *purchase.Session, eventType notification.EventType) {
	snap := sess.Snapshot()
	ev := notification.NewEvent(eventType, sess.Key, sess.PumpID.String(), sess.StatusText(), snap)
	if err := s.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
		s.logger.Warn().Err(err).Str("session_key", sess.Key).Str("event", string(eventType)).Msg("failed to publish session event")
	}
}
