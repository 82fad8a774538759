package checkout

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/application/session"
	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/payment"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/domain/purchase"
)

var (
	ErrPhoneRequired    = errors.New("phone is required")
	ErrAlreadySubmitted = purchase.ErrLedgerTracked
	ErrInvalidTxHash    = errors.New("invalid transaction hash")
)

// PaymentStream delivers the confirmed payment for a session.
type PaymentStream interface {
	Subscribe(ctx context.Context, sessionKey string) <-chan payment.Confirmed
}

// LedgerTracker submits purchases and follows transactions.
type LedgerTracker interface {
	Submit(ctx context.Context, pumpID pump.ID, value *big.Int) (ledger.TxRef, error)
	Watch(ctx context.Context, ref ledger.TxRef) <-chan ledger.Event
}

// PriceSource quotes the price of one credit.
type PriceSource interface {
	CreditPrice(ctx context.Context) (*big.Int, error)
}

// Service opens purchase sessions and wires the watchers to them. Every
// watcher goroutine is bounded by its session's expiresAt.
type Service struct {
	sessions *session.Service
	payments PaymentStream
	tracker  LedgerTracker
	prices   PriceSource
	window   time.Duration
	logger   zerolog.Logger
	now      func() time.Time

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	subs    map[string]struct{}
	watches map[string]struct{}
}

func NewService(
	sessions *session.Service,
	payments PaymentStream,
	tracker LedgerTracker,
	prices PriceSource,
	keyWindow time.Duration,
	logger zerolog.Logger,
) *Service {
	ctx, cancel := context.WithCancel(context.Background())
	return &Service{
		sessions: sessions,
		payments: payments,
		tracker:  tracker,
		prices:   prices,
		window:   keyWindow,
		logger:   logger.With().Str("service", "checkout").Logger(),
		now:      func() time.Time { return time.Now().UTC() },
		ctx:      ctx,
		cancel:   cancel,
		subs:     make(map[string]struct{}),
		watches:  make(map[string]struct{}),
	}
}

// StartRequest identifies a buyer and the pump they want water from.
type StartRequest struct {
	Phone        string
	PumpID       string
	BuyerAddress string
}

// Start opens the session for the buyer's current key window and subscribes
// to its payment. Calling it again within the window returns the same session.
func (s *Service) Start(ctx context.Context, req StartRequest) (purchase.Session, error) {
	phone := purchase.NormalizePhone(req.Phone)
	if phone == "" {
		return purchase.Session{}, ErrPhoneRequired
	}
	pumpID, err := pump.ParseID(req.PumpID)
	if err != nil {
		return purchase.Session{}, err
	}
	seed := purchase.Seed{PumpID: pumpID, BuyerAddress: strings.TrimSpace(req.BuyerAddress), Phone: phone}
	key := purchase.DeriveKey(phone, pumpID, s.now(), s.window)

	sess, _, err := s.sessions.Open(ctx, key, seed)
	if err != nil {
		return purchase.Session{}, fmt.Errorf("open session: %w", err)
	}
	if !sess.IsTerminal() && sess.Payment == nil {
		s.subscribe(sess, seed)
	}
	return sess, nil
}

func (s *Service) subscribe(sess purchase.Session, seed purchase.Seed) {
	s.mu.Lock()
	if _, ok := s.subs[sess.Key]; ok {
		s.mu.Unlock()
		return
	}
	s.subs[sess.Key] = struct{}{}
	s.mu.Unlock()

	ctx, cancel := context.WithDeadline(s.ctx, sess.ExpiresAt)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.subs, sess.Key)
			s.mu.Unlock()
		}()
		for ev := range s.payments.Subscribe(ctx, sess.Key) {
			if err := s.sessions.HandlePayment(ctx, ev, &seed); err != nil {
				s.logger.Error().Err(err).Str("session_key", sess.Key).Msg("failed to apply payment")
			}
		}
	}()
}

// Buy submits buyWater for a session whose payment is confirmed. A nil value
// pays the contract's current credit price. The submission is reserved under
// the session lock, so concurrent calls send at most one transaction.
func (s *Service) Buy(ctx context.Context, key string, value *big.Int) (ledger.TxRef, error) {
	sess, err := s.sessions.Get(ctx, key)
	if err != nil {
		return ledger.TxRef{}, err
	}
	if sess.IsTerminal() {
		return ledger.TxRef{}, purchase.ErrSessionClosed
	}

	sess, err = s.sessions.BeginSubmission(ctx, key)
	if err != nil {
		return ledger.TxRef{}, err
	}
	if value == nil {
		value, err = s.prices.CreditPrice(ctx)
		if err != nil {
			s.sessions.AbortSubmission(key)
			return ledger.TxRef{}, fmt.Errorf("credit price: %w", err)
		}
	}

	ref, err := s.tracker.Submit(ctx, sess.PumpID, value)
	if err != nil {
		s.sessions.AbortSubmission(key)
		s.logger.Error().Err(err).Str("session_key", key).Msg("buyWater submission failed")
		return ledger.TxRef{}, err
	}
	if err := s.sessions.CompleteSubmission(ctx, key, ref.Hash); err != nil {
		s.sessions.AbortSubmission(key)
		s.logger.Warn().Err(err).Str("session_key", key).Str("tx_hash", ref.Hash).Bool("anomaly", true).
			Msg("buyWater sent but not recorded on the session")
		return ref, err
	}
	s.watch(sess, ref)
	return ref, nil
}

// AttachTx follows a transaction the buyer submitted from their own wallet.
// The transaction must not be tracked by any other session.
func (s *Service) AttachTx(ctx context.Context, key, txHash string) error {
	txHash = strings.ToLower(strings.TrimSpace(txHash))
	if b, err := hexutil.Decode(txHash); err != nil || len(b) != 32 {
		return ErrInvalidTxHash
	}
	sess, err := s.sessions.Get(ctx, key)
	if err != nil {
		return err
	}
	if sess.IsTerminal() {
		return purchase.ErrSessionClosed
	}
	if err := s.sessions.AttachTx(ctx, key, txHash); err != nil {
		return err
	}
	s.watch(sess, ledger.TxRef{Hash: txHash, PumpID: sess.PumpID, SubmittedAt: s.now()})
	return nil
}

func (s *Service) watch(sess purchase.Session, ref ledger.TxRef) {
	s.mu.Lock()
	if _, ok := s.watches[ref.Hash]; ok {
		s.mu.Unlock()
		return
	}
	s.watches[ref.Hash] = struct{}{}
	s.mu.Unlock()

	seed := purchase.Seed{PumpID: sess.PumpID, BuyerAddress: sess.BuyerAddress, Phone: sess.Phone}
	ctx, cancel := context.WithDeadline(s.ctx, sess.ExpiresAt)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		defer cancel()
		defer func() {
			s.mu.Lock()
			delete(s.watches, ref.Hash)
			s.mu.Unlock()
		}()

		terminal := false
		for ev := range s.tracker.Watch(ctx, ref) {
			if err := s.sessions.HandleLedger(ctx, sess.Key, &seed, ev); err != nil {
				s.logger.Error().Err(err).Str("session_key", sess.Key).Str("tx_hash", ref.Hash).Msg("failed to apply ledger event")
			}
			terminal = terminal || ev.IsTerminal()
		}
		if !terminal && errors.Is(ctx.Err(), context.DeadlineExceeded) {
			s.logger.Warn().Bool("anomaly", true).Str("session_key", sess.Key).Str("tx_hash", ref.Hash).
				Msg("ledger watch abandoned at session expiry")
		}
	}()
}

// Close cancels all subscriptions and watches and waits for them to finish.
func (s *Service) Close() {
	s.cancel()
	s.wg.Wait()
}
