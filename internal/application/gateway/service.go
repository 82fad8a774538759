package gateway

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/domain/payment"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/domain/purchase"
)

var (
	ErrRejectedByRule = errors.New("payment rejected by acceptance rule")
	ErrAlreadyPaid    = errors.New("payment already received for this purchase")
	ErrUnknownSession = errors.New("unknown session")
)

const (
	StatusPendingLedger = "pending_blockchain"
	StatusConfirmed     = "blockchain_confirmed"
)

// Record is one accepted SMS payment.
type Record struct {
	Session        string     `json:"session"`
	NotificationID string     `json:"notification_id"`
	Phone          string     `json:"phone"`
	Message        string     `json:"sms_content"`
	Amount         float64    `json:"amount"`
	Currency       string     `json:"currency"`
	PumpID         string     `json:"pump_id"`
	EthAmount      float64    `json:"eth_amount"`
	TxHash         string     `json:"tx_hash,omitempty"`
	Status         string     `json:"status"`
	ReceivedAt     time.Time  `json:"timestamp"`
	ConfirmedAt    *time.Time `json:"confirmed_at,omitempty"`
}

// Config holds the gateway's acceptance settings.
type Config struct {
	MinPaymentEth float64
	KeyWindow     time.Duration
	MaxRecords    int
}

// Service stands in for the mobile-money provider: it accepts payment SMS
// messages and serves their status to the coordinator.
type Service struct {
	cfg       Config
	rule      *AcceptRule
	publisher notification.Publisher
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	byKey   map[string]*Record
	records []*Record
}

func NewService(cfg Config, rule *AcceptRule, publisher notification.Publisher, logger zerolog.Logger) *Service {
	if cfg.MaxRecords <= 0 {
		cfg.MaxRecords = 1000
	}
	if rule == nil {
		rule, _ = NewAcceptRule("")
	}
	if publisher == nil {
		publisher = notification.Discard{}
	}
	return &Service{
		cfg:       cfg,
		rule:      rule,
		publisher: publisher,
		logger:    logger.With().Str("service", "sms_gateway").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		byKey:     make(map[string]*Record),
	}
}

// ProcessSMS parses and validates a payment message and records it against
// the session key of the sender and pump.
func (s *Service) ProcessSMS(ctx context.Context, phone, message string) (Record, error) {
	sms, err := payment.ParseSMS(message)
	if err != nil {
		return Record{}, err
	}
	if err := sms.Validate(s.cfg.MinPaymentEth); err != nil {
		s.logger.Info().Err(err).Str("phone", phone).Msg("sms payment failed validation")
		return Record{}, err
	}
	ok, err := s.rule.Evaluate(map[string]interface{}{
		"amount":     sms.Amount,
		"currency":   sms.Currency,
		"eth_amount": sms.EthAmount,
		"pump_id":    sms.PumpLabel,
		"phone":      phone,
	})
	if err != nil {
		return Record{}, fmt.Errorf("evaluate accept rule: %w", err)
	}
	if !ok {
		s.logger.Info().Str("phone", phone).Str("rule", s.rule.String()).Msg("sms payment rejected by rule")
		return Record{}, ErrRejectedByRule
	}
	pumpID, err := pump.ParseID(sms.PumpLabel)
	if err != nil {
		return Record{}, err
	}

	now := s.now()
	phone = purchase.NormalizePhone(phone)
	key := purchase.DeriveKey(phone, pumpID, now, s.cfg.KeyWindow)
	rec := &Record{
		Session:        key,
		NotificationID: uuid.New().String(),
		Phone:          phone,
		Message:        message,
		Amount:         sms.Amount,
		Currency:       sms.Currency,
		PumpID:         sms.PumpLabel,
		EthAmount:      sms.EthAmount,
		Status:         StatusPendingLedger,
		ReceivedAt:     now,
	}

	s.mu.Lock()
	if existing, ok := s.byKey[key]; ok {
		s.mu.Unlock()
		s.logger.Warn().Str("session", key).Str("notification_id", existing.NotificationID).Msg("second payment for the same purchase refused")
		return *existing, ErrAlreadyPaid
	}
	s.byKey[key] = rec
	s.records = append(s.records, rec)
	if len(s.records) > s.cfg.MaxRecords {
		evicted := s.records[0]
		s.records = s.records[1:]
		delete(s.byKey, evicted.Session)
	}
	out := *rec
	s.mu.Unlock()

	s.logger.Info().Str("session", key).Str("phone", phone).Str("amount", sms.AmountText()).
		Float64("eth_amount", sms.EthAmount).Msg("sms payment received")
	ev := notification.NewEvent(notification.EventPaymentConfirmed, key, sms.PumpLabel, "SMS payment received", out)
	if err := s.publisher.Publish(ctx, ev); err != nil {
		s.logger.Warn().Err(err).Str("session", key).Msg("failed to publish payment event")
	}
	return out, nil
}

// Status returns the payment status of a session in the /sms-status format.
func (s *Service) Status(key string) payment.Status {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.byKey[key]
	if !ok {
		return payment.Status{Session: key}
	}
	received := rec.ReceivedAt
	return payment.Status{
		Session:             key,
		PaymentReceived:     true,
		Phone:               rec.Phone,
		Amount:              rec.Amount,
		Currency:            rec.Currency,
		PumpID:              rec.PumpID,
		NotificationID:      rec.NotificationID,
		ReceivedAt:          &received,
		BlockchainConfirmed: rec.Status == StatusConfirmed,
		TxHash:              rec.TxHash,
	}
}

// ConfirmLedger marks the payment's purchase as confirmed on chain.
func (s *Service) ConfirmLedger(key, txHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.byKey[key]
	if !ok {
		return ErrUnknownSession
	}
	if rec.Status == StatusConfirmed {
		return nil
	}
	now := s.now()
	rec.Status = StatusConfirmed
	rec.TxHash = txHash
	rec.ConfirmedAt = &now
	s.logger.Info().Str("session", key).Str("tx_hash", txHash).Msg("blockchain confirmation recorded")
	return nil
}

// Recent returns the latest payments, newest first.
func (s *Service) Recent(limit int) []Record {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Record, 0, limit)
	for i := len(s.records) - 1; i >= 0 && len(out) < limit; i-- {
		out = append(out, *s.records[i])
	}
	return out
}

// Count returns the number of recorded payments.
func (s *Service) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.records)
}
