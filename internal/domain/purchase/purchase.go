package purchase

import (
	"errors"
	"time"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// State represents the lifecycle state of a purchase session
type State string

const (
	StateAwaitingPayment State = "AWAITING_PAYMENT"
	StateAwaitingLedger  State = "AWAITING_LEDGER"
	StateReadyToActivate State = "READY_TO_ACTIVATE"
	StateActivated       State = "ACTIVATED"
	StateRejected        State = "REJECTED"
	StateExpired         State = "EXPIRED"
)

// Reason explains why a session was rejected
type Reason string

const (
	ReasonLedgerFailed Reason = "LEDGER_FAILED"
	ReasonPumpBusy     Reason = "PUMP_BUSY"
	ReasonPumpFault    Reason = "PUMP_FAULT"
)

var (
	ErrInvalidTransition      = errors.New("invalid session transition")
	ErrSessionClosed          = errors.New("session is terminal")
	ErrExpired                = errors.New("session has expired")
	ErrDuplicate              = errors.New("duplicate event")
	ErrPaymentAlreadyRecorded = errors.New("a different payment is already recorded")
	ErrLedgerAlreadyConfirmed = errors.New("a different ledger transaction is already confirmed")
	ErrStaleLedgerEvent       = errors.New("ledger event does not match the tracked transaction")
	ErrActivationRequested    = errors.New("activation already requested")
	ErrPaymentRequired        = errors.New("payment not confirmed")
	ErrLedgerTracked          = errors.New("a ledger transaction is already tracked for this session")
	ErrTxInUse                = errors.New("transaction is bound to another session")
	ErrNotFound               = errors.New("session not found")
)

// PaymentInfo is the normalized off-chain payment attached to a session.
type PaymentInfo struct {
	NotificationID string    `json:"notificationId"`
	Amount         float64   `json:"amount"`
	Currency       string    `json:"currency,omitempty"`
	Payer          string    `json:"payer"`
	ReceivedAt     time.Time `json:"receivedAt"`
}

// LedgerRef tracks the on-chain purchase transaction.
type LedgerRef struct {
	TxHash      string     `json:"txHash"`
	Confirmed   bool       `json:"confirmed"`
	BlockHeight uint64     `json:"blockHeight,omitempty"`
	SubmittedAt *time.Time `json:"submittedAt,omitempty"`
	ConfirmedAt *time.Time `json:"confirmedAt,omitempty"`
}

// Seed carries what is needed to create a session lazily from the first event.
type Seed struct {
	PumpID       pump.ID
	BuyerAddress string
	Phone        string
}

// Session is one purchase attempt correlating a payment and a ledger transaction.
type Session struct {
	Key                 string       `json:"sessionKey"`
	PumpID              pump.ID      `json:"pumpId"`
	BuyerAddress        string       `json:"buyerAddress,omitempty"`
	Phone               string       `json:"phone,omitempty"`
	State               State        `json:"state"`
	Payment             *PaymentInfo `json:"payment,omitempty"`
	Ledger              *LedgerRef   `json:"ledger,omitempty"`
	RejectReason        *Reason      `json:"rejectReason,omitempty"`
	RejectDetail        *string      `json:"rejectDetail,omitempty"`
	ActivationRequested bool         `json:"activationRequested"`
	SubmissionPending   bool         `json:"submissionPending,omitempty"`
	CreatedAt           time.Time    `json:"createdAt"`
	ExpiresAt           time.Time    `json:"expiresAt"`
	UpdatedAt           time.Time    `json:"updatedAt"`
	ClosedAt            *time.Time   `json:"closedAt,omitempty"`
}

// NewSession creates a session awaiting payment
func NewSession(key string, seed Seed, now time.Time, ttl time.Duration) *Session {
	return &Session{
		Key:          key,
		PumpID:       seed.PumpID,
		BuyerAddress: seed.BuyerAddress,
		Phone:        seed.Phone,
		State:        StateAwaitingPayment,
		CreatedAt:    now,
		ExpiresAt:    now.Add(ttl),
		UpdatedAt:    now,
	}
}

// Adopt fills identity fields the session was created without.
func (s *Session) Adopt(seed Seed) {
	if s.PumpID.IsZero() {
		s.PumpID = seed.PumpID
	}
	if s.BuyerAddress == "" {
		s.BuyerAddress = seed.BuyerAddress
	}
	if s.Phone == "" {
		s.Phone = seed.Phone
	}
}

// CanTransitionTo checks if a transition to the target state is valid
func (s *Session) CanTransitionTo(target State) bool {
	transitions := map[State][]State{
		StateAwaitingPayment: {StateAwaitingLedger, StateReadyToActivate, StateRejected, StateExpired},
		StateAwaitingLedger:  {StateReadyToActivate, StateRejected, StateExpired},
		StateReadyToActivate: {StateActivated, StateRejected},
		StateActivated:       {},
		StateRejected:        {},
		StateExpired:         {},
	}

	allowed, ok := transitions[s.State]
	if !ok {
		return false
	}
	for _, st := range allowed {
		if st == target {
			return true
		}
	}
	return false
}

// IsTerminal returns true if the session can no longer change
func (s *Session) IsTerminal() bool {
	return s.State == StateActivated || s.State == StateRejected || s.State == StateExpired
}

// IsExpired reports whether expiresAt has passed for a session that has not reached activation.
func (s *Session) IsExpired(now time.Time) bool {
	if s.IsTerminal() || s.State == StateReadyToActivate {
		return false
	}
	return !now.Before(s.ExpiresAt)
}

// LedgerConfirmed reports whether a confirmed ledger reference is held.
func (s *Session) LedgerConfirmed() bool {
	return s.Ledger != nil && s.Ledger.Confirmed
}

// Expire moves an overdue session to EXPIRED.
func (s *Session) Expire(now time.Time) error {
	if !s.IsExpired(now) {
		if s.IsTerminal() {
			return ErrSessionClosed
		}
		return ErrInvalidTransition
	}
	s.close(StateExpired, now)
	return nil
}

// checkOpen is run before every event: terminal sessions reject it and overdue sessions expire.
func (s *Session) checkOpen(now time.Time) error {
	if s.IsTerminal() {
		return ErrSessionClosed
	}
	if s.IsExpired(now) {
		s.close(StateExpired, now)
		return ErrExpired
	}
	return nil
}

// RecordPayment applies a PaymentConfirmed event.
func (s *Session) RecordPayment(info PaymentInfo, now time.Time) error {
	if err := s.checkOpen(now); err != nil {
		return err
	}
	if s.Payment != nil {
		if s.Payment.NotificationID == info.NotificationID {
			return ErrDuplicate
		}
		return ErrPaymentAlreadyRecorded
	}
	p := info
	s.Payment = &p
	if s.LedgerConfirmed() {
		s.State = StateReadyToActivate
	} else {
		s.State = StateAwaitingLedger
	}
	s.UpdatedAt = now
	return nil
}

// RecordLedgerSubmitted stores an unconfirmed transaction reference.
func (s *Session) RecordLedgerSubmitted(txHash string, now time.Time) error {
	if err := s.checkOpen(now); err != nil {
		return err
	}
	if s.Ledger != nil {
		if s.Ledger.TxHash == txHash {
			return ErrDuplicate
		}
		if s.Ledger.Confirmed {
			return ErrLedgerAlreadyConfirmed
		}
	}
	s.Ledger = &LedgerRef{TxHash: txHash, SubmittedAt: &now}
	s.SubmissionPending = false
	s.UpdatedAt = now
	return nil
}

// BeginSubmission reserves the single buyWater submission of a paid session.
// The reservation holds until the transaction is recorded or AbortSubmission.
func (s *Session) BeginSubmission(now time.Time) error {
	if err := s.checkOpen(now); err != nil {
		return err
	}
	if s.Payment == nil {
		return ErrPaymentRequired
	}
	if s.Ledger != nil || s.SubmissionPending {
		return ErrLedgerTracked
	}
	s.SubmissionPending = true
	return nil
}

// AbortSubmission releases a reservation whose transaction was never sent.
func (s *Session) AbortSubmission() {
	s.SubmissionPending = false
}

// RecordLedgerConfirmed applies a LedgerConfirmed event. A ledger confirmation
// alone never makes the session ready; payment is still required.
func (s *Session) RecordLedgerConfirmed(txHash string, height uint64, now time.Time) error {
	if err := s.checkOpen(now); err != nil {
		return err
	}
	if s.LedgerConfirmed() {
		if s.Ledger.TxHash == txHash {
			return ErrDuplicate
		}
		return ErrLedgerAlreadyConfirmed
	}
	ref := LedgerRef{TxHash: txHash, Confirmed: true, BlockHeight: height, ConfirmedAt: &now}
	if s.Ledger != nil && s.Ledger.TxHash == txHash {
		ref.SubmittedAt = s.Ledger.SubmittedAt
	}
	s.Ledger = &ref
	s.SubmissionPending = false
	if s.Payment != nil {
		s.State = StateReadyToActivate
	}
	s.UpdatedAt = now
	return nil
}

// RecordLedgerFailed applies a LedgerFailed event; it is terminal for the session.
func (s *Session) RecordLedgerFailed(txHash, reason string, now time.Time) error {
	if err := s.checkOpen(now); err != nil {
		return err
	}
	if s.LedgerConfirmed() {
		return ErrLedgerAlreadyConfirmed
	}
	if s.Ledger != nil && s.Ledger.TxHash != txHash {
		return ErrStaleLedgerEvent
	}
	s.reject(ReasonLedgerFailed, reason, now)
	return nil
}

// BeginActivation claims the single activation attempt of a ready session.
func (s *Session) BeginActivation() error {
	if s.State != StateReadyToActivate {
		return ErrInvalidTransition
	}
	if s.ActivationRequested {
		return ErrActivationRequested
	}
	s.ActivationRequested = true
	return nil
}

// MarkActivated records a successful pump activation.
func (s *Session) MarkActivated(now time.Time) error {
	if !s.ActivationRequested || !s.CanTransitionTo(StateActivated) {
		return ErrInvalidTransition
	}
	s.close(StateActivated, now)
	return nil
}

// MarkRejected records a failed activation attempt.
func (s *Session) MarkRejected(reason Reason, detail string, now time.Time) error {
	if !s.CanTransitionTo(StateRejected) {
		return ErrInvalidTransition
	}
	s.reject(reason, detail, now)
	return nil
}

func (s *Session) reject(reason Reason, detail string, now time.Time) {
	s.RejectReason = &reason
	if detail != "" {
		s.RejectDetail = &detail
	}
	s.close(StateRejected, now)
}

func (s *Session) close(state State, now time.Time) {
	s.State = state
	s.UpdatedAt = now
	s.ClosedAt = &now
}

// StatusText is the human-readable status shown to the buyer.
func (s *Session) StatusText() string {
	switch s.State {
	case StateAwaitingPayment:
		if s.LedgerConfirmed() {
			return "Purchase recorded on the ledger, awaiting SMS payment"
		}
		return "Awaiting SMS payment"
	case StateAwaitingLedger:
		if s.Ledger != nil {
			return "Payment received, awaiting confirmation"
		}
		if s.SubmissionPending {
			return "Payment received, submitting purchase"
		}
		return "Payment received, ready to buy water"
	case StateReadyToActivate:
		return "Activating pump"
	case StateActivated:
		return "Water purchased, pump " + s.PumpID.String() + " activated"
	case StateExpired:
		return "Purchase expired before confirmation, please start again"
	case StateRejected:
		if s.RejectReason == nil {
			return "Purchase rejected"
		}
		switch *s.RejectReason {
		case ReasonLedgerFailed:
			return "Ledger transaction failed, please start a new purchase"
		case ReasonPumpBusy:
			return "Pump is busy, please start a new purchase"
		case ReasonPumpFault:
			return "Pump is out of service, please contact the operator"
		}
		return "Purchase rejected"
	}
	return string(s.State)
}

// Snapshot returns a deep copy safe to hand outside the session lock.
func (s *Session) Snapshot() Session {
	c := *s
	if s.Payment != nil {
		p := *s.Payment
		c.Payment = &p
	}
	if s.Ledger != nil {
		l := *s.Ledger
		c.Ledger = &l
	}
	return c
}
