package payment

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/ethereum/go-ethereum/crypto"

	"github.com/majisafe/majisafe/internal/domain/purchase"
)

var ErrNotReceived = errors.New("payment not received")

// Status is the payment gateway's view of a session, as served on /sms-status.
type Status struct {
	Session             string     `json:"session"`
	PaymentReceived     bool       `json:"payment_received"`
	Phone               string     `json:"phone"`
	Amount              float64    `json:"amount"`
	Currency            string     `json:"currency,omitempty"`
	PumpID              string     `json:"pump_id,omitempty"`
	NotificationID      string     `json:"notification_id,omitempty"`
	ReceivedAt          *time.Time `json:"received_at,omitempty"`
	BlockchainConfirmed bool       `json:"blockchain_confirmed"`
	TxHash              string     `json:"tx_hash,omitempty"`
}

// Confirmed is a PaymentConfirmed event for one session.
type Confirmed struct {
	SessionKey     string
	NotificationID string
	Amount         float64
	Currency       string
	Payer          string
	ReceivedAt     time.Time
}

// Info converts the event to the record stored on the session.
func (c Confirmed) Info() purchase.PaymentInfo {
	return purchase.PaymentInfo{
		NotificationID: c.NotificationID,
		Amount:         c.Amount,
		Currency:       c.Currency,
		Payer:          c.Payer,
		ReceivedAt:     c.ReceivedAt,
	}
}

// ConfirmedFromStatus normalizes a gateway status. It returns ErrNotReceived
// until the gateway reports the payment.
func ConfirmedFromStatus(sessionKey string, st *Status, now time.Time) (*Confirmed, error) {
	if st == nil || !st.PaymentReceived {
		return nil, ErrNotReceived
	}
	if st.Session != "" && st.Session != sessionKey {
		return nil, fmt.Errorf("status for session %s returned for %s", st.Session, sessionKey)
	}
	c := &Confirmed{
		SessionKey:     sessionKey,
		NotificationID: st.NotificationID,
		Amount:         st.Amount,
		Currency:       st.Currency,
		Payer:          purchase.NormalizePhone(st.Phone),
		ReceivedAt:     now,
	}
	if st.ReceivedAt != nil {
		c.ReceivedAt = *st.ReceivedAt
	}
	if c.NotificationID == "" {
		c.NotificationID = FallbackNotificationID(sessionKey, c.Payer, c.Amount)
	}
	return c, nil
}

// FallbackNotificationID identifies a notification that carries no gateway id.
func FallbackNotificationID(sessionKey, phone string, amount float64) string {
	h := crypto.Keccak256Hash(
		[]byte(sessionKey),
		[]byte(phone),
		[]byte(strconv.FormatFloat(amount, 'f', -1, 64)),
	)
	return "sms-" + h.Hex()[2:18]
}

// Source is the off-chain payment gateway.
type Source interface {
	Status(ctx context.Context, sessionKey string) (*Status, error)
	// NotifyLedgerConfirmed is a best-effort report back to the gateway.
	NotifyLedgerConfirmed(ctx context.Context, sessionKey, txHash string) error
}

// DedupStore remembers notification ids already delivered.
type DedupStore interface {
	// MarkSeen records id and reports whether it was new.
	MarkSeen(ctx context.Context, id string) (bool, error)
}
