package ledger

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// EventKind is the kind of a ledger watch event
type EventKind string

const (
	EventSubmitted EventKind = "SUBMITTED"
	EventConfirmed EventKind = "CONFIRMED"
	EventFailed    EventKind = "FAILED"
)

var (
	ErrReceiptNotFound = errors.New("receipt not found")
	ErrNotConfigured   = errors.New("ledger signer not configured")
)

// TxRef identifies a submitted buyWater transaction.
type TxRef struct {
	Hash        string    `json:"txHash"`
	PumpID      pump.ID   `json:"pumpId"`
	Value       *big.Int  `json:"value,omitempty"`
	SubmittedAt time.Time `json:"submittedAt"`
}

// Event is one step of a transaction's progress. Confirmed and Failed are terminal.
type Event struct {
	Kind        EventKind `json:"kind"`
	TxHash      string    `json:"txHash"`
	BlockHeight uint64    `json:"blockHeight,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	At          time.Time `json:"at"`
}

// IsTerminal reports whether no further events follow.
func (e Event) IsTerminal() bool {
	return e.Kind == EventConfirmed || e.Kind == EventFailed
}

// Purchase is a WaterPurchased event emitted by the credit contract.
type Purchase struct {
	Buyer   string
	Credits *big.Int
	PumpID  pump.ID
}

// Receipt is the mined outcome of a transaction. Purchases holds only events
// emitted by the configured contract.
type Receipt struct {
	TxHash      string
	Status      uint64
	BlockNumber uint64
	Purchases   []Purchase
}

// Succeeded reports whether the transaction executed without reverting.
func (r *Receipt) Succeeded() bool {
	return r.Status == 1
}

// PurchaseFor returns the first purchase made for pumpID.
func (r *Receipt) PurchaseFor(pumpID pump.ID) (Purchase, bool) {
	for _, p := range r.Purchases {
		if p.PumpID == pumpID {
			return p, true
		}
	}
	return Purchase{}, false
}

// SubmissionError is returned when a transaction could not be sent. It is never retried.
type SubmissionError struct {
	PumpID pump.ID
	Err    error
}

func (e *SubmissionError) Error() string {
	return fmt.Sprintf("submit buyWater for pump %s: %v", e.PumpID, e.Err)
}

func (e *SubmissionError) Unwrap() error {
	return e.Err
}
