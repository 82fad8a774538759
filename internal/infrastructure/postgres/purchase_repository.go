package postgres

import (
	"context"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/domain/purchase"
)

// PurchaseRepository implements purchase.Repository.
type PurchaseRepository struct {
	pool *pgxpool.Pool
}

func NewPurchaseRepository(pool *pgxpool.Pool) *PurchaseRepository {
	return &PurchaseRepository{pool: pool}
}

const purchaseColumns = `session_key, pump_id, buyer_address, phone, state,
	notification_id, amount, currency, payer, payment_received_at,
	tx_hash, ledger_confirmed, block_height, ledger_submitted_at, ledger_confirmed_at,
	reject_reason, reject_detail, activation_requested, created_at, expires_at, updated_at, closed_at`

func (r *PurchaseRepository) Save(ctx context.Context, s *purchase.Session) error {
	var (
		notificationID, currency, payer *string
		amount                          *float64
		receivedAt                      *time.Time
	)
	if p := s.Payment; p != nil {
		notificationID, currency, payer = &p.NotificationID, &p.Currency, &p.Payer
		amount = &p.Amount
		receivedAt = &p.ReceivedAt
	}
	var (
		txHash                   *string
		confirmed                bool
		height                   *int64
		submittedAt, confirmedAt *time.Time
	)
	if l := s.Ledger; l != nil {
		lower := strings.ToLower(l.TxHash)
		txHash = &lower
		confirmed = l.Confirmed
		if l.Confirmed {
			h := int64(l.BlockHeight)
			height = &h
		}
		submittedAt, confirmedAt = l.SubmittedAt, l.ConfirmedAt
	}
	var reason *string
	if s.RejectReason != nil {
		v := string(*s.RejectReason)
		reason = &v
	}

	_, err := r.pool.Exec(ctx, `
		INSERT INTO purchases (`+purchaseColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22)
		ON CONFLICT (session_key) DO UPDATE SET
			pump_id=EXCLUDED.pump_id, buyer_address=EXCLUDED.buyer_address, phone=EXCLUDED.phone,
			state=EXCLUDED.state, notification_id=EXCLUDED.notification_id, amount=EXCLUDED.amount,
			currency=EXCLUDED.currency, payer=EXCLUDED.payer, payment_received_at=EXCLUDED.payment_received_at,
			tx_hash=EXCLUDED.tx_hash, ledger_confirmed=EXCLUDED.ledger_confirmed, block_height=EXCLUDED.block_height,
			ledger_submitted_at=EXCLUDED.ledger_submitted_at, ledger_confirmed_at=EXCLUDED.ledger_confirmed_at,
			reject_reason=EXCLUDED.reject_reason, reject_detail=EXCLUDED.reject_detail,
			activation_requested=EXCLUDED.activation_requested, expires_at=EXCLUDED.expires_at,
			updated_at=EXCLUDED.updated_at, closed_at=EXCLUDED.closed_at
	`, s.Key, s.PumpID.Hex(), s.BuyerAddress, s.Phone, s.State,
		notificationID, amount, currency, payer, receivedAt,
		txHash, confirmed, height, submittedAt, confirmedAt,
		reason, s.RejectDetail, s.ActivationRequested, s.CreatedAt, s.ExpiresAt, s.UpdatedAt, s.ClosedAt)
	return err
}

func (r *PurchaseRepository) GetByKey(ctx context.Context, key string) (*purchase.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE session_key=$1`, key)
	return scanPurchase(row)
}

// GetByTxHash returns the purchase that tracked txHash, newest first.
func (r *PurchaseRepository) GetByTxHash(ctx context.Context, txHash string) (*purchase.Session, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+purchaseColumns+` FROM purchases WHERE tx_hash=$1 ORDER BY created_at DESC LIMIT 1`, strings.ToLower(txHash))
	return scanPurchase(row)
}

func (r *PurchaseRepository) ListRecent(ctx context.Context, limit int) ([]*purchase.Session, error) {
	rows, err := r.pool.Query(ctx, `SELECT `+purchaseColumns+` FROM purchases ORDER BY created_at DESC LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []*purchase.Session{}
	for rows.Next() {
		s, err := scanPurchase(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

func scanPurchase(row pgx.Row) (*purchase.Session, error) {
	var (
		s                        purchase.Session
		pumpHex                  string
		notificationID, currency *string
		payer                    *string
		amount                   *float64
		receivedAt               *time.Time
		txHash                   *string
		confirmed                bool
		height                   *int64
		submittedAt, confirmedAt *time.Time
		reason                   *string
	)
	if err := row.Scan(&s.Key, &pumpHex, &s.BuyerAddress, &s.Phone, &s.State,
		&notificationID, &amount, &currency, &payer, &receivedAt,
		&txHash, &confirmed, &height, &submittedAt, &confirmedAt,
		&reason, &s.RejectDetail, &s.ActivationRequested, &s.CreatedAt, &s.ExpiresAt, &s.UpdatedAt, &s.ClosedAt); err != nil {
		if err == pgx.ErrNoRows {
			return nil, nil
		}
		return nil, err
	}
	id, err := pump.ParseID(pumpHex)
	if err != nil {
		return nil, err
	}
	s.PumpID = id
	if notificationID != nil {
		s.Payment = &purchase.PaymentInfo{NotificationID: *notificationID}
		if amount != nil {
			s.Payment.Amount = *amount
		}
		if currency != nil {
			s.Payment.Currency = *currency
		}
		if payer != nil {
			s.Payment.Payer = *payer
		}
		if receivedAt != nil {
			s.Payment.ReceivedAt = *receivedAt
		}
	}
	if txHash != nil {
		s.Ledger = &purchase.LedgerRef{TxHash: *txHash, Confirmed: confirmed, SubmittedAt: submittedAt, ConfirmedAt: confirmedAt}
		if height != nil {
			s.Ledger.BlockHeight = uint64(*height)
		}
	}
	if reason != nil {
		v := purchase.Reason(*reason)
		s.RejectReason = &v
	}
	return &s, nil
}
