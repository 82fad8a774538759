package watcher

import (
	"context"
	"errors"
	"math/big"
	"time"

	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/pump"
)

// LedgerConfig tunes confirmation tracking.
type LedgerConfig struct {
	PollInterval     time.Duration
	MinConfirmations uint64
	DropTimeout      time.Duration
}

// LedgerWatcher submits purchases and follows their transactions to a
// terminal Confirmed or Failed event.
type LedgerWatcher struct {
	client ledger.Client
	cfg    LedgerConfig
	logger zerolog.Logger
	now    func() time.Time
}

func NewLedgerWatcher(client ledger.Client, cfg LedgerConfig, logger zerolog.Logger) *LedgerWatcher {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.MinConfirmations == 0 {
		cfg.MinConfirmations = 1
	}
	if cfg.DropTimeout <= 0 {
		cfg.DropTimeout = 5 * time.Minute
	}
	return &LedgerWatcher{
		client: client,
		cfg:    cfg,
		logger: logger.With().Str("service", "ledger_watcher").Logger(),
		now:    func() time.Time { return time.Now().UTC() },
	}
}

// Submit sends buyWater for pumpID. A failure is a *ledger.SubmissionError and is not retried.
func (w *LedgerWatcher) Submit(ctx context.Context, pumpID pump.ID, value *big.Int) (ledger.TxRef, error) {
	hash, err := w.client.BuyWater(ctx, pumpID, value)
	if err != nil {
		return ledger.TxRef{}, &ledger.SubmissionError{PumpID: pumpID, Err: err}
	}
	w.logger.Info().Str("pump_id", pumpID.String()).Str("tx_hash", hash).Msg("buyWater submitted")
	return ledger.TxRef{Hash: hash, PumpID: pumpID, Value: value, SubmittedAt: w.now()}, nil
}

// Watch emits Submitted, then exactly one of Confirmed or Failed, and closes.
// Cancelling ctx abandons the watch without a terminal event.
func (w *LedgerWatcher) Watch(ctx context.Context, ref ledger.TxRef) <-chan ledger.Event {
	out := make(chan ledger.Event, 2)
	go func() {
		defer close(out)
		log := w.logger.With().Str("tx_hash", ref.Hash).Logger()

		if !w.send(ctx, out, ledger.Event{Kind: ledger.EventSubmitted, TxHash: ref.Hash, At: w.now()}) {
			return
		}

		ticker := time.NewTicker(w.cfg.PollInterval)
		defer ticker.Stop()
		var unknownSince time.Time
		for {
			ev, done := w.check(ctx, ref, &unknownSince, log)
			if done {
				w.send(ctx, out, ev)
				return
			}
			select {
			case <-ctx.Done():
				log.Debug().Msg("ledger watch abandoned")
				return
			case <-ticker.C:
			}
		}
	}()
	return out
}

// check looks at the transaction once and reports a terminal event when one is due.
// A mined transaction only confirms a purchase when the contract emitted
// WaterPurchased for the tracked pump.
func (w *LedgerWatcher) check(ctx context.Context, ref ledger.TxRef, unknownSince *time.Time, log zerolog.Logger) (ledger.Event, bool) {
	hash := ref.Hash
	now := w.now()
	receipt, err := w.client.Receipt(ctx, hash)
	switch {
	case errors.Is(err, ledger.ErrReceiptNotFound):
		known, kerr := w.client.TransactionKnown(ctx, hash)
		if kerr != nil {
			if ctx.Err() == nil {
				log.Warn().Err(kerr).Msg("transaction lookup failed")
			}
			return ledger.Event{}, false
		}
		if known {
			*unknownSince = time.Time{}
			return ledger.Event{}, false
		}
		if unknownSince.IsZero() {
			*unknownSince = now
		}
		if now.Sub(*unknownSince) >= w.cfg.DropTimeout {
			log.Warn().Dur("unknown_for", now.Sub(*unknownSince)).Msg("transaction dropped")
			return ledger.Event{Kind: ledger.EventFailed, TxHash: hash, Reason: "dropped", At: now}, true
		}
		return ledger.Event{}, false
	case err != nil:
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("receipt lookup failed")
		}
		return ledger.Event{}, false
	}

	if !receipt.Succeeded() {
		log.Warn().Uint64("block", receipt.BlockNumber).Msg("transaction reverted")
		return ledger.Event{Kind: ledger.EventFailed, TxHash: hash, BlockHeight: receipt.BlockNumber, Reason: "reverted", At: now}, true
	}
	if _, ok := receipt.PurchaseFor(ref.PumpID); !ok {
		log.Warn().Bool("anomaly", true).Str("pump_id", ref.PumpID.String()).Int("purchases", len(receipt.Purchases)).
			Msg("transaction has no WaterPurchased event for the pump")
		return ledger.Event{Kind: ledger.EventFailed, TxHash: hash, BlockHeight: receipt.BlockNumber, Reason: "no purchase for pump", At: now}, true
	}
	head, err := w.client.BlockNumber(ctx)
	if err != nil {
		if ctx.Err() == nil {
			log.Warn().Err(err).Msg("block number lookup failed")
		}
		return ledger.Event{}, false
	}
	if head < receipt.BlockNumber || head-receipt.BlockNumber+1 < w.cfg.MinConfirmations {
		return ledger.Event{}, false
	}
	log.Info().Uint64("block", receipt.BlockNumber).Msg("transaction confirmed")
	return ledger.Event{Kind: ledger.EventConfirmed, TxHash: hash, BlockHeight: receipt.BlockNumber, At: now}, true
}

func (w *LedgerWatcher) send(ctx context.Context, out chan<- ledger.Event, ev ledger.Event) bool {
	select {
	case out <- ev:
		return true
	case <-ctx.Done():
		return false
	}
}
