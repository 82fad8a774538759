package postgres

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/majisafe/majisafe/internal/domain/pump"
)

// PumpEventRepository implements pump.EventLog.
type PumpEventRepository struct {
	pool *pgxpool.Pool
}

func NewPumpEventRepository(pool *pgxpool.Pool) *PumpEventRepository {
	return &PumpEventRepository{pool: pool}
}

func (r *PumpEventRepository) RecordTransition(ctx context.Context, t pump.Transition) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO pump_events (pump_id, from_state, to_state, session_key, reason, occurred_at)
		VALUES ($1,$2,$3,$4,$5,$6)
	`, t.PumpID.Hex(), t.From, t.To, nullString(t.SessionKey), nullString(t.Reason), t.At)
	return err
}

func (r *PumpEventRepository) ListTransitions(ctx context.Context, id pump.ID, limit int) ([]pump.Transition, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT pump_id, from_state, to_state, session_key, reason, occurred_at
		FROM pump_events WHERE pump_id=$1 ORDER BY id DESC LIMIT $2
	`, id.Hex(), limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := []pump.Transition{}
	for rows.Next() {
		t, err := scanTransition(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func scanTransition(row pgx.Row) (pump.Transition, error) {
	var (
		t               pump.Transition
		pumpHex         string
		sessionKey, why *string
	)
	if err := row.Scan(&pumpHex, &t.From, &t.To, &sessionKey, &why, &t.At); err != nil {
		return t, err
	}
	id, err := pump.ParseID(pumpHex)
	if err != nil {
		return t, err
	}
	t.PumpID = id
	if sessionKey != nil {
		t.SessionKey = *sessionKey
	}
	if why != nil {
		t.Reason = *why
	}
	return t, nil
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
