package pump

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/domain/pump"
)

// Config bounds the driver interaction.
type Config struct {
	MaxDispense      time.Duration
	HandshakeTimeout time.Duration
	StopTimeout      time.Duration
}

// Controller owns the state of every pump. A per-pump lock makes the
// idle check and the move to ACTIVATING atomic.
type Controller struct {
	driver    pump.Driver
	events    pump.EventLog
	publisher notification.Publisher
	cfg       Config
	logger    zerolog.Logger
	now       func() time.Time

	mu      sync.Mutex
	entries map[pump.ID]*entry
}

type entry struct {
	mu    sync.Mutex
	pump  *pump.Pump
	gen   uint64
	timer *time.Timer
}

// NewController creates a pump controller. events and publisher may be nil.
func NewController(
	driver pump.Driver,
	events pump.EventLog,
	publisher notification.Publisher,
	cfg Config,
	logger zerolog.Logger,
) *Controller {
	if cfg.MaxDispense <= 0 {
		cfg.MaxDispense = 10 * time.Second
	}
	if cfg.HandshakeTimeout <= 0 {
		cfg.HandshakeTimeout = 5 * time.Second
	}
	if cfg.StopTimeout <= 0 {
		cfg.StopTimeout = cfg.HandshakeTimeout
	}
	if publisher == nil {
		publisher = notification.Discard{}
	}
	return &Controller{
		driver:    driver,
		events:    events,
		publisher: publisher,
		cfg:       cfg,
		logger:    logger.With().Str("service", "pump").Logger(),
		now:       func() time.Time { return time.Now().UTC() },
		entries:   make(map[pump.ID]*entry),
	}
}

// Register makes pumps known before their first activation.
func (c *Controller) Register(ids ...pump.ID) {
	for _, id := range ids {
		c.entry(id)
	}
}

// Known reports whether the pump has been registered or used.
func (c *Controller) Known(id pump.ID) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.entries[id]
	return ok
}

func (c *Controller) entry(id pump.ID) *entry {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[id]
	if !ok {
		e = &entry{pump: pump.New(id)}
		c.entries[id] = e
	}
	return e
}

// Activate claims the pump for sessionKey and runs the driver handshake.
// It returns pump.ErrPumpBusy or pump.ErrPumpFault when the pump cannot serve.
func (c *Controller) Activate(ctx context.Context, id pump.ID, sessionKey string) error {
	e := c.entry(id)
	var trs []pump.Transition

	e.mu.Lock()
	now := c.now()
	if tr, ok := c.settleLocked(e, now); ok {
		trs = append(trs, tr)
	}
	from := e.pump.State
	if err := e.pump.BeginActivation(sessionKey, now); err != nil {
		e.mu.Unlock()
		c.emit(ctx, trs)
		return err
	}
	e.gen++
	gen := e.gen
	trs = append(trs, c.transition(e, from, "", ""))
	e.mu.Unlock()
	c.emit(ctx, trs)

	hctx, cancel := context.WithTimeout(ctx, c.cfg.HandshakeTimeout)
	startErr := c.driver.Start(hctx, id, c.cfg.MaxDispense)
	cancel()

	e.mu.Lock()
	now = c.now()
	if e.gen != gen || e.pump.State != pump.StateActivating {
		e.mu.Unlock()
		// Deactivated during the handshake; make sure the device is not left running.
		c.logger.Warn().Str("pump_id", id.String()).Str("session_key", sessionKey).Msg("pump released during activation handshake")
		if startErr != nil {
			return fmt.Errorf("%w: %v", pump.ErrPumpFault, startErr)
		}
		c.stopDevice(id)
		return nil
	}
	if startErr != nil {
		from = e.pump.State
		_ = e.pump.MarkFault(startErr.Error(), now)
		tr := c.transition(e, from, "", startErr.Error())
		e.mu.Unlock()
		c.logger.Error().Err(startErr).Str("pump_id", id.String()).Str("session_key", sessionKey).Msg("pump activation handshake failed")
		c.emit(ctx, []pump.Transition{tr})
		return fmt.Errorf("%w: %v", pump.ErrPumpFault, startErr)
	}
	from = e.pump.State
	_ = e.pump.MarkDispensing(now)
	e.timer = time.AfterFunc(c.cfg.MaxDispense, func() { c.autoStop(id, gen) })
	tr := c.transition(e, from, "", "")
	e.mu.Unlock()

	c.logger.Info().Str("pump_id", id.String()).Str("session_key", sessionKey).Dur("max_dispense", c.cfg.MaxDispense).Msg("pump dispensing")
	c.emit(ctx, []pump.Transition{tr})
	return nil
}

// autoStop returns the pump to IDLE once the dispense window closes.
func (c *Controller) autoStop(id pump.ID, gen uint64) {
	e := c.entry(id)
	e.mu.Lock()
	if e.gen != gen || e.pump.State != pump.StateDispensing {
		e.mu.Unlock()
		return
	}
	from, key := e.pump.State, e.pump.SessionKey
	_ = e.pump.MarkIdle(c.now())
	e.timer = nil
	tr := c.transition(e, from, key, "dispense window elapsed")
	e.mu.Unlock()

	c.stopDevice(id)
	c.emit(context.Background(), []pump.Transition{tr})
}

// settleLocked treats a pump dispensing beyond its window as idle.
func (c *Controller) settleLocked(e *entry, now time.Time) (pump.Transition, bool) {
	if !e.pump.DispenseExpired(now, c.cfg.MaxDispense) {
		return pump.Transition{}, false
	}
	from, key := e.pump.State, e.pump.SessionKey
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	_ = e.pump.MarkIdle(now)
	return c.transition(e, from, key, "dispense window elapsed"), true
}

// Deactivate stops the pump. Deactivating an idle pump is a no-op; a faulted
// pump stays faulted until ClearFault.
func (c *Controller) Deactivate(ctx context.Context, id pump.ID) error {
	e := c.entry(id)
	e.mu.Lock()
	switch e.pump.State {
	case pump.StateIdle:
		e.mu.Unlock()
		return nil
	case pump.StateFault:
		e.mu.Unlock()
		c.stopDevice(id)
		return nil
	}
	from, key := e.pump.State, e.pump.SessionKey
	e.gen++
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	_ = e.pump.MarkIdle(c.now())
	tr := c.transition(e, from, key, "deactivated")
	e.mu.Unlock()

	c.stopDevice(id)
	c.emit(ctx, []pump.Transition{tr})
	return nil
}

// ClearFault returns a faulted pump to service.
func (c *Controller) ClearFault(ctx context.Context, id pump.ID) error {
	e := c.entry(id)
	e.mu.Lock()
	from, key := e.pump.State, e.pump.SessionKey
	if err := e.pump.ClearFault(c.now()); err != nil {
		e.mu.Unlock()
		return err
	}
	tr := c.transition(e, from, key, "fault cleared")
	e.mu.Unlock()

	c.logger.Info().Str("pump_id", id.String()).Msg("pump fault cleared")
	c.emit(ctx, []pump.Transition{tr})
	return nil
}

// State returns a snapshot of one pump.
func (c *Controller) State(id pump.ID) pump.Pump {
	e := c.entry(id)
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.pump.DispenseExpired(c.now(), c.cfg.MaxDispense) {
		snap := *e.pump
		snap.State = pump.StateIdle
		snap.SessionKey = ""
		snap.DispensingSince = nil
		return snap
	}
	return *e.pump
}

// List returns a snapshot of every known pump ordered by id.
func (c *Controller) List() []pump.Pump {
	c.mu.Lock()
	ids := make([]pump.ID, 0, len(c.entries))
	for id := range c.entries {
		ids = append(ids, id)
	}
	c.mu.Unlock()

	sort.Slice(ids, func(i, j int) bool { return ids[i].String() < ids[j].String() })
	out := make([]pump.Pump, 0, len(ids))
	for _, id := range ids {
		out = append(out, c.State(id))
	}
	return out
}

// History returns recorded transitions for a pump, newest first.
func (c *Controller) History(ctx context.Context, id pump.ID, limit int) ([]pump.Transition, error) {
	if c.events == nil {
		return []pump.Transition{}, nil
	}
	return c.events.ListTransitions(ctx, id, limit)
}

// Shutdown stops every pump that is still running.
func (c *Controller) Shutdown(ctx context.Context) {
	for _, p := range c.List() {
		if p.State == pump.StateActivating || p.State == pump.StateDispensing {
			_ = c.Deactivate(ctx, p.ID)
		}
	}
}

// transition describes the change just applied to e; prevKey names the
// session when the pump no longer holds one.
func (c *Controller) transition(e *entry, from pump.State, prevKey, reason string) pump.Transition {
	key := e.pump.SessionKey
	if key == "" {
		key = prevKey
	}
	return pump.Transition{
		PumpID:     e.pump.ID,
		From:       from,
		To:         e.pump.State,
		SessionKey: key,
		Reason:     reason,
		At:         e.pump.UpdatedAt,
	}
}

func (c *Controller) stopDevice(id pump.ID) {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.StopTimeout)
	defer cancel()
	if err := c.driver.Stop(ctx, id); err != nil {
		c.logger.Warn().Err(err).Str("pump_id", id.String()).Msg("pump stop command failed")
	}
}

func (c *Controller) emit(ctx context.Context, trs []pump.Transition) {
	for _, tr := range trs {
		if c.events != nil {
			if err := c.events.RecordTransition(context.WithoutCancel(ctx), tr); err != nil {
				c.logger.Warn().Err(err).Str("pump_id", tr.PumpID.String()).Msg("failed to record pump transition")
			}
		}
		ev := notification.NewEvent(notification.EventPumpStateChanged, tr.SessionKey, tr.PumpID.String(), string(tr.To), tr)
		if err := c.publisher.Publish(context.WithoutCancel(ctx), ev); err != nil {
			c.logger.Warn().Err(err).Str("pump_id", tr.PumpID.String()).Msg("failed to publish pump event")
		}
	}
}
