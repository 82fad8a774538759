package pump

import (
	"bytes"
	"errors"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// State represents the actuator state of a pump
type State string

const (
	StateIdle       State = "IDLE"
	StateActivating State = "ACTIVATING"
	StateDispensing State = "DISPENSING"
	StateFault      State = "FAULT"
)

var (
	ErrPumpBusy          = errors.New("pump busy")
	ErrPumpFault         = errors.New("pump fault")
	ErrInvalidTransition = errors.New("invalid pump state transition")
	ErrNotFaulted        = errors.New("pump is not in fault state")
	ErrInvalidID         = errors.New("invalid pump id")
)

// ID is the fixed 32-byte pump handle used by the ledger contract (bytes32).
type ID [32]byte

// ParseID accepts either a short label such as "PUMP001" (encoded like
// ethers' formatBytes32String) or a 0x-prefixed 32-byte hex string.
func ParseID(s string) (ID, error) {
	var id ID
	s = strings.TrimSpace(s)
	if s == "" {
		return id, fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if strings.HasPrefix(s, "0x") && len(s) == 66 {
		b, err := hexutil.Decode(s)
		if err != nil {
			return id, fmt.Errorf("%w: %v", ErrInvalidID, err)
		}
		copy(id[:], b)
		return id, nil
	}
	if !utf8.ValidString(s) {
		return id, fmt.Errorf("%w: not utf-8", ErrInvalidID)
	}
	// the label must leave room for a null terminator
	if len(s) > 31 {
		return id, fmt.Errorf("%w: label longer than 31 bytes", ErrInvalidID)
	}
	copy(id[:], s)
	return id, nil
}

// MustParseID is ParseID for constants and tests.
func MustParseID(s string) ID {
	id, err := ParseID(s)
	if err != nil {
		panic(err)
	}
	return id
}

// Hex returns the 0x-prefixed bytes32 encoding.
func (id ID) Hex() string {
	return common.Hash(id).Hex()
}

// String returns the label when the id holds printable text, otherwise the hex form.
func (id ID) String() string {
	label := bytes.TrimRight(id[:], "\x00")
	if len(label) == 0 {
		return id.Hex()
	}
	for _, c := range label {
		if c < 0x20 || c > 0x7e {
			return id.Hex()
		}
	}
	return string(label)
}

// IsZero reports whether the id is unset.
func (id ID) IsZero() bool {
	return id == ID{}
}

func (id ID) MarshalText() ([]byte, error) {
	return []byte(id.String()), nil
}

func (id *ID) UnmarshalText(b []byte) error {
	parsed, err := ParseID(string(b))
	if err != nil {
		return err
	}
	*id = parsed
	return nil
}

// Pump is the controller-side view of a physical pump.
type Pump struct {
	ID              ID         `json:"pumpId"`
	State           State      `json:"state"`
	SessionKey      string     `json:"sessionKey,omitempty"`
	ActivatedAt     *time.Time `json:"activatedAt,omitempty"`
	DispensingSince *time.Time `json:"dispensingSince,omitempty"`
	FaultReason     string     `json:"faultReason,omitempty"`
	UpdatedAt       time.Time  `json:"updatedAt"`
}

// New returns an idle pump.
func New(id ID) *Pump {
	return &Pump{
		ID:        id,
		State:     StateIdle,
		UpdatedAt: time.Now().UTC(),
	}
}

// CanTransitionTo checks if a transition to the target state is valid
func (p *Pump) CanTransitionTo(target State) bool {
	transitions := map[State][]State{
		StateIdle:       {StateActivating},
		StateActivating: {StateDispensing, StateFault, StateIdle},
		StateDispensing: {StateIdle},
		StateFault:      {StateIdle}, // operator clear
	}

	allowed, ok := transitions[p.State]
	if !ok {
		return false
	}
	for _, s := range allowed {
		if s == target {
			return true
		}
	}
	return false
}

// DispenseExpired reports whether a dispensing pump has outlived maxDispense.
func (p *Pump) DispenseExpired(now time.Time, maxDispense time.Duration) bool {
	if p.State != StateDispensing || p.DispensingSince == nil {
		return false
	}
	return !now.Before(p.DispensingSince.Add(maxDispense))
}

// BeginActivation claims an idle pump for a session.
func (p *Pump) BeginActivation(sessionKey string, now time.Time) error {
	switch p.State {
	case StateFault:
		return ErrPumpFault
	case StateIdle:
	default:
		return ErrPumpBusy
	}
	p.State = StateActivating
	p.SessionKey = sessionKey
	p.ActivatedAt = &now
	p.DispensingSince = nil
	p.UpdatedAt = now
	return nil
}

// MarkDispensing records a completed handshake.
func (p *Pump) MarkDispensing(now time.Time) error {
	if p.State != StateActivating {
		return ErrInvalidTransition
	}
	p.State = StateDispensing
	p.DispensingSince = &now
	p.UpdatedAt = now
	return nil
}

// MarkFault records a hardware/handshake error while activating.
func (p *Pump) MarkFault(reason string, now time.Time) error {
	if !p.CanTransitionTo(StateFault) {
		return ErrInvalidTransition
	}
	p.State = StateFault
	p.FaultReason = reason
	p.UpdatedAt = now
	return nil
}

// MarkIdle releases the pump. Releasing an idle pump is a no-op.
func (p *Pump) MarkIdle(now time.Time) error {
	if p.State == StateIdle {
		return nil
	}
	if p.State == StateFault {
		return ErrInvalidTransition
	}
	p.State = StateIdle
	p.SessionKey = ""
	p.DispensingSince = nil
	p.UpdatedAt = now
	return nil
}

// ClearFault is the operator action that returns a faulted pump to service.
func (p *Pump) ClearFault(now time.Time) error {
	if p.State != StateFault {
		return ErrNotFaulted
	}
	p.State = StateIdle
	p.SessionKey = ""
	p.FaultReason = ""
	p.DispensingSince = nil
	p.UpdatedAt = now
	return nil
}

// Transition is one recorded state change, kept for the pump event log.
type Transition struct {
	PumpID     ID        `json:"pumpId"`
	From       State     `json:"from"`
	To         State     `json:"to"`
	SessionKey string    `json:"sessionKey,omitempty"`
	Reason     string    `json:"reason,omitempty"`
	At         time.Time `json:"at"`
}
