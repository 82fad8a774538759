package pump

//go:generate go run go.uber.org/mock/mockgen -destination=mocks/mock_driver.go -package=mocks . Driver

import (
	"context"
	"time"
)

// Driver talks to the pump hardware (or a simulation of it).
type Driver interface {
	// Start performs the activation handshake; the device stops on its own after duration.
	Start(ctx context.Context, id ID, duration time.Duration) error
	// Stop asks the device to stop dispensing.
	Stop(ctx context.Context, id ID) error
}

// EventLog persists pump state transitions.
type EventLog interface {
	RecordTransition(ctx context.Context, t Transition) error
	ListTransitions(ctx context.Context, id ID, limit int) ([]Transition, error)
}
