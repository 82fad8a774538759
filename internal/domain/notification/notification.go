package notification

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

// EventType identifies a purchase or pump update pushed to clients
type EventType string

const (
	EventPaymentConfirmed EventType = "PAYMENT_CONFIRMED"
	EventLedgerSubmitted  EventType = "LEDGER_SUBMITTED"
	EventLedgerConfirmed  EventType = "LEDGER_CONFIRMED"
	EventReadyToActivate  EventType = "READY_TO_ACTIVATE"
	EventActivated        EventType = "ACTIVATED"
	EventRejected         EventType = "REJECTED"
	EventExpired          EventType = "EXPIRED"
	EventPumpStateChanged EventType = "PUMP_STATE_CHANGED"
)

var (
	ErrClientNotFound = errors.New("SSE client not found")
	ErrChannelFull    = errors.New("SSE message channel full")
)

// Event is a typed update about a session or a pump.
type Event struct {
	EventID    uuid.UUID       `json:"eventId"`
	Type       EventType       `json:"type"`
	SessionKey string          `json:"sessionKey,omitempty"`
	PumpID     string          `json:"pumpId,omitempty"`
	Status     string          `json:"status,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	CreatedAt  time.Time       `json:"createdAt"`
}

// NewEvent creates an event; data is marshalled as the payload and dropped if it cannot be.
func NewEvent(eventType EventType, sessionKey, pumpID, status string, data interface{}) *Event {
	ev := &Event{
		EventID:    uuid.New(),
		Type:       eventType,
		SessionKey: sessionKey,
		PumpID:     pumpID,
		Status:     status,
		CreatedAt:  time.Now().UTC(),
	}
	if data != nil {
		if raw, err := json.Marshal(data); err == nil {
			ev.Data = raw
		}
	}
	return ev
}

// IsPumpEvent reports whether the event concerns pump state rather than a session.
func (e *Event) IsPumpEvent() bool {
	return e.Type == EventPumpStateChanged
}

// SSEClient represents an active SSE connection
type SSEClient struct {
	ClientID    string
	SessionKey  *string
	PumpID      *string
	ConnectedAt time.Time
	MessageChan chan *SSEMessage
}

// NewSSEClient creates a new SSE client. A nil filter subscribes to everything.
func NewSSEClient(clientID string, sessionKey, pumpID *string) *SSEClient {
	return &SSEClient{
		ClientID:    clientID,
		SessionKey:  sessionKey,
		PumpID:      pumpID,
		ConnectedAt: time.Now().UTC(),
		MessageChan: make(chan *SSEMessage, 100),
	}
}

// Wants reports whether the event passes the client's filters.
func (c *SSEClient) Wants(ev *Event) bool {
	if c.SessionKey != nil && *c.SessionKey != ev.SessionKey {
		return false
	}
	if c.PumpID != nil && *c.PumpID != ev.PumpID {
		return false
	}
	return true
}

// Close closes the client's message channel
func (c *SSEClient) Close() {
	close(c.MessageChan)
}

// SSEMessage represents a message to be sent via SSE
type SSEMessage struct {
	ID        string          `json:"id"`
	Event     string          `json:"event"`
	Data      json.RawMessage `json:"data"`
	Retry     *int            `json:"retry,omitempty"`
	Timestamp time.Time       `json:"timestamp"`
}

// NewSSEMessage creates a new SSE message
func NewSSEMessage(event string, data json.RawMessage) *SSEMessage {
	return &SSEMessage{
		ID:        uuid.New().String(),
		Event:     event,
		Data:      data,
		Timestamp: time.Now().UTC(),
	}
}
