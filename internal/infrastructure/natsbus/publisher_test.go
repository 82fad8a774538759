package natsbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/majisafe/majisafe/internal/domain/notification"
)

type fakeConn struct {
	subjects []string
	payloads [][]byte
	err      error
}

func (f *fakeConn) Publish(subject string, data []byte) error {
	if f.err != nil {
		return f.err
	}
	f.subjects = append(f.subjects, subject)
	f.payloads = append(f.payloads, data)
	return nil
}

func TestPublisher_Publish(t *testing.T) {
	fc := &fakeConn{}
	p := newPublisher(fc, "majisafe.events.", zerolog.Nop())

	ev := notification.NewEvent(notification.EventReadyToActivate, "key-1", "PUMP001", "READY_TO_ACTIVATE", map[string]string{"k": "v"})
	require.NoError(t, p.Publish(context.Background(), ev))

	require.Len(t, fc.subjects, 1)
	assert.Equal(t, "majisafe.events.ready_to_activate", fc.subjects[0])

	var decoded notification.Event
	require.NoError(t, json.Unmarshal(fc.payloads[0], &decoded))
	assert.Equal(t, ev.EventID, decoded.EventID)
	assert.JSONEq(t, `{"k":"v"}`, string(decoded.Data))
}

func TestPublisher_PublishError(t *testing.T) {
	p := newPublisher(&fakeConn{err: errors.New("nats: connection closed")}, "x", zerolog.Nop())
	err := p.Publish(context.Background(), notification.NewEvent(notification.EventExpired, "k", "", "EXPIRED", nil))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "connection closed")
}

func TestPublisher_CloseWithoutConnection(t *testing.T) {
	p := newPublisher(&fakeConn{}, "x", zerolog.Nop())
	assert.NotPanics(t, p.Close)
}
