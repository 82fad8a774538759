package paymentapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClient_Status(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/sms-status", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		switch r.URL.Query().Get("session") {
		case "paid":
			_, _ = w.Write([]byte(`{"session":"paid","payment_received":true,"phone":"+25779000000","amount":5000,"currency":"BIF","pump_id":"PUMP001","notification_id":"n-1","blockchain_confirmed":false}`))
		case "broken":
			w.WriteHeader(http.StatusInternalServerError)
			_, _ = w.Write([]byte(`boom`))
		default:
			_, _ = w.Write([]byte(`{"session":"other","payment_received":false}`))
		}
	}))
	defer srv.Close()

	c := NewClient(srv.URL+"/", time.Second)

	st, err := c.Status(context.Background(), "paid")
	require.NoError(t, err)
	assert.True(t, st.PaymentReceived)
	assert.Equal(t, "n-1", st.NotificationID)
	assert.Equal(t, 5000.0, st.Amount)
	assert.Equal(t, "BIF", st.Currency)

	st, err = c.Status(context.Background(), "unpaid")
	require.NoError(t, err)
	assert.False(t, st.PaymentReceived)

	_, err = c.Status(context.Background(), "broken")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "500")
}

func TestClient_NotifyLedgerConfirmed(t *testing.T) {
	var got map[string]string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/blockchain-confirmed", r.URL.Path)
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		if got["session"] == "missing" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	c := NewClient(srv.URL, time.Second)
	require.NoError(t, c.NotifyLedgerConfirmed(context.Background(), "key-1", "0xabc"))
	assert.Equal(t, "key-1", got["session"])
	assert.Equal(t, "0xabc", got["tx_hash"])

	assert.Error(t, c.NotifyLedgerConfirmed(context.Background(), "missing", "0xabc"))
}

func TestClient_Unreachable(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	_, err := NewClient(url, 200*time.Millisecond).Status(context.Background(), "k")
	assert.Error(t, err)
}
