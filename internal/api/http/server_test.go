package httpapi

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/majisafe/majisafe/internal/application/checkout"
	appPump "github.com/majisafe/majisafe/internal/application/pump"
	"github.com/majisafe/majisafe/internal/application/session"
	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/domain/payment"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/domain/purchase"
	"github.com/majisafe/majisafe/internal/infrastructure/pumpdriver"
	"github.com/majisafe/majisafe/internal/infrastructure/sse"
)

const operatorToken = "operator-secret"

type idlePayments struct{}

func (idlePayments) Subscribe(ctx context.Context, _ string) <-chan payment.Confirmed {
	ch := make(chan payment.Confirmed)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type stubTracker struct {
	mu        sync.Mutex
	submitted []*big.Int
	err       error
}

func (s *stubTracker) Submit(_ context.Context, id pump.ID, value *big.Int) (ledger.TxRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return ledger.TxRef{}, &ledger.SubmissionError{PumpID: id, Err: s.err}
	}
	s.submitted = append(s.submitted, value)
	return ledger.TxRef{Hash: "0x" + strings.Repeat("ab", 32), PumpID: id, Value: value, SubmittedAt: time.Now()}, nil
}

func (s *stubTracker) Watch(ctx context.Context, _ ledger.TxRef) <-chan ledger.Event {
	ch := make(chan ledger.Event)
	go func() {
		<-ctx.Done()
		close(ch)
	}()
	return ch
}

type stubLedger struct{}

func (stubLedger) CreditPrice(context.Context) (*big.Int, error) {
	return big.NewInt(1_000_000_000_000_000), nil
}

func (stubLedger) WaterCredits(_ context.Context, address string) (*big.Int, error) {
	if strings.HasSuffix(strings.ToLower(address), "dead") {
		return nil, errors.New("execution reverted")
	}
	return big.NewInt(3), nil
}

type testEnv struct {
	srv      *httptest.Server
	sessions *session.Service
	pumps    *appPump.Controller
	hub      *sse.Hub
	tracker  *stubTracker
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	log := zerolog.Nop()
	hub := sse.NewHub(log)
	pumps := appPump.NewController(pumpdriver.NewSimulated(0, log), nil, hub, appPump.Config{MaxDispense: time.Minute}, log)
	pumps.Register(pump.MustParseID("PUMP001"))
	sessions := session.NewService(session.NewRegistry(time.Minute, time.Minute), nil, pumps, nil, nil, 0, hub, log)
	tracker := &stubTracker{}
	co := checkout.NewService(sessions, idlePayments{}, tracker, stubLedger{}, 15*time.Minute, log)
	t.Cleanup(co.Close)

	hash, err := bcrypt.GenerateFromPassword([]byte(operatorToken), bcrypt.MinCost)
	require.NoError(t, err)

	api := NewServer(co, sessions, pumps, stubLedger{}, hub, string(hash), Info{Service: "majisafe", Contract: "0xabc"}, log)
	srv := httptest.NewServer(api.Router())
	t.Cleanup(srv.Close)
	t.Cleanup(hub.Stop)
	return &testEnv{srv: srv, sessions: sessions, pumps: pumps, hub: hub, tracker: tracker}
}

func (e *testEnv) do(t *testing.T, method, path string, body interface{}, token string) (*http.Response, map[string]interface{}) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req, err := http.NewRequest(method, e.srv.URL+path, &buf)
	require.NoError(t, err)
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	var out map[string]interface{}
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (e *testEnv) start(t *testing.T) string {
	t.Helper()
	resp, body := e.do(t, http.MethodPost, "/v1/purchases", map[string]string{"phone": "+257 79 000 000", "pump_id": "PUMP001"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	key, _ := body["sessionKey"].(string)
	require.NotEmpty(t, key)
	return key
}

func TestPurchases_StartAndGet(t *testing.T) {
	env := newTestEnv(t)
	key := env.start(t)

	again := env.start(t)
	assert.Equal(t, key, again, "same buyer and pump within the window share a session")

	resp, body := env.do(t, http.MethodGet, "/v1/purchases/"+key, nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, string(purchase.StateAwaitingPayment), body["state"])

	resp, _ = env.do(t, http.MethodGet, "/v1/purchases/unknown", nil, "")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestPurchases_StartValidation(t *testing.T) {
	env := newTestEnv(t)
	tests := []struct {
		name string
		body interface{}
		want int
	}{
		{"unknown field", map[string]string{"phone": "1", "pump_id": "PUMP001", "extra": "x"}, http.StatusBadRequest},
		{"missing phone", map[string]string{"pump_id": "PUMP001"}, http.StatusBadRequest},
		{"bad pump id", map[string]string{"phone": "1", "pump_id": ""}, http.StatusBadRequest},
		{"unregistered pump", map[string]string{"phone": "1", "pump_id": "PUMP777"}, http.StatusNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			resp, _ := env.do(t, http.MethodPost, "/v1/purchases", tt.body, "")
			assert.Equal(t, tt.want, resp.StatusCode)
		})
	}
}

func TestPurchases_BuyRequiresPayment(t *testing.T) {
	env := newTestEnv(t)
	key := env.start(t)

	resp, body := env.do(t, http.MethodPost, "/v1/purchases/"+key+"/buy", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["error"])

	err := env.sessions.HandlePayment(context.Background(), payment.Confirmed{
		SessionKey: key, NotificationID: "n-1", Amount: 5000, Currency: "BIF", ReceivedAt: time.Now(),
	}, nil)
	require.NoError(t, err)

	resp, body = env.do(t, http.MethodPost, "/v1/purchases/"+key+"/buy", map[string]string{"value_wei": "42"}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, "42", body["value_wei"])

	resp, _ = env.do(t, http.MethodPost, "/v1/purchases/"+key+"/buy", map[string]string{"value_wei": "-1"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestPurchases_BuyDefaultsToCreditPrice(t *testing.T) {
	env := newTestEnv(t)
	key := env.start(t)
	require.NoError(t, env.sessions.HandlePayment(context.Background(), payment.Confirmed{
		SessionKey: key, NotificationID: "n-1", Amount: 1, ReceivedAt: time.Now(),
	}, nil))

	resp, _ := env.do(t, http.MethodPost, "/v1/purchases/"+key+"/buy", nil, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)
	resp, body := env.do(t, http.MethodPost, "/v1/purchases/"+key+"/buy", nil, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "one buyWater per session")
	assert.Equal(t, "CONFLICT", body["error"])
	env.tracker.mu.Lock()
	defer env.tracker.mu.Unlock()
	require.Len(t, env.tracker.submitted, 1)
	assert.Equal(t, "1000000000000000", env.tracker.submitted[0].String())
}

func TestPurchases_BuySubmissionFailure(t *testing.T) {
	env := newTestEnv(t)
	env.tracker.err = errors.New("insufficient funds")
	key := env.start(t)
	require.NoError(t, env.sessions.HandlePayment(context.Background(), payment.Confirmed{
		SessionKey: key, NotificationID: "n-1", Amount: 1, ReceivedAt: time.Now(),
	}, nil))

	resp, body := env.do(t, http.MethodPost, "/v1/purchases/"+key+"/buy", nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	assert.Equal(t, "LEDGER_SUBMISSION_FAILED", body["error"])
}

func TestPurchases_AttachTransaction(t *testing.T) {
	env := newTestEnv(t)
	key := env.start(t)

	resp, _ := env.do(t, http.MethodPost, "/v1/purchases/"+key+"/transactions", map[string]string{"tx_hash": "0x1234"}, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, body := env.do(t, http.MethodPost, "/v1/purchases/"+key+"/transactions", map[string]string{"tx_hash": "0x" + strings.Repeat("cd", 32)}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode)
	assert.Equal(t, key, body["session"])
}

func TestPurchases_TransactionBoundToOneSession(t *testing.T) {
	env := newTestEnv(t)
	first := env.start(t)
	resp, body := env.do(t, http.MethodPost, "/v1/purchases", map[string]string{"phone": "+257 79 111 111", "pump_id": "PUMP001"}, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	second, _ := body["sessionKey"].(string)
	require.NotEqual(t, first, second)

	hash := "0x" + strings.Repeat("ef", 32)
	resp, _ = env.do(t, http.MethodPost, "/v1/purchases/"+first+"/transactions", map[string]string{"tx_hash": hash}, "")
	require.Equal(t, http.StatusAccepted, resp.StatusCode)

	resp, body = env.do(t, http.MethodPost, "/v1/purchases/"+second+"/transactions", map[string]string{"tx_hash": hash}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["error"])

	resp, _ = env.do(t, http.MethodPost, "/v1/purchases/"+first+"/transactions", map[string]string{"tx_hash": hash}, "")
	assert.Equal(t, http.StatusAccepted, resp.StatusCode, "re-attaching the same transaction is idempotent")

	resp, _ = env.do(t, http.MethodPost, "/v1/purchases/"+first+"/transactions", map[string]string{"tx_hash": "0x" + strings.Repeat("12", 32)}, "")
	assert.Equal(t, http.StatusConflict, resp.StatusCode, "a session tracks one transaction")
}

func TestPumps_ReadEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, err := http.Get(env.srv.URL + "/v1/pumps")
	require.NoError(t, err)
	var pumps []pump.Pump
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&pumps))
	resp.Body.Close()
	require.Len(t, pumps, 1)
	assert.Equal(t, pump.StateIdle, pumps[0].State)

	r, body := env.do(t, http.MethodGet, "/v1/pumps/PUMP001", nil, "")
	assert.Equal(t, http.StatusOK, r.StatusCode)
	assert.Equal(t, "IDLE", body["state"])

	r, _ = env.do(t, http.MethodGet, "/v1/pumps/PUMP404", nil, "")
	assert.Equal(t, http.StatusNotFound, r.StatusCode)

	r, _ = env.do(t, http.MethodGet, "/v1/pumps/PUMP001/history", nil, "")
	assert.Equal(t, http.StatusOK, r.StatusCode)
}

func TestPumps_OperatorEndpoints(t *testing.T) {
	env := newTestEnv(t)
	id := pump.MustParseID("PUMP001")
	require.NoError(t, env.pumps.Activate(context.Background(), id, "key-1"))
	require.Equal(t, pump.StateDispensing, env.pumps.State(id).State)

	resp, _ := env.do(t, http.MethodPost, "/v1/pumps/PUMP001/deactivate", nil, "")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = env.do(t, http.MethodPost, "/v1/pumps/PUMP001/deactivate", nil, "wrong")
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Equal(t, pump.StateDispensing, env.pumps.State(id).State)

	resp, body := env.do(t, http.MethodPost, "/v1/pumps/PUMP001/deactivate", nil, operatorToken)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "IDLE", body["state"])

	resp, body = env.do(t, http.MethodPost, "/v1/pumps/PUMP001/clear-fault", nil, operatorToken)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "CONFLICT", body["error"])
}

func TestOperatorAccessNotConfigured(t *testing.T) {
	log := zerolog.Nop()
	hub := sse.NewHub(log)
	pumps := appPump.NewController(pumpdriver.NewSimulated(0, log), nil, nil, appPump.Config{}, log)
	pumps.Register(pump.MustParseID("PUMP001"))
	api := NewServer(nil, nil, pumps, stubLedger{}, hub, "", Info{}, log)

	req := httptest.NewRequest(http.MethodPost, "/v1/pumps/PUMP001/deactivate", nil)
	req.Header.Set("Authorization", "Bearer anything")
	rec := httptest.NewRecorder()
	api.Router().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)
}

func TestLedgerEndpoints(t *testing.T) {
	env := newTestEnv(t)

	resp, body := env.do(t, http.MethodGet, "/v1/ledger/price", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1000000000000000", body["credit_price_wei"])

	resp, body = env.do(t, http.MethodGet, "/v1/ledger/credits/0x00000000000000000000000000000000000000aa", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "3", body["credits"])

	resp, _ = env.do(t, http.MethodGet, "/v1/ledger/credits/nope", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp, _ = env.do(t, http.MethodGet, "/v1/ledger/credits/0x000000000000000000000000000000000000dead", nil, "")
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestStatus(t *testing.T) {
	env := newTestEnv(t)
	resp, body := env.do(t, http.MethodGet, "/v1/status", nil, "")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, "majisafe", body["service"])
	assert.Equal(t, float64(1), body["pumps"])
}

func TestSSE_StreamsFilteredEvents(t *testing.T) {
	env := newTestEnv(t)

	resp, _ := env.do(t, http.MethodGet, "/v1/events", nil, "")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, env.srv.URL+"/v1/events?client_id=ui-1&session=key-1", nil)
	require.NoError(t, err)
	stream, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer stream.Body.Close()
	assert.Equal(t, "text/event-stream", stream.Header.Get("Content-Type"))

	reader := bufio.NewReader(stream.Body)
	line, err := reader.ReadString('\n')
	require.NoError(t, err)
	assert.Equal(t, ": connected\n", line)

	require.Eventually(t, func() bool { return env.hub.GetClient("ui-1") != nil }, time.Second, 5*time.Millisecond)
	require.NoError(t, env.hub.Publish(context.Background(), notification.NewEvent(notification.EventExpired, "other", "PUMP001", "EXPIRED", nil)))
	require.NoError(t, env.hub.Publish(context.Background(), notification.NewEvent(notification.EventActivated, "key-1", "PUMP001", "ACTIVATED", nil)))

	var dataLine string
	for dataLine == "" {
		l, err := reader.ReadString('\n')
		require.NoError(t, err)
		if strings.HasPrefix(l, "event: ") {
			assert.Equal(t, "event: ACTIVATED\n", l)
		}
		if strings.HasPrefix(l, "data: ") {
			dataLine = strings.TrimPrefix(strings.TrimSpace(l), "data: ")
		}
	}
	var msg notification.SSEMessage
	require.NoError(t, json.Unmarshal([]byte(dataLine), &msg))
	var ev notification.Event
	require.NoError(t, json.Unmarshal(msg.Data, &ev))
	assert.Equal(t, notification.EventActivated, ev.Type)
	assert.Equal(t, "key-1", ev.SessionKey)
}
