package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/application/checkout"
	appPump "github.com/majisafe/majisafe/internal/application/pump"
	"github.com/majisafe/majisafe/internal/application/session"
	"github.com/majisafe/majisafe/internal/domain/ledger"
	"github.com/majisafe/majisafe/internal/domain/notification"
	"github.com/majisafe/majisafe/internal/domain/pump"
	"github.com/majisafe/majisafe/internal/domain/purchase"
	"github.com/majisafe/majisafe/internal/infrastructure/sse"
)

// LedgerReader serves read-only contract queries.
type LedgerReader interface {
	CreditPrice(ctx context.Context) (*big.Int, error)
	WaterCredits(ctx context.Context, address string) (*big.Int, error)
}

// Info describes the deployment on /v1/status.
type Info struct {
	Service  string
	Contract string
	RPCURL   string
}

// Server holds dependencies for HTTP handlers.
type Server struct {
	checkoutSvc       *checkout.Service
	sessionSvc        *session.Service
	pumps             *appPump.Controller
	ledger            LedgerReader
	sseHub            *sse.Hub
	operatorTokenHash string
	info              Info
	startedAt         time.Time
	logger            zerolog.Logger
}

func NewServer(
	checkoutSvc *checkout.Service,
	sessionSvc *session.Service,
	pumps *appPump.Controller,
	ledgerReader LedgerReader,
	sseHub *sse.Hub,
	operatorTokenHash string,
	info Info,
	logger zerolog.Logger,
) *Server {
	return &Server{
		checkoutSvc:       checkoutSvc,
		sessionSvc:        sessionSvc,
		pumps:             pumps,
		ledger:            ledgerReader,
		sseHub:            sseHub,
		operatorTokenHash: operatorTokenHash,
		info:              info,
		startedAt:         time.Now().UTC(),
		logger:            logger.With().Str("component", "http").Logger(),
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)

	r.Route("/v1", func(r chi.Router) {
		// streams outlive the request timeout
		r.Get("/events", s.sseEndpoint)

		r.Group(func(r chi.Router) {
			r.Use(middleware.Timeout(30 * time.Second))

			r.Get("/status", s.status)

			r.Route("/purchases", func(r chi.Router) {
				r.Post("/", s.startPurchase)
				r.Get("/", s.listPurchases)
				r.Get("/{sessionKey}", s.getPurchase)
				r.Post("/{sessionKey}/buy", s.buyWater)
				r.Post("/{sessionKey}/transactions", s.attachTransaction)
			})

			r.Route("/pumps", func(r chi.Router) {
				r.Get("/", s.listPumps)
				r.Get("/{pumpId}", s.getPump)
				r.Get("/{pumpId}/history", s.pumpHistory)
				r.Group(func(r chi.Router) {
					r.Use(s.requireOperator)
					r.Post("/{pumpId}/deactivate", s.deactivatePump)
					r.Post("/{pumpId}/clear-fault", s.clearPumpFault)
				})
			})

			r.Route("/ledger", func(r chi.Router) {
				r.Get("/price", s.creditPrice)
				r.Get("/credits/{address}", s.waterCredits)
			})
		})
	})

	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]interface{}{
		"error":   code,
		"message": message,
	})
}

// respondServiceError maps application errors onto HTTP statuses.
func (s *Server) respondServiceError(w http.ResponseWriter, err error) {
	var subErr *ledger.SubmissionError
	switch {
	case errors.Is(err, purchase.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, checkout.ErrPhoneRequired),
		errors.Is(err, checkout.ErrInvalidTxHash),
		errors.Is(err, pump.ErrInvalidID):
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
	case errors.Is(err, purchase.ErrSessionClosed),
		errors.Is(err, purchase.ErrPaymentRequired),
		errors.Is(err, checkout.ErrAlreadySubmitted),
		errors.Is(err, purchase.ErrTxInUse),
		errors.Is(err, pump.ErrNotFaulted):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	case errors.Is(err, ledger.ErrNotConfigured):
		respondError(w, http.StatusServiceUnavailable, "LEDGER_UNAVAILABLE", err.Error())
	case errors.As(err, &subErr):
		respondError(w, http.StatusBadGateway, "LEDGER_SUBMISSION_FAILED", err.Error())
	default:
		s.logger.Error().Err(err).Msg("request failed")
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", err.Error())
	}
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

func parseLimit(r *http.Request, defaultLimit, maxLimit int) int {
	limit := defaultLimit
	if v := r.URL.Query().Get("limit"); v != "" {
		if l, err := strconv.Atoi(v); err == nil {
			limit = l
		}
	}
	if limit <= 0 {
		limit = defaultLimit
	}
	if limit > maxLimit {
		limit = maxLimit
	}
	return limit
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":         "online",
		"service":        s.info.Service,
		"contract":       s.info.Contract,
		"rpc_url":        s.info.RPCURL,
		"pumps":          len(s.pumps.List()),
		"sse_clients":    s.sseHub.GetClientCount(),
		"uptime_seconds": int(time.Since(s.startedAt).Seconds()),
	})
}

func (s *Server) sseEndpoint(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	clientID := q.Get("client_id")
	if clientID == "" {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "client_id required")
		return
	}
	var sessionPtr, pumpPtr *string
	if v := q.Get("session"); v != "" {
		sessionPtr = &v
	}
	if v := q.Get("pump"); v != "" {
		id, err := pump.ParseID(v)
		if err != nil {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
			return
		}
		label := id.String()
		pumpPtr = &label
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		respondError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "streaming not supported")
		return
	}

	client := notification.NewSSEClient(clientID, sessionPtr, pumpPtr)
	s.sseHub.Register(client)
	defer s.sseHub.Unregister(client)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(": connected\n\n"))
	flusher.Flush()

	ctx := r.Context()
	for {
		select {
		case msg, ok := <-client.MessageChan:
			if !ok {
				return
			}
			payload, _ := json.Marshal(msg)
			_, _ = w.Write([]byte("event: " + msg.Event + "\n"))
			_, _ = w.Write([]byte("data: "))
			_, _ = w.Write(payload)
			_, _ = w.Write([]byte("\n\n"))
			flusher.Flush()
		case <-ctx.Done():
			return
		}
	}
}
