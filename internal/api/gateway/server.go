package gatewayapi

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"

	"github.com/majisafe/majisafe/internal/application/gateway"
	"github.com/majisafe/majisafe/internal/domain/payment"
	"github.com/majisafe/majisafe/internal/domain/pump"
)

const recentPayments = 10

// Server exposes the SMS payment gateway over HTTP.
type Server struct {
	svc    *gateway.Service
	logger zerolog.Logger
}

func NewServer(svc *gateway.Service, logger zerolog.Logger) *Server {
	return &Server{svc: svc, logger: logger.With().Str("component", "gateway_http").Logger()}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	r.Post("/process-sms", s.processSMS)
	r.Get("/sms-status", s.smsStatus)
	r.Post("/blockchain-confirmed", s.blockchainConfirmed)
	r.Get("/status", s.status)
	r.Get("/payments", s.payments)
	return r
}

func respondJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{
		"status":  "error",
		"message": message,
	})
}

func decodeBody(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(r.Body)
	dec.DisallowUnknownFields()
	return dec.Decode(v)
}

type smsRequest struct {
	Phone   string `json:"phone"`
	Message string `json:"message"`
}

func (s *Server) processSMS(w http.ResponseWriter, r *http.Request) {
	var req smsRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(req.Phone) == "" {
		respondError(w, http.StatusBadRequest, "phone is required")
		return
	}
	rec, err := s.svc.ProcessSMS(r.Context(), req.Phone, req.Message)
	switch {
	case err == nil:
	case errors.Is(err, payment.ErrInvalidFormat):
		respondError(w, http.StatusBadRequest, err.Error()+"\nExample: PAY 5000 BIF PUMP001")
		return
	case errors.Is(err, payment.ErrUnsupportedCurrency),
		errors.Is(err, payment.ErrBelowMinimum),
		errors.Is(err, payment.ErrInvalidPump),
		errors.Is(err, pump.ErrInvalidID):
		respondError(w, http.StatusBadRequest, err.Error())
		return
	case errors.Is(err, gateway.ErrRejectedByRule):
		respondError(w, http.StatusUnprocessableEntity, err.Error())
		return
	case errors.Is(err, gateway.ErrAlreadyPaid):
		respondError(w, http.StatusConflict, err.Error())
		return
	default:
		s.logger.Error().Err(err).Msg("sms processing failed")
		respondError(w, http.StatusInternalServerError, "System error. Please try again.")
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "success",
		"message":    "SMS payment received",
		"session":    rec.Session,
		"phone":      rec.Phone,
		"amount":     fmt.Sprintf("%g %s", rec.Amount, rec.Currency),
		"eth_amount": rec.EthAmount,
		"pump_id":    rec.PumpID,
	})
}

func (s *Server) smsStatus(w http.ResponseWriter, r *http.Request) {
	key := r.URL.Query().Get("session")
	if key == "" {
		respondError(w, http.StatusBadRequest, "session required")
		return
	}
	respondJSON(w, http.StatusOK, s.svc.Status(key))
}

type confirmRequest struct {
	Session string `json:"session"`
	TxHash  string `json:"tx_hash"`
}

func (s *Server) blockchainConfirmed(w http.ResponseWriter, r *http.Request) {
	var req confirmRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if req.Session == "" || req.TxHash == "" {
		respondError(w, http.StatusBadRequest, "session and tx_hash are required")
		return
	}
	if err := s.svc.ConfirmLedger(req.Session, req.TxHash); err != nil {
		if errors.Is(err, gateway.ErrUnknownSession) {
			respondError(w, http.StatusNotFound, err.Error())
			return
		}
		respondError(w, http.StatusInternalServerError, err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"status": "confirmed"})
}

func (s *Server) status(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, map[string]interface{}{
		"status":               "online",
		"service":              "MajiSafe SMS payment gateway",
		"supported_currencies": payment.SupportedCurrencies(),
		"payments":             s.svc.Count(),
	})
}

type paymentView struct {
	Phone     string    `json:"phone"`
	Amount    float64   `json:"amount"`
	Currency  string    `json:"currency"`
	PumpID    string    `json:"pump_id"`
	TxHash    string    `json:"tx_hash"`
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
}

func (s *Server) payments(w http.ResponseWriter, r *http.Request) {
	recs := s.svc.Recent(recentPayments)
	out := make([]paymentView, 0, len(recs))
	for _, rec := range recs {
		out = append(out, paymentView{
			Phone:     rec.Phone,
			Amount:    rec.Amount,
			Currency:  rec.Currency,
			PumpID:    rec.PumpID,
			TxHash:    rec.TxHash,
			Status:    rec.Status,
			Timestamp: rec.ReceivedAt,
		})
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"payments": out})
}
