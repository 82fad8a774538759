package httpapi

import (
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
)

func (s *Server) creditPrice(w http.ResponseWriter, r *http.Request) {
	price, err := s.ledger.CreditPrice(r.Context())
	if err != nil {
		respondError(w, http.StatusBadGateway, "LEDGER_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"credit_price_wei": price.String()})
}

func (s *Server) waterCredits(w http.ResponseWriter, r *http.Request) {
	address := chi.URLParam(r, "address")
	if !common.IsHexAddress(address) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", "invalid address")
		return
	}
	credits, err := s.ledger.WaterCredits(r.Context(), address)
	if err != nil {
		respondError(w, http.StatusBadGateway, "LEDGER_ERROR", err.Error())
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{
		"address": common.HexToAddress(address).Hex(),
		"credits": credits.String(),
	})
}
