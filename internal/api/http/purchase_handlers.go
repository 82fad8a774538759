package httpapi

import (
	"errors"
	"io"
	"math/big"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/majisafe/majisafe/internal/application/checkout"
	"github.com/majisafe/majisafe/internal/domain/pump"
)

type startPurchaseRequest struct {
	Phone        string `json:"phone"`
	PumpID       string `json:"pump_id"`
	BuyerAddress string `json:"buyer_address"`
}

type buyRequest struct {
	ValueWei *string `json:"value_wei"`
}

type attachTxRequest struct {
	TxHash string `json:"tx_hash"`
}

func (s *Server) startPurchase(w http.ResponseWriter, r *http.Request) {
	var req startPurchaseRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	id, err := pump.ParseID(req.PumpID)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	if !s.pumps.Known(id) {
		respondError(w, http.StatusNotFound, "PUMP_NOT_FOUND", "unknown pump "+id.String())
		return
	}
	sess, err := s.checkoutSvc.Start(r.Context(), checkout.StartRequest{
		Phone:        req.Phone,
		PumpID:       req.PumpID,
		BuyerAddress: req.BuyerAddress,
	})
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) listPurchases(w http.ResponseWriter, r *http.Request) {
	limit := parseLimit(r, 20, 100)
	items, err := s.sessionSvc.List(r.Context(), limit)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, items)
}

func (s *Server) getPurchase(w http.ResponseWriter, r *http.Request) {
	sess, err := s.sessionSvc.Get(r.Context(), chi.URLParam(r, "sessionKey"))
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, sess)
}

func (s *Server) buyWater(w http.ResponseWriter, r *http.Request) {
	var req buyRequest
	if err := decodeBody(r, &req); err != nil && !errors.Is(err, io.EOF) {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	var value *big.Int
	if req.ValueWei != nil {
		v, ok := new(big.Int).SetString(*req.ValueWei, 10)
		if !ok || v.Sign() <= 0 {
			respondError(w, http.StatusBadRequest, "INVALID_PARAM", "value_wei must be a positive integer")
			return
		}
		value = v
	}
	ref, err := s.checkoutSvc.Buy(r.Context(), chi.URLParam(r, "sessionKey"), value)
	if err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"tx_hash":   ref.Hash,
		"pump_id":   ref.PumpID,
		"value_wei": ref.Value.String(),
	})
}

func (s *Server) attachTransaction(w http.ResponseWriter, r *http.Request) {
	var req attachTxRequest
	if err := decodeBody(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_PARAM", err.Error())
		return
	}
	key := chi.URLParam(r, "sessionKey")
	if err := s.checkoutSvc.AttachTx(r.Context(), key, req.TxHash); err != nil {
		s.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusAccepted, map[string]string{"session": key, "tx_hash": req.TxHash})
}
