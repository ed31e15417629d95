package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"bitvault/internal/models"
	"bitvault/internal/rebalance"

	"github.com/go-chi/chi/v5"
	"github.com/jackc/pgx/v5"
)

type Handler struct {
	Transactions *Service
	Rebalance    *rebalance.Service
}

func NewHandler(transactions *Service, reb *rebalance.Service) *Handler {
	return &Handler{Transactions: transactions, Rebalance: reb}
}

type createTransactionRequest struct {
	Type           string                `json:"type"`
	TokenType      string                `json:"tokenType"`
	WalletAddress  string                `json:"walletAddress"`
	IDRAmount      float64               `json:"idrAmount"`
	TokenAmount    float64               `json:"tokenAmount"`
	RefAddress     string                `json:"refAddress"`
	PaymentDetails models.PaymentDetails `json:"paymentDetails"`
}

type transactionResponse struct {
	ID             string                 `json:"id"`
	Type           string                 `json:"type"`
	TokenType      string                 `json:"tokenType"`
	Status         string                 `json:"status"`
	WalletAddress  string                 `json:"walletAddress"`
	IDRAmount      *float64               `json:"idrAmount,omitempty"`
	TokenAmount    *float64               `json:"tokenAmount,omitempty"`
	PaymentDetails *models.PaymentDetails `json:"paymentDetails,omitempty"`
	TxHash         *string                `json:"txHash,omitempty"`
	RefAddress     *string                `json:"refAddress,omitempty"`
	RefAmount      *float64               `json:"refAmount,omitempty"`
	CreatedAt      string                 `json:"createdAt"`
	UpdatedAt      string                 `json:"updatedAt"`
}

func toResponse(tx *models.Transaction) transactionResponse {
	return transactionResponse{
		ID:             tx.ID,
		Type:           string(tx.Type),
		TokenType:      string(tx.TokenType),
		Status:         string(tx.Status),
		WalletAddress:  tx.WalletAddress,
		IDRAmount:      tx.IDRAmount,
		TokenAmount:    tx.TokenAmount,
		PaymentDetails: tx.PaymentDetails,
		TxHash:         tx.TxHash,
		RefAddress:     tx.RefAddress,
		RefAmount:      tx.RefAmount,
		CreatedAt:      tx.CreatedAt.Format(time.RFC3339),
		UpdatedAt:      tx.UpdatedAt.Format(time.RFC3339),
	}
}

func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req createTransactionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	tx, err := h.Transactions.Create(r.Context(), CreateSpec{
		Type:           models.TxType(req.Type),
		TokenType:      models.TokenType(req.TokenType),
		WalletAddress:  req.WalletAddress,
		IDRAmount:      req.IDRAmount,
		TokenAmount:    req.TokenAmount,
		RefAddress:     req.RefAddress,
		PaymentDetails: req.PaymentDetails,
	})
	if err != nil {
		if errors.Is(err, ErrValidation) {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		writeError(w, http.StatusInternalServerError, "create transaction failed")
		return
	}
	writeJSON(w, http.StatusCreated, toResponse(tx))
}

func (h *Handler) GetTransaction(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "transactionId")
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing transaction id")
		return
	}

	tx, err := h.Transactions.Get(r.Context(), id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			writeError(w, http.StatusNotFound, "transaction not found")
			return
		}
		writeError(w, http.StatusInternalServerError, "get transaction failed")
		return
	}
	writeJSON(w, http.StatusOK, toResponse(tx))
}

func (h *Handler) RebalancePlan(w http.ResponseWriter, r *http.Request) {
	plan, err := h.Rebalance.Plan(r.Context())
	if err != nil {
		writeError(w, http.StatusBadGateway, "balance check failed")
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

type rebalanceRequest struct {
	Step      string  `json:"step"`
	AmountIDR float64 `json:"amountIdr"`
}

func (h *Handler) RebalanceExecute(w http.ResponseWriter, r *http.Request) {
	var req rebalanceRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}

	if err := h.Rebalance.Execute(r.Context(), req.Step, req.AmountIDR); err != nil {
		writeError(w, http.StatusUnprocessableEntity, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
