package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/mux"

	"github.com/punchamoorthee/ledgerengine/internal/domain"
	"github.com/punchamoorthee/ledgerengine/internal/money"
	"github.com/punchamoorthee/ledgerengine/internal/service"
)

type transferRequest struct {
	FromAccountID string `json:"from_account_id"`
	ToAccountID   string `json:"to_account_id"`
	Amount        *int64 `json:"amount"`
	AmountDecimal string `json:"amount_decimal"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
}

type movementRequest struct {
	AccountID     string `json:"account_id"`
	Amount        *int64 `json:"amount"`
	AmountDecimal string `json:"amount_decimal"`
	Currency      string `json:"currency"`
	Description   string `json:"description"`
}

type operationResponse struct {
	Success       bool             `json:"success"`
	TransactionID string           `json:"transaction_id"`
	Operation     domain.Operation `json:"operation"`
	Amount        int64            `json:"amount"`
	Currency      string           `json:"currency"`
	FromBalance   *int64           `json:"from_balance,omitempty"`
	ToBalance     *int64           `json:"to_balance,omitempty"`
	Balance       *int64           `json:"balance,omitempty"`
	CompletedAt   time.Time        `json:"completed_at"`
}

type openAccountRequest struct {
	OwnerID  string `json:"owner_id"`
	Currency string `json:"currency"`
}

type transactionsResponse struct {
	Records    []domain.TransactionRecord `json:"records"`
	NextCursor string                     `json:"next_cursor,omitempty"`
}

func (h *Handler) HealthCheckHandler(w http.ResponseWriter, r *http.Request) {
	if h.health != nil {
		if err := h.health(r.Context()); err != nil {
			respondWithJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	respondWithJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (h *Handler) CreateTransferHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var body transferRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	amount, currency, err := resolveAmount(body.Amount, body.AmountDecimal, body.Currency)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	rcpt, err := h.engine.Transfer(r.Context(), caller, domain.TransferRequest{
		FromAccountID:  body.FromAccountID,
		ToAccountID:    body.ToAccountID,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		Description:    body.Description,
	})
	respondWithReceipt(w, r, rcpt, err)
}

func (h *Handler) CreateDepositHandler(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.engine.Deposit)
}

func (h *Handler) CreateWithdrawalHandler(w http.ResponseWriter, r *http.Request) {
	h.movement(w, r, h.engine.Withdraw)
}

func (h *Handler) movement(w http.ResponseWriter, r *http.Request, run func(ctx context.Context, caller domain.Caller, req domain.MovementRequest) (service.Receipt, error)) {
	caller, err := callerFrom(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var body movementRequest
	if err := decodeBody(w, r, &body); err != nil {
		respondWithError(w, r, err)
		return
	}
	amount, currency, err := resolveAmount(body.Amount, body.AmountDecimal, body.Currency)
	if err != nil {
		respondWithError(w, r, err)
		return
	}

	rcpt, err := run(r.Context(), caller, domain.MovementRequest{
		AccountID:      body.AccountID,
		Amount:         amount,
		Currency:       currency,
		IdempotencyKey: r.Header.Get(headerIdempotencyKey),
		Description:    body.Description,
	})
	respondWithReceipt(w, r, rcpt, err)
}

func (h *Handler) CreateAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	var body openAccountRequest
	if r.ContentLength != 0 {
		if err := decodeBody(w, r, &body); err != nil {
			respondWithError(w, r, err)
			return
		}
	}
	acc, err := h.engine.OpenAccount(r.Context(), caller, body.OwnerID, body.Currency)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	w.Header().Set("Location", "/api/v1/accounts/"+acc.ID)
	respondWithJSON(w, http.StatusCreated, acc)
}

func (h *Handler) GetAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	acc, err := h.engine.GetAccount(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) DeactivateAccountHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	acc, err := h.engine.DeactivateAccount(r.Context(), caller, mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, acc)
}

func (h *Handler) GetAccountTransactionsHandler(w http.ResponseWriter, r *http.Request) {
	caller, err := callerFrom(r)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	q := service.HistoryQuery{AccountID: mux.Vars(r)["id"], Cursor: r.URL.Query().Get("cursor")}
	if v := r.URL.Query().Get("since"); v != "" {
		if q.Since, err = time.Parse(time.RFC3339, v); err != nil {
			respondWithError(w, r, domain.InvalidArgument("since must be an RFC 3339 timestamp"))
			return
		}
	}
	if v := r.URL.Query().Get("limit"); v != "" {
		if q.Limit, err = strconv.Atoi(v); err != nil {
			respondWithError(w, r, domain.InvalidArgument("limit must be an integer"))
			return
		}
	}

	page, err := h.engine.History(r.Context(), caller, q)
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	respondWithJSON(w, http.StatusOK, transactionsResponse{Records: page.Records, NextCursor: page.NextCursor})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		return domain.InvalidArgument("malformed JSON body")
	}
	return nil
}

// resolveAmount accepts either integer minor units or a decimal string in major units.
func resolveAmount(minor *int64, dec, currency string) (int64, string, error) {
	currency = strings.ToUpper(strings.TrimSpace(currency))
	if currency == "" {
		currency = domain.DefaultCurrency
	}
	switch {
	case minor != nil && dec != "":
		return 0, "", domain.InvalidArgument("send either amount or amount_decimal, not both")
	case minor != nil:
		return *minor, currency, nil
	case dec != "":
		amount, err := money.ToMinor(dec, currency)
		if errors.Is(err, money.ErrPrecision) {
			return 0, "", domain.InvalidArgument("amount_decimal %s has more precision than %s allows", dec, currency)
		}
		if err != nil {
			return 0, "", domain.InvalidArgument("amount_decimal %q is not a valid amount", dec)
		}
		return amount, currency, nil
	}
	return 0, "", domain.InvalidArgument("amount is required")
}

func respondWithReceipt(w http.ResponseWriter, r *http.Request, rcpt service.Receipt, err error) {
	if err != nil {
		respondWithError(w, r, err)
		return
	}
	res := rcpt.Result
	resp := operationResponse{
		Success:       true,
		TransactionID: res.TransactionID,
		Operation:     res.Operation,
		Amount:        res.Amount,
		Currency:      res.Currency,
		FromBalance:   res.FromBalance,
		ToBalance:     res.ToBalance,
		Balance:       res.Balance,
		CompletedAt:   res.CompletedAt,
	}
	if rcpt.Replayed {
		w.Header().Set(headerReplayed, "true")
		respondWithJSON(w, http.StatusOK, resp)
		return
	}
	respondWithJSON(w, http.StatusCreated, resp)
}
