package handler

import (
	"context"
	"log/slog"
	"net/http"
	"strings"

	"github.com/alanyoungcy/tickgrid/internal/domain"
)

// AccountService is what the account handler needs from the service layer.
type AccountService interface {
	OpenAccount(ctx context.Context, userID string) (domain.Account, error)
	Account(ctx context.Context, userID string) (domain.Account, error)
	Transactions(ctx context.Context, userID string, opts domain.ListOpts) ([]domain.Transaction, error)
	Summary(ctx context.Context, userID string) (domain.TransactionSummary, error)
}

// AccountHandler serves balances and transaction history.
type AccountHandler struct {
	accounts AccountService
	logger   *slog.Logger
}

// NewAccountHandler creates an AccountHandler.
func NewAccountHandler(accounts AccountService, logger *slog.Logger) *AccountHandler {
	return &AccountHandler{accounts: accounts, logger: logHandler(logger, "account")}
}

type openAccountRequest struct {
	UserID string `json:"user_id"`
}

// Open creates an account with the initial balance, or returns the existing
// one unchanged.
// POST /api/accounts
func (h *AccountHandler) Open(w http.ResponseWriter, r *http.Request) {
	var req openAccountRequest
	if err := decodeJSON(w, r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if strings.TrimSpace(req.UserID) == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	acct, err := h.accounts.OpenAccount(r.Context(), req.UserID)
	if err != nil {
		writeServiceError(w, r, h.logger, "open account", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Balance returns the user's account.
// GET /api/users/{id}/balance
func (h *AccountHandler) Balance(w http.ResponseWriter, r *http.Request) {
	acct, err := h.accounts.Account(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "get balance", err)
		return
	}
	writeJSON(w, http.StatusOK, acct)
}

// Transactions lists the user's balance movements, newest first.
// GET /api/users/{id}/transactions?limit=&offset=&since=&until=
func (h *AccountHandler) Transactions(w http.ResponseWriter, r *http.Request) {
	txs, err := h.accounts.Transactions(r.Context(), r.PathValue("id"), parseListOpts(r))
	if err != nil {
		writeServiceError(w, r, h.logger, "list transactions", err)
		return
	}
	if txs == nil {
		txs = []domain.Transaction{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"transactions": txs})
}

// Summary returns wagered, won and profit totals.
// GET /api/users/{id}/summary
func (h *AccountHandler) Summary(w http.ResponseWriter, r *http.Request) {
	sum, err := h.accounts.Summary(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, r, h.logger, "transaction summary", err)
		return
	}
	writeJSON(w, http.StatusOK, sum)
}
