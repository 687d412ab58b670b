package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"ledger-core/pkg/auth"
	"ledger-core/pkg/ledger"
	"ledger-core/pkg/logging"

	"go.uber.org/zap"
)

const (
	// HeaderIdempotencyKey carries the client's idempotency key
	HeaderIdempotencyKey = "Idempotency-Key"

	// HeaderReplayed is set on responses answered from an earlier settlement
	HeaderReplayed = "X-Idempotency-Replayed"

	maxBodyBytes = 1 << 20

	msgPaymentFailed = "payment failed"
)

type qrisPaymentRequest struct {
	Amount          json.RawMessage `json:"amount"`
	MerchantName    string          `json:"merchantName"`
	SourceAccountID string          `json:"sourceAccountId"`
}

type paymentData struct {
	UpdatedAccount *ledger.Account     `json:"updatedAccount"`
	NewTransaction *ledger.Transaction `json:"newTransaction"`
}

type paymentResponse struct {
	Message string      `json:"message"`
	Data    paymentData `json:"data"`
}

type errorResponse struct {
	Message string `json:"message"`
	Error   string `json:"error,omitempty"`
	Code    string `json:"code,omitempty"`
}

func (s *Server) handleQRISPayment(w http.ResponseWriter, r *http.Request) {
	creds, ok := auth.FromContext(r.Context())
	if !ok {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Message: "access denied: token not found"})
		return
	}

	var req qrisPaymentRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeFailure(w, r, msgPaymentFailed, ledger.Fail(ledger.KindInvalidRequest, "invalid request body"))
		return
	}

	amount, err := parseAmount(req.Amount)
	if err != nil {
		s.writeFailure(w, r, msgPaymentFailed, err)
		return
	}

	result, err := s.engine.Settle(r.Context(), creds.UserID, ledger.PaymentIntent{
		Amount:         amount,
		MerchantName:   req.MerchantName,
		AccountID:      req.SourceAccountID,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
	})
	if err != nil {
		s.writeFailure(w, r, msgPaymentFailed, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
		w.Header().Set(HeaderReplayed, "true")
	}
	writeJSON(w, status, paymentResponse{
		Message: "payment succeeded",
		Data: paymentData{
			UpdatedAccount: result.Account,
			NewTransaction: result.Transaction,
		},
	})
}

// parseAmount accepts a JSON integer. Strings, fractions and exponents fail
// with InvalidAmount.
func parseAmount(raw json.RawMessage) (int64, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, ledger.Fail(ledger.KindInvalidAmount, "amount is required")
	}
	n, err := strconv.ParseInt(string(raw), 10, 64)
	if err != nil {
		return 0, ledger.Fail(ledger.KindInvalidAmount, "amount must be a positive integer")
	}
	return n, nil
}

func (s *Server) handleListAccounts(w http.ResponseWriter, r *http.Request) {
	creds, ok := auth.FromContext(r.Context())
	if !ok || s.reader == nil {
		s.writeFailure(w, r, "failed to load accounts", ledger.Fail(ledger.KindStoreUnavailable, "account queries are not available"))
		return
	}

	accounts, err := s.reader.ListAccounts(r.Context(), creds.UserID)
	if err != nil {
		s.writeFailure(w, r, "failed to load accounts", err)
		return
	}
	if accounts == nil {
		accounts = []*ledger.Account{}
	}
	writeJSON(w, http.StatusOK, accounts)
}

func (s *Server) handleListTransactions(w http.ResponseWriter, r *http.Request) {
	creds, ok := auth.FromContext(r.Context())
	if !ok || s.reader == nil {
		s.writeFailure(w, r, "failed to load transactions", ledger.Fail(ledger.KindStoreUnavailable, "transaction queries are not available"))
		return
	}

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			s.writeFailure(w, r, "failed to load transactions", ledger.Fail(ledger.KindInvalidRequest, "limit must be a non-negative integer"))
			return
		}
		limit = n
	}

	txs, err := s.reader.ListTransactions(r.Context(), creds.UserID, limit)
	if err != nil {
		s.writeFailure(w, r, "failed to load transactions", err)
		return
	}
	if txs == nil {
		txs = []*ledger.Transaction{}
	}
	writeJSON(w, http.StatusOK, txs)
}

// writeFailure maps a settlement failure to its HTTP status. Missing and
// foreign accounts share one response so account ids cannot be probed.
func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, message string, err error) {
	kind := ledger.KindOf(err)
	resp := errorResponse{Message: message, Code: kind.String()}

	var failure *ledger.Failure
	if errors.As(err, &failure) {
		resp.Error = failure.Message
	}

	var status int
	switch kind {
	case ledger.KindInvalidAmount, ledger.KindInvalidRequest:
		status = http.StatusBadRequest
	case ledger.KindAccountNotFound, ledger.KindAccountNotOwned:
		status = http.StatusNotFound
		resp.Code = ledger.KindAccountNotFound.String()
		resp.Error = "source account not found"
	case ledger.KindInsufficientFunds:
		status = http.StatusConflict
	case ledger.KindCommitConflict:
		status = http.StatusConflict
		w.Header().Set("Retry-After", "1")
	case ledger.KindStoreUnavailable:
		status = http.StatusServiceUnavailable
		w.Header().Set("Retry-After", "1")
		resp.Error = "ledger temporarily unavailable"
	default:
		status = http.StatusInternalServerError
		resp.Code = ""
		resp.Error = "internal error"
	}

	if status >= http.StatusInternalServerError {
		logging.FromContext(r.Context()).Warn("request failed", zap.Int("status", status), zap.Error(err))
	}
	writeJSON(w, status, resp)
}
