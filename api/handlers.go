/*
handlers.go - HTTP handlers for the metered operation ledger

PURPOSE:
  Exposes the ledger via REST. Handles HTTP request/response, JSON
  serialization, and delegates to domain logic.

ENDPOINTS:
  Auth:
    POST   /api/auth/register       Create account, returns token
    POST   /api/auth/login          Verify credentials, returns token

  Operations (authenticated):
    GET    /api/operations          List operation types and costs
    POST   /api/operations/{type}   Execute an operation (charges balance)

  Records (authenticated):
    GET    /api/records             Paginated, filtered history
    GET    /api/records/pages       Page count plus first page
    DELETE /api/records/{id}        Soft-delete one record
    GET    /api/balance             Current spendable balance

ERROR HANDLING:
  Domain errors map to HTTP status via statusFor. An insufficient balance
  is a 400 even though the declined attempt was persisted; the response
  body names the recorded attempt.

SEE ALSO:
  - dto.go: Request/response data structures
  - server.go: Router setup and middleware
*/
package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"

	"github.com/warp/metered-ledger/auth"
	"github.com/warp/metered-ledger/ledger"
	"github.com/warp/metered-ledger/ops"
)

const timeFormat = time.RFC3339

const (
	defaultPerPage = 10
	maxPerPage     = 100
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Auth   *auth.Service
	Ledger *ledger.Service
	Ops    *ops.Service
}

// NewHandler creates a handler over the given services.
func NewHandler(authSvc *auth.Service, ledgerSvc *ledger.Service, opsSvc *ops.Service) *Handler {
	return &Handler{Auth: authSvc, Ledger: ledgerSvc, Ops: opsSvc}
}

// =============================================================================
// AUTH HANDLERS
// =============================================================================

// Register creates an account and returns a token.
func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var req CredentialsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}
	if req.Email == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "Email and password are required", nil)
		return
	}

	token, err := h.Auth.Register(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, statusFor(err), "Failed to register", err)
		return
	}

	writeJSON(w, http.StatusCreated, TokenDTO{Token: token})
}

// Login verifies credentials and returns a token.
func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var req CredentialsDTO
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return
	}

	token, err := h.Auth.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		writeError(w, statusFor(err), "Failed to log in", err)
		return
	}

	writeJSON(w, http.StatusOK, TokenDTO{Token: token})
}

// =============================================================================
// OPERATION HANDLERS
// =============================================================================

// ListOperations returns the operation catalog with costs.
func (h *Handler) ListOperations(w http.ResponseWriter, r *http.Request) {
	operations, err := h.Ledger.Operations(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to list operations", err)
		return
	}

	dtos := make([]OperationDTO, len(operations))
	for i, op := range operations {
		dtos[i] = OperationDTO{
			ID:   op.ID,
			Type: string(op.Type),
			Cost: json.Number(op.Cost.String()),
		}
	}

	writeJSON(w, http.StatusOK, dtos)
}

// ExecuteOperation runs one operation and charges the user's balance.
func (h *Handler) ExecuteOperation(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}

	opType, err := ledger.ParseOperationType(chi.URLParam(r, "type"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "Unknown operation type", err)
		return
	}

	var req ExecuteRequestDTO
	if r.Body != nil && r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "Invalid request body", err)
			return
		}
	}

	n1, n2, err := parseOperands(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid operands", err)
		return
	}

	outcome, err := h.Ops.Execute(r.Context(), userID, opType, n1, n2)
	if err != nil {
		writeError(w, statusFor(err), "Operation failed", err)
		return
	}

	resp := ExecuteResponseDTO{
		UserBalance: json.Number(outcome.Record.UserBalance.String()),
		RecordID:    outcome.Record.ID,
	}
	if outcome.Number != nil {
		resp.Result = json.Number(outcome.Number.String())
	} else {
		resp.Result = outcome.Str
	}

	writeJSON(w, http.StatusOK, resp)
}

func parseOperands(req ExecuteRequestDTO) (decimal.Decimal, decimal.Decimal, error) {
	var n1, n2 decimal.Decimal
	var err error

	if req.Number1 != "" {
		if n1, err = decimal.NewFromString(req.Number1.String()); err != nil {
			return n1, n2, err
		}
	}
	if req.Number2 != "" {
		if n2, err = decimal.NewFromString(req.Number2.String()); err != nil {
			return n1, n2, err
		}
	}
	return n1, n2, nil
}

// =============================================================================
// RECORD HANDLERS
// =============================================================================

// ListRecords returns one page of the user's operation history.
func (h *Handler) ListRecords(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}

	query, err := parseRecordQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	views, err := h.Ledger.Records(r.Context(), userID, query)
	if err != nil {
		writeError(w, statusFor(err), "Failed to list records", err)
		return
	}

	writeJSON(w, http.StatusOK, toRecordDTOs(views))
}

// RecordPages returns the page count for a filter plus the first page.
func (h *Handler) RecordPages(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}

	query, err := parseRecordQuery(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, "Invalid query", err)
		return
	}

	set, err := h.Ledger.Pages(r.Context(), userID, query)
	if err != nil {
		writeError(w, statusFor(err), "Failed to count pages", err)
		return
	}

	writeJSON(w, http.StatusOK, PageSetDTO{
		Pages:   set.Pages,
		Records: toRecordDTOs(set.Records),
	})
}

// DeleteRecord soft-deletes one of the user's records.
func (h *Handler) DeleteRecord(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}

	if err := h.Ledger.DeleteRecord(r.Context(), userID, chi.URLParam(r, "id")); err != nil {
		writeError(w, statusFor(err), "Failed to delete record", err)
		return
	}

	writeJSON(w, http.StatusOK, StatusDTO{Response: "ok"})
}

// GetBalance returns the user's current spendable balance.
func (h *Handler) GetBalance(w http.ResponseWriter, r *http.Request) {
	userID, ok := auth.UserID(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "Not authenticated", nil)
		return
	}

	balance, err := h.Ledger.Balance(r.Context(), userID)
	if err != nil {
		writeError(w, statusFor(err), "Failed to get balance", err)
		return
	}

	writeJSON(w, http.StatusOK, BalanceDTO{UserBalance: json.Number(balance.String())})
}

// queryParam returns the first non-empty value among the given names.
// Several parameters have two accepted spellings: the original wire names
// (recordsPerPage, orderByCol, orderByType) and their short forms.
func queryParam(values url.Values, names ...string) string {
	for _, name := range names {
		if s := values.Get(name); s != "" {
			return s
		}
	}
	return ""
}

// parseRecordQuery reads filters, ordering and pagination from the URL.
func parseRecordQuery(r *http.Request) (ledger.RecordQuery, error) {
	q := ledger.RecordQuery{Page: 1, PerPage: defaultPerPage}
	values := r.URL.Query()

	if s := values.Get("page"); s != "" {
		page, err := strconv.Atoi(s)
		if err != nil || page < 1 {
			return q, ledger.ErrInvalidQuery
		}
		q.Page = page
	}
	if s := queryParam(values, "recordsPerPage", "perPage"); s != "" {
		perPage, err := strconv.Atoi(s)
		if err != nil || perPage < 1 || perPage > maxPerPage {
			return q, ledger.ErrInvalidQuery
		}
		q.PerPage = perPage
	}

	if s := values.Get("type"); s != "" {
		t, err := ledger.ParseOperationType(s)
		if err != nil {
			return q, err
		}
		q.Type = &t
	}
	if s := values.Get("operationResponse"); s != "" {
		resp := ledger.OperationResponse(s)
		if !resp.Valid() {
			return q, ledger.ErrInvalidQuery
		}
		q.Response = &resp
	}
	if s := values.Get("date"); s != "" {
		date, err := time.Parse("2006-01-02", s)
		if err != nil {
			return q, ledger.ErrInvalidQuery
		}
		q.Date = &date
	}

	if s := queryParam(values, "orderByCol", "orderBy"); s != "" {
		col := ledger.OrderColumn(s)
		if !col.Valid() {
			return q, ledger.ErrInvalidQuery
		}
		order := ledger.Order{Column: col}
		switch queryParam(values, "orderByType", "orderDir") {
		case "", "asc", "ASC":
		case "desc", "DESC":
			order.Desc = true
		default:
			return q, ledger.ErrInvalidQuery
		}
		q.Order = &order
	}

	return q, nil
}

// =============================================================================
// HELPERS
// =============================================================================

// statusFor maps domain errors to HTTP status codes.
func statusFor(err error) int {
	switch {
	case errors.Is(err, ledger.ErrInsufficientBalance),
		errors.Is(err, ledger.ErrUnknownOperation),
		errors.Is(err, ledger.ErrInvalidQuery),
		errors.Is(err, ops.ErrDivisionByZero),
		errors.Is(err, ops.ErrNegativeSquareRoot):
		return http.StatusBadRequest
	case errors.Is(err, auth.ErrInvalidCredentials),
		errors.Is(err, auth.ErrInvalidToken):
		return http.StatusUnauthorized
	case errors.Is(err, auth.ErrUserInactive):
		return http.StatusForbidden
	case errors.Is(err, ledger.ErrRecordNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrEmailTaken):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrStorageConflict):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}
