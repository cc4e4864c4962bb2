/*
dto.go - Request and response data structures

PURPOSE:
  JSON shapes for the HTTP API, kept separate from domain types so the
  wire format can evolve without touching the ledger package.

CONVENTIONS:
  - Monetary fields are serialized as JSON numbers via json.Number so no
    float precision is lost on either side.
  - Dates use RFC 3339.
*/
package api

import (
	"encoding/json"

	"github.com/warp/metered-ledger/ledger"
)

// =============================================================================
// AUTH
// =============================================================================

// CredentialsDTO is the register and login request body.
type CredentialsDTO struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// TokenDTO carries a freshly issued JWT.
type TokenDTO struct {
	Token string `json:"token"`
}

// =============================================================================
// OPERATIONS
// =============================================================================

// OperationDTO describes one billable operation and its cost.
type OperationDTO struct {
	ID   string      `json:"id"`
	Type string      `json:"type"`
	Cost json.Number `json:"cost"`
}

// ExecuteRequestDTO is the body of POST /api/operations/{type}.
// Operands are optional for randomString.
type ExecuteRequestDTO struct {
	Number1 json.Number `json:"number1"`
	Number2 json.Number `json:"number2"`
}

// ExecuteResponseDTO returns the operation result and the resulting balance.
type ExecuteResponseDTO struct {
	Result      any         `json:"result"`
	UserBalance json.Number `json:"userBalance"`
	RecordID    string      `json:"recordId"`
}

// =============================================================================
// RECORDS
// =============================================================================

// RecordDTO is one row of a user's operation history.
type RecordDTO struct {
	ID          string      `json:"id"`
	Type        string      `json:"operationType"`
	Amount      json.Number `json:"amount"`
	UserBalance json.Number `json:"userBalance"`
	Response    string      `json:"operationResponse"`
	Date        string      `json:"date"`
}

// PageSetDTO is the response of GET /api/records/pages.
type PageSetDTO struct {
	Pages   int         `json:"pages"`
	Records []RecordDTO `json:"records"`
}

// BalanceDTO is the response of GET /api/balance.
type BalanceDTO struct {
	UserBalance json.Number `json:"userBalance"`
}

// StatusDTO acknowledges a mutation with no other payload.
type StatusDTO struct {
	Response string `json:"response"`
}

// ErrorResponse is the JSON error envelope.
type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
}

func toRecordDTO(v ledger.RecordView) RecordDTO {
	return RecordDTO{
		ID:          v.ID,
		Type:        string(v.Type),
		Amount:      json.Number(v.Amount.String()),
		UserBalance: json.Number(v.UserBalance.String()),
		Response:    string(v.Response),
		Date:        v.Date.Format(timeFormat),
	}
}

func toRecordDTOs(views []ledger.RecordView) []RecordDTO {
	dtos := make([]RecordDTO, len(views))
	for i, v := range views {
		dtos[i] = toRecordDTO(v)
	}
	return dtos
}
