package domain

import (
	"encoding/json"
	"time"
)

// DefaultCurrency is applied when a request leaves the currency empty.
const DefaultCurrency = "USD"

// Operation selects the orchestrator path.
type Operation string

const (
	OperationTransfer   Operation = "TRANSFER"
	OperationDeposit    Operation = "DEPOSIT"
	OperationWithdrawal Operation = "WITHDRAWAL"
)

// Direction is the side of the ledger a record lands on.
type Direction string

const (
	DirectionDebit  Direction = "DEBIT"
	DirectionCredit Direction = "CREDIT"
)

// RecordStatus is always COMPLETED: records are only written on success.
type RecordStatus string

const RecordStatusCompleted RecordStatus = "COMPLETED"

// Account represents a user's balance in the ledger.
// Balance is held in minor units and never goes negative after a committed write.
type Account struct {
	ID                      string    `json:"id"`
	OwnerID                 string    `json:"owner_id"`
	Balance                 int64     `json:"balance"`
	Currency                string    `json:"currency"`
	IsActive                bool      `json:"is_active"`
	DailyTransferTotal      int64     `json:"daily_transfer_total"`
	DailyLimitResetEpochDay int64     `json:"daily_limit_reset_epoch_day"`
	Version                 int64     `json:"version"`
	CreatedAt               time.Time `json:"created_at"`
}

// RecordMetadata carries request context stored alongside a record.
type RecordMetadata struct {
	IdempotencyKey string `json:"idempotency_key"`
	Initiator      string `json:"initiator"`
	Channel        string `json:"channel,omitempty"`
	Description    string `json:"description,omitempty"`
}

// TransactionRecord is one immutable leg of a balance change.
// Transfers produce a DEBIT and a CREDIT sharing TransferID; the amounts of the pair are equal.
type TransactionRecord struct {
	ID                   string         `json:"id"`
	TransferID           string         `json:"transfer_id"`
	AccountID            string         `json:"account_id"`
	CounterpartAccountID *string        `json:"counterpart_account_id,omitempty"`
	Direction            Direction      `json:"direction"`
	Category             Operation      `json:"category"`
	Amount               int64          `json:"amount"`
	Currency             string         `json:"currency"`
	BalanceAfter         int64          `json:"balance_after"`
	Timestamp            time.Time      `json:"timestamp"`
	Status               RecordStatus   `json:"status"`
	Metadata             RecordMetadata `json:"metadata"`
}

// IdempotencyStatus is the lifecycle of a client-submitted key.
type IdempotencyStatus string

const (
	IdempotencyProcessing IdempotencyStatus = "PROCESSING"
	IdempotencyCompleted  IdempotencyStatus = "COMPLETED"
	IdempotencyFailed     IdempotencyStatus = "FAILED"
)

// IdempotencyRecord holds the state of a request key.
type IdempotencyRecord struct {
	Key              string            `json:"key"`
	Status           IdempotencyStatus `json:"status"`
	OperationKind    Operation         `json:"operation_kind"`
	InputFingerprint string            `json:"input_fingerprint"`
	Result           json.RawMessage   `json:"result,omitempty"`
	Failure          json.RawMessage   `json:"failure,omitempty"`
	Retryable        bool              `json:"retryable"`
	Token            string            `json:"token"`
	CreatedAt        time.Time         `json:"created_at"`
	UpdatedAt        time.Time         `json:"updated_at"`
}

// Caller identifies who submits an operation.
type Caller struct {
	UserID   string
	Elevated bool
	Channel  string
}

// TransferRequest moves Amount from one account to another account of a different owner.
type TransferRequest struct {
	FromAccountID  string
	ToAccountID    string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
}

// MovementRequest is a single-account deposit or withdrawal.
type MovementRequest struct {
	AccountID      string
	Amount         int64
	Currency       string
	IdempotencyKey string
	Description    string
}

// OperationResult is the canonical success payload, stored verbatim for replays.
type OperationResult struct {
	TransactionID string    `json:"transaction_id"`
	Operation     Operation `json:"operation"`
	Amount        int64     `json:"amount"`
	Currency      string    `json:"currency"`
	FromBalance   *int64    `json:"from_balance,omitempty"`
	ToBalance     *int64    `json:"to_balance,omitempty"`
	Balance       *int64    `json:"balance,omitempty"`
	CompletedAt   time.Time `json:"completed_at"`
}
