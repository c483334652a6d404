package ledger

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Status is the lifecycle state of a payment record.
type Status string

const (
	StatusPending   Status = "pending"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusCancelled Status = "cancelled"
)

var (
	// ErrNotConfigured indicates the storage backend was not initialised.
	ErrNotConfigured = errors.New("ledger: store not configured")
	// ErrNotFound is returned when no record matches the identifier and expected status.
	ErrNotFound = errors.New("ledger: record not found")
	// ErrConflict is returned when a conditional write would touch more than one record.
	ErrConflict = errors.New("ledger: conflicting records")
	// ErrInvalidTransition is returned for updates that would break status monotonicity.
	ErrInvalidTransition = errors.New("ledger: invalid status transition")
	// ErrInvalidRecord is returned when a record fails validation before a write.
	ErrInvalidRecord = errors.New("ledger: invalid record")
)

// ParseStatus normalises a status string.
func ParseStatus(v string) (Status, error) {
	s := Status(strings.ToLower(strings.TrimSpace(v)))
	if !s.Valid() {
		return "", fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, v)
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusCompleted, StatusFailed, StatusCancelled:
		return true
	}
	return false
}

// Terminal reports whether no further transitions are allowed.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusFailed || s == StatusCancelled
}

// CanTransition reports whether from -> to keeps the status monotonic.
// Only pending rows change; pending -> pending is allowed for field updates.
func CanTransition(from, to Status) bool {
	return from == StatusPending && to.Valid()
}

// PaymentRecord is a ledger row.
type PaymentRecord struct {
	ID            uuid.UUID       `json:"id"`
	OwnerID       string          `json:"ownerId"`
	WalletAddress string          `json:"walletAddress"`
	Amount        decimal.Decimal `json:"amount"`
	CurrencyCode  string          `json:"currencyCode"`
	Status        Status          `json:"status"`
	TxIdentifier  *string         `json:"txIdentifier,omitempty"`
	Recipient     *string         `json:"recipient,omitempty"`
	OrderRef      *string         `json:"orderRef,omitempty"`
	CreatedAt     time.Time       `json:"createdAt"`
	UpdatedAt     time.Time       `json:"updatedAt"`
}

// TxID returns the transaction identifier or an empty string.
func (r PaymentRecord) TxID() string {
	if r.TxIdentifier == nil {
		return ""
	}
	return *r.TxIdentifier
}

// Update lists the fields an UpdateByIdentifier call may change. Nil fields are left as is.
type Update struct {
	Status    *Status `json:"status,omitempty"`
	Recipient *string `json:"recipient,omitempty"`
	OrderRef  *string `json:"orderRef,omitempty"`
}

// StatusUpdate is shorthand for an update that only moves the status.
func StatusUpdate(to Status) Update {
	return Update{Status: &to}
}

// Filter narrows QueryByOwner results.
type Filter struct {
	Status   Status
	Currency string
	From     *time.Time
	To       *time.Time
	Limit    int
	Offset   int
}

const (
	defaultQueryLimit = 50
	maxQueryLimit     = 500
)

func (f Filter) limit() int {
	switch {
	case f.Limit <= 0:
		return defaultQueryLimit
	case f.Limit > maxQueryLimit:
		return maxQueryLimit
	default:
		return f.Limit
	}
}

// prepareCreate validates rec and fills generated fields.
func prepareCreate(rec PaymentRecord, now time.Time) (PaymentRecord, error) {
	rec.OwnerID = strings.TrimSpace(rec.OwnerID)
	if rec.OwnerID == "" {
		return PaymentRecord{}, fmt.Errorf("%w: owner id is required", ErrInvalidRecord)
	}
	if !rec.Amount.IsPositive() {
		return PaymentRecord{}, fmt.Errorf("%w: amount must be greater than zero", ErrInvalidRecord)
	}
	rec.CurrencyCode = strings.ToUpper(strings.TrimSpace(rec.CurrencyCode))
	if rec.CurrencyCode == "" {
		return PaymentRecord{}, fmt.Errorf("%w: currency code is required", ErrInvalidRecord)
	}
	if rec.Status == "" {
		rec.Status = StatusPending
	}
	if !rec.Status.Valid() {
		return PaymentRecord{}, fmt.Errorf("%w: unknown status %q", ErrInvalidRecord, rec.Status)
	}
	if rec.TxIdentifier != nil {
		tx := strings.TrimSpace(*rec.TxIdentifier)
		if tx == "" {
			rec.TxIdentifier = nil
		} else {
			rec.TxIdentifier = &tx
		}
	}
	if rec.ID == uuid.Nil {
		rec.ID = uuid.New()
	}
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	rec.CreatedAt = rec.CreatedAt.UTC()
	rec.UpdatedAt = rec.CreatedAt
	return rec, nil
}

// checkUpdate enforces monotonic status before touching storage.
func checkUpdate(txID string, expected Status, upd Update) error {
	if strings.TrimSpace(txID) == "" {
		return fmt.Errorf("%w: tx identifier is required", ErrInvalidRecord)
	}
	if !expected.Valid() {
		return fmt.Errorf("%w: unknown expected status %q", ErrInvalidRecord, expected)
	}
	if expected.Terminal() {
		return fmt.Errorf("%w: %s records are final", ErrInvalidTransition, expected)
	}
	if upd.Status != nil && !CanTransition(expected, *upd.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, expected, *upd.Status)
	}
	return nil
}

func nullableString(v *string) any {
	if v == nil {
		return nil
	}
	return *v
}

func nullableStatus(v *Status) any {
	if v == nil {
		return nil
	}
	return string(*v)
}
