package domain

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"
)

// MoneyScale is the number of fractional digits stored for balances and amounts.
const MoneyScale = 2

// MaxAmount is the largest balance or amount the ledger columns hold.
var MaxAmount = decimal.RequireFromString("99999999999.99")

// User is the read-only view of a registered user.
type User struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
}

// Account represents a user's balance in the ledger.
type Account struct {
	ID      int64           `json:"account_id"`
	UserID  int64           `json:"user_id"`
	Balance decimal.Decimal `json:"balance"`
}

// Transfer is one ledger record. Everything except State is fixed at creation.
type Transfer struct {
	ID            int64
	State         State
	FromAccountID int64
	ToAccountID   int64
	FromUserID    int64
	ToUserID      int64
	FromUsername  string
	ToUsername    string
	Amount        decimal.Decimal

	// Counterparty is the other party's username relative to the user a listing was built for.
	Counterparty string
}

// Type returns the transfer type encoded in the state.
func (t Transfer) Type() TransferType { return t.State.Type() }

// Status returns the transfer status encoded in the state.
func (t Transfer) Status() TransferStatus { return t.State.Status() }

type transferJSON struct {
	ID            int64  `json:"transfer_id"`
	Type          string `json:"type"`
	Status        string `json:"status"`
	TypeID        int    `json:"transfer_type_id"`
	StatusID      int    `json:"transfer_status_id"`
	FromAccountID int64  `json:"account_from"`
	ToAccountID   int64  `json:"account_to"`
	FromUserID    int64  `json:"from_user_id"`
	ToUserID      int64  `json:"to_user_id"`
	FromUsername  string `json:"from_user"`
	ToUsername    string `json:"to_user"`
	Counterparty  string `json:"counterparty,omitempty"`
	Amount        string `json:"amount"`
}

// MarshalJSON renders the state as its type/status pair and the amount with two decimals.
func (t Transfer) MarshalJSON() ([]byte, error) {
	return json.Marshal(transferJSON{
		ID:            t.ID,
		Type:          t.Type().String(),
		Status:        t.Status().String(),
		TypeID:        int(t.Type()),
		StatusID:      int(t.Status()),
		FromAccountID: t.FromAccountID,
		ToAccountID:   t.ToAccountID,
		FromUserID:    t.FromUserID,
		ToUserID:      t.ToUserID,
		FromUsername:  t.FromUsername,
		ToUsername:    t.ToUsername,
		Counterparty:  t.Counterparty,
		Amount:        t.Amount.StringFixed(MoneyScale),
	})
}

// ValidateAmount checks that amount is strictly positive, no larger than
// MaxAmount and representable at MoneyScale.
func ValidateAmount(amount decimal.Decimal) error {
	if !amount.IsPositive() {
		return ErrNonPositiveAmount
	}
	if amount.GreaterThan(MaxAmount) {
		return ErrAmountTooLarge
	}
	if !amount.Equal(amount.Truncate(MoneyScale)) {
		return ErrAmountPrecision
	}
	return nil
}

// IdempotencyRecord holds the stored outcome of a keyed request.
type IdempotencyRecord struct {
	Key            string
	RequestHash    string
	Status         string
	ResponseBody   json.RawMessage
	ResponseStatus int
	CreatedAt      time.Time
}

// Idempotency record states.
const (
	IdempotencyInProgress = "in_progress"
	IdempotencyCompleted  = "completed"
)
