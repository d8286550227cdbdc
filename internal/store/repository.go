package store

import (
	"context"
	"errors"
	"time"

	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

var (
	ErrIdempotencyConflict = errors.New("request in progress")
	ErrIdempotencyMismatch = errors.New("key reuse with mismatched payload")
)

// Reader is the side-effect free query surface of the account store and the ledger.
type Reader interface {
	FindAccountID(ctx context.Context, userID int64) (int64, error)
	GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error)
	GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error)
	// ListTransfersForUser returns every transfer touching the user's account, newest first.
	ListTransfersForUser(ctx context.Context, userID int64) ([]domain.Transfer, error)
	// ListPendingForApprover returns pending requests the user is asked to pay, oldest first.
	ListPendingForApprover(ctx context.Context, userID int64) ([]domain.Transfer, error)
	ListUsers(ctx context.Context, excludeUserID int64) ([]domain.User, error)
}

// Tx is one atomic unit of ledger work. Balances can only be adjusted through it.
type Tx interface {
	// LockAccounts locks the given accounts in ascending id order and returns them keyed by id.
	LockAccounts(ctx context.Context, accountIDs ...int64) (map[int64]domain.Account, error)
	// LockTransfer locks and returns a transfer so its status cannot change underneath the caller.
	LockTransfer(ctx context.Context, id int64) (*domain.Transfer, error)
	CreateTransfer(ctx context.Context, state domain.State, fromAccountID, toAccountID int64, amount decimal.Decimal) (*domain.Transfer, error)
	SetStatus(ctx context.Context, transferID int64, status domain.TransferStatus) error
	AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error
	// CompleteKey stores the response of an in-progress idempotency key. The
	// record commits or rolls back together with the transfer it describes.
	CompleteKey(ctx context.Context, key string, responseStatus int, responseBody []byte) error
}

// Repository is what the transfer engine needs from storage.
type Repository interface {
	Reader
	// WithinTx runs fn in one transaction. It commits when fn returns nil and
	// rolls back otherwise.
	WithinTx(ctx context.Context, fn func(tx Tx) error) error
}

// Provisioner opens accounts for users registered by the identity provider.
type Provisioner interface {
	CreateAccount(ctx context.Context, username string, openingBalance decimal.Decimal) (*domain.Account, error)
}

// IdempotencyStore deduplicates client retries of keyed requests.
type IdempotencyStore interface {
	// ReserveKey claims key for a new request. It returns the stored record
	// when the key already completed with the same hash. Completion happens
	// through Tx.CompleteKey.
	ReserveKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error)
	ReleaseKey(ctx context.Context, key string) error
	// PurgeKeys deletes in-progress keys reserved before staleBefore and
	// completed keys reserved before expireBefore.
	PurgeKeys(ctx context.Context, staleBefore, expireBefore time.Time) (int64, error)
}
