package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Options bounds how long a ledger transaction may run or wait on row locks.
type Options struct {
	TxTimeout   time.Duration
	LockTimeout time.Duration
}

type PostgresStore struct {
	db   *pgxpool.Pool
	opts Options
}

var (
	_ Repository       = (*PostgresStore)(nil)
	_ Provisioner      = (*PostgresStore)(nil)
	_ IdempotencyStore = (*PostgresStore)(nil)
)

// NewPool parses connString, opens a pool and verifies it with a ping.
func NewPool(ctx context.Context, connString string, maxConns int32) (*pgxpool.Pool, error) {
	config, err := pgxpool.ParseConfig(connString)
	if err != nil {
		return nil, fmt.Errorf("unable to parse database config: %w", err)
	}
	if maxConns > 0 {
		config.MaxConns = maxConns
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	return pool, nil
}

func NewPostgresStore(pool *pgxpool.Pool, opts Options) *PostgresStore {
	return &PostgresStore{db: pool, opts: opts}
}

// querier is satisfied by both the pool and an open transaction.
type querier interface {
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

const selectTransfer = `
SELECT t.transfer_id, t.transfer_type_id, t.transfer_status_id,
       t.account_from, t.account_to, t.amount::text,
       a_from.user_id, a_to.user_id, u_from.username, u_to.username
FROM transfer t
JOIN account a_from ON t.account_from = a_from.account_id
JOIN account a_to ON t.account_to = a_to.account_id
JOIN tenmo_user u_from ON a_from.user_id = u_from.user_id
JOIN tenmo_user u_to ON a_to.user_id = u_to.user_id`

func scanTransfer(row pgx.Row) (*domain.Transfer, error) {
	var (
		t        domain.Transfer
		typeID   int
		statusID int
		amount   string
	)
	err := row.Scan(&t.ID, &typeID, &statusID, &t.FromAccountID, &t.ToAccountID, &amount,
		&t.FromUserID, &t.ToUserID, &t.FromUsername, &t.ToUsername)
	if err != nil {
		return nil, err
	}

	t.State, err = domain.NewState(domain.TransferType(typeID), domain.TransferStatus(statusID))
	if err != nil {
		return nil, fmt.Errorf("%w: transfer %d: %w", domain.ErrStorage, t.ID, err)
	}
	t.Amount, err = decimal.NewFromString(amount)
	if err != nil {
		return nil, fmt.Errorf("%w: transfer %d amount: %w", domain.ErrStorage, t.ID, err)
	}
	return &t, nil
}

func getTransfer(ctx context.Context, q querier, id int64, forUpdate bool) (*domain.Transfer, error) {
	query := selectTransfer + " WHERE t.transfer_id = $1"
	if forUpdate {
		query += " FOR UPDATE OF t"
	}
	t, err := scanTransfer(q.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrTransferNotFound
		}
		if errors.Is(err, domain.ErrStorage) {
			return nil, err
		}
		return nil, classify("get transfer", err)
	}
	return t, nil
}

func listTransfers(ctx context.Context, q querier, query string, args ...any) ([]domain.Transfer, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, classify("list transfers", err)
	}
	defer rows.Close()

	transfers := []domain.Transfer{}
	for rows.Next() {
		t, err := scanTransfer(rows)
		if err != nil {
			if errors.Is(err, domain.ErrStorage) {
				return nil, err
			}
			return nil, classify("scan transfer", err)
		}
		transfers = append(transfers, *t)
	}
	if err := rows.Err(); err != nil {
		return nil, classify("list transfers", err)
	}
	return transfers, nil
}

// FindAccountID resolves the account owned by a user.
func (s *PostgresStore) FindAccountID(ctx context.Context, userID int64) (int64, error) {
	var id int64
	err := s.db.QueryRow(ctx, "SELECT account_id FROM account WHERE user_id = $1", userID).Scan(&id)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, domain.ErrAccountNotFound
		}
		return 0, classify("find account", err)
	}
	return id, nil
}

// GetBalance returns the committed balance of the user's account.
func (s *PostgresStore) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	var balance string
	err := s.db.QueryRow(ctx, "SELECT balance::text FROM account WHERE user_id = $1", userID).Scan(&balance)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return decimal.Zero, domain.ErrAccountNotFound
		}
		return decimal.Zero, classify("get balance", err)
	}
	return decimal.NewFromString(balance)
}

// GetTransfer retrieves transfer details.
func (s *PostgresStore) GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	return getTransfer(ctx, s.db, id, false)
}

func (s *PostgresStore) ListTransfersForUser(ctx context.Context, userID int64) ([]domain.Transfer, error) {
	transfers, err := listTransfers(ctx, s.db,
		selectTransfer+" WHERE a_from.user_id = $1 OR a_to.user_id = $1 ORDER BY t.transfer_id DESC",
		userID)
	if err != nil {
		return nil, err
	}
	for i := range transfers {
		transfers[i].Counterparty = counterparty(transfers[i], userID)
	}
	return transfers, nil
}

func (s *PostgresStore) ListPendingForApprover(ctx context.Context, userID int64) ([]domain.Transfer, error) {
	transfers, err := listTransfers(ctx, s.db,
		selectTransfer+" WHERE t.transfer_type_id = $2 AND t.transfer_status_id = $3 AND a_from.user_id = $1 ORDER BY t.transfer_id ASC",
		userID, int(domain.TypeRequest), int(domain.StatusPending))
	if err != nil {
		return nil, err
	}
	for i := range transfers {
		transfers[i].Counterparty = transfers[i].ToUsername
	}
	return transfers, nil
}

func (s *PostgresStore) ListUsers(ctx context.Context, excludeUserID int64) ([]domain.User, error) {
	rows, err := s.db.Query(ctx, "SELECT user_id, username FROM tenmo_user WHERE user_id <> $1 ORDER BY username", excludeUserID)
	if err != nil {
		return nil, classify("list users", err)
	}
	users, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (domain.User, error) {
		var u domain.User
		err := row.Scan(&u.ID, &u.Username)
		return u, err
	})
	if err != nil {
		return nil, classify("list users", err)
	}
	return users, nil
}

// WithinTx runs fn inside a READ COMMITTED transaction. Row locks taken by
// fn serialize competing commits; lock waits and the whole transaction are
// bounded so contention surfaces as domain.ErrTransient.
func (s *PostgresStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if s.opts.TxTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.opts.TxTimeout)
		defer cancel()
	}

	tx, err := s.db.BeginTx(ctx, pgx.TxOptions{IsoLevel: pgx.ReadCommitted})
	if err != nil {
		return classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	if s.opts.LockTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL lock_timeout = %d", s.opts.LockTimeout.Milliseconds())); err != nil {
			return classify("set lock timeout", err)
		}
	}
	if s.opts.TxTimeout > 0 {
		if _, err := tx.Exec(ctx, fmt.Sprintf("SET LOCAL statement_timeout = %d", s.opts.TxTimeout.Milliseconds())); err != nil {
			return classify("set statement timeout", err)
		}
	}

	if err := fn(&pgTx{tx: tx}); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return classify("commit tx", err)
	}
	return nil
}

type pgTx struct {
	tx pgx.Tx
}

func (t *pgTx) LockAccounts(ctx context.Context, accountIDs ...int64) (map[int64]domain.Account, error) {
	// Acquire locks in ID order
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	accounts := make(map[int64]domain.Account, len(ids))
	for _, id := range ids {
		var (
			acc     domain.Account
			balance string
		)
		err := t.tx.QueryRow(ctx,
			"SELECT account_id, user_id, balance::text FROM account WHERE account_id = $1 FOR UPDATE", id,
		).Scan(&acc.ID, &acc.UserID, &balance)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return nil, domain.ErrAccountNotFound
			}
			return nil, classify("lock account", err)
		}
		if acc.Balance, err = decimal.NewFromString(balance); err != nil {
			return nil, fmt.Errorf("%w: account %d balance: %w", domain.ErrStorage, id, err)
		}
		accounts[id] = acc
	}
	return accounts, nil
}

func (t *pgTx) LockTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	return getTransfer(ctx, t.tx, id, true)
}

func (t *pgTx) CreateTransfer(ctx context.Context, state domain.State, fromAccountID, toAccountID int64, amount decimal.Decimal) (*domain.Transfer, error) {
	var id int64
	err := t.tx.QueryRow(ctx,
		`INSERT INTO transfer (transfer_type_id, transfer_status_id, account_from, account_to, amount)
		 VALUES ($1, $2, $3, $4, $5::numeric) RETURNING transfer_id`,
		int(state.Type()), int(state.Status()), fromAccountID, toAccountID, amount.String(),
	).Scan(&id)
	if err != nil {
		return nil, classify("insert transfer", err)
	}
	return getTransfer(ctx, t.tx, id, false)
}

func (t *pgTx) SetStatus(ctx context.Context, transferID int64, status domain.TransferStatus) error {
	if _, err := domain.StateRequestPending.Transition(status); err != nil {
		return err
	}

	tag, err := t.tx.Exec(ctx,
		`UPDATE transfer SET transfer_status_id = $2
		 WHERE transfer_id = $1 AND transfer_type_id = $3 AND transfer_status_id = $4`,
		transferID, int(status), int(domain.TypeRequest), int(domain.StatusPending))
	if err != nil {
		return classify("update transfer status", err)
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var exists bool
	if err := t.tx.QueryRow(ctx, "SELECT EXISTS(SELECT 1 FROM transfer WHERE transfer_id = $1)", transferID).Scan(&exists); err != nil {
		return classify("check transfer", err)
	}
	if !exists {
		return domain.ErrTransferNotFound
	}
	return domain.ErrNotPendingRequest
}

func (t *pgTx) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	tag, err := t.tx.Exec(ctx,
		"UPDATE account SET balance = balance + $2::numeric WHERE account_id = $1",
		accountID, delta.String())
	if err != nil {
		return classify("adjust balance", err)
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrAccountNotFound
	}
	return nil
}

// CompleteKey fills in the response of a key reserved by ReserveKey. The body
// is stored as raw bytes so a replay is byte-identical.
func (t *pgTx) CompleteKey(ctx context.Context, key string, responseStatus int, responseBody []byte) error {
	tag, err := t.tx.Exec(ctx,
		`UPDATE idempotency_keys SET status = $2, response_status = $3, response_body = $4
		 WHERE key = $1 AND status = $5`,
		key, domain.IdempotencyCompleted, responseStatus, responseBody, domain.IdempotencyInProgress,
	)
	if err != nil {
		return classify("idempotency update", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrIdempotencyConflict
	}
	return nil
}

// CreateAccount registers username and opens its account with openingBalance.
func (s *PostgresStore) CreateAccount(ctx context.Context, username string, openingBalance decimal.Decimal) (*domain.Account, error) {
	tx, err := s.db.Begin(ctx)
	if err != nil {
		return nil, classify("begin tx", err)
	}
	defer tx.Rollback(ctx)

	acc := domain.Account{Balance: openingBalance}
	if err := tx.QueryRow(ctx, "INSERT INTO tenmo_user (username) VALUES ($1) RETURNING user_id", username).Scan(&acc.UserID); err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return nil, domain.ErrUsernameTaken
		}
		return nil, classify("insert user", err)
	}
	err = tx.QueryRow(ctx,
		"INSERT INTO account (user_id, balance) VALUES ($1, $2::numeric) RETURNING account_id",
		acc.UserID, openingBalance.String(),
	).Scan(&acc.ID)
	if err != nil {
		return nil, classify("insert account", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, classify("commit tx", err)
	}
	return &acc, nil
}

// ReserveKey checks for a previous use of key and otherwise reserves it as in progress.
func (s *PostgresStore) ReserveKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	var (
		storedHash   string
		storedStatus string
		respStatus   *int
		respBody     []byte
		createdAt    time.Time
	)
	err := s.db.QueryRow(ctx,
		"SELECT request_hash, status, response_status, response_body, created_at FROM idempotency_keys WHERE key = $1",
		key,
	).Scan(&storedHash, &storedStatus, &respStatus, &respBody, &createdAt)

	if err == nil {
		if storedHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if storedStatus != domain.IdempotencyCompleted || respStatus == nil || respBody == nil {
			return nil, ErrIdempotencyConflict
		}
		return &domain.IdempotencyRecord{
			Key:            key,
			RequestHash:    storedHash,
			Status:         storedStatus,
			ResponseBody:   json.RawMessage(respBody),
			ResponseStatus: *respStatus,
			CreatedAt:      createdAt,
		}, nil
	} else if !errors.Is(err, pgx.ErrNoRows) {
		return nil, classify("idempotency query", err)
	}

	_, err = s.db.Exec(ctx,
		"INSERT INTO idempotency_keys (key, request_hash, status) VALUES ($1, $2, $3)",
		key, requestHash, domain.IdempotencyInProgress,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == codeUniqueViolation {
			return nil, ErrIdempotencyConflict
		}
		return nil, classify("key reservation", err)
	}
	return nil, nil
}

func (s *PostgresStore) ReleaseKey(ctx context.Context, key string) error {
	_, err := s.db.Exec(ctx, "DELETE FROM idempotency_keys WHERE key = $1 AND status = $2", key, domain.IdempotencyInProgress)
	if err != nil {
		return classify("idempotency release", err)
	}
	return nil
}

func (s *PostgresStore) PurgeKeys(ctx context.Context, staleBefore, expireBefore time.Time) (int64, error) {
	tag, err := s.db.Exec(ctx,
		`DELETE FROM idempotency_keys
		 WHERE (status = $1 AND created_at < $2) OR (status = $3 AND created_at < $4)`,
		domain.IdempotencyInProgress, staleBefore, domain.IdempotencyCompleted, expireBefore,
	)
	if err != nil {
		return 0, classify("idempotency purge", err)
	}
	return tag.RowsAffected(), nil
}

func counterparty(t domain.Transfer, userID int64) string {
	if t.FromUserID == userID {
		return t.ToUsername
	}
	return t.FromUsername
}
