//go:build integration

package store_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/punchamoorthee/tenmo-ledger/internal/service"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"
)

func setupPostgres(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx,
		"postgres:16-alpine",
		tcpostgres.WithDatabase("tenmo"),
		tcpostgres.WithUsername("test"),
		tcpostgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(30*time.Second),
		),
	)
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, container.Terminate(ctx)) })

	connStr, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	require.NoError(t, store.Migrate(connStr, zap.NewNop()))
	// A second run is a no-op.
	require.NoError(t, store.Migrate(connStr, zap.NewNop()))

	pool, err := store.NewPool(ctx, connStr, 20)
	require.NoError(t, err)
	t.Cleanup(pool.Close)
	return pool
}

func money(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func TestPostgresStore_LedgerScenario(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(setupPostgres(t), store.Options{TxTimeout: 5 * time.Second, LockTimeout: 2 * time.Second})
	svc := service.NewTransferService(pg, zap.NewNop())

	alice, err := pg.CreateAccount(ctx, "alice", money("100.00"))
	require.NoError(t, err)
	bob, err := pg.CreateAccount(ctx, "bob", money("0"))
	require.NoError(t, err)
	assert.EqualValues(t, 1001, alice.UserID)
	assert.EqualValues(t, 2001, alice.ID)

	_, err = pg.CreateAccount(ctx, "alice", money("1"))
	require.ErrorIs(t, err, domain.ErrUsernameTaken)

	sent, err := svc.Send(ctx, alice.UserID, bob.UserID, money("30.00"))
	require.NoError(t, err)
	assert.EqualValues(t, 3001, sent.ID)
	assert.Equal(t, domain.StateSendApproved, sent.State)

	req, err := svc.RequestCreate(ctx, bob.UserID, alice.UserID, money("20.00"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequestPending, req.State)

	_, err = svc.Approve(ctx, req.ID, bob.UserID)
	require.ErrorIs(t, err, domain.ErrForbidden)

	_, err = svc.Approve(ctx, req.ID, alice.UserID)
	require.NoError(t, err)
	_, err = svc.Approve(ctx, req.ID, alice.UserID)
	require.ErrorIs(t, err, domain.ErrInvalidTransition)

	balance, err := svc.GetBalance(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", balance.StringFixed(2))
	balance, err = svc.GetBalance(ctx, bob.UserID)
	require.NoError(t, err)
	assert.Equal(t, "50.00", balance.StringFixed(2))

	big, err := svc.RequestCreate(ctx, bob.UserID, alice.UserID, money("1000.00"))
	require.NoError(t, err)
	_, err = svc.Approve(ctx, big.ID, alice.UserID)
	require.ErrorIs(t, err, domain.ErrInsufficientFunds)

	stored, err := svc.GetTransfer(ctx, big.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequestPending, stored.State)
	assert.Equal(t, "alice", stored.FromUsername)
	assert.Equal(t, "bob", stored.ToUsername)

	rejected, err := svc.Reject(ctx, big.ID, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, domain.StateRequestRejected, rejected.State)

	_, err = svc.Send(ctx, alice.UserID, alice.UserID, money("1"))
	require.ErrorIs(t, err, domain.ErrValidation)
	_, err = svc.RequestCreate(ctx, bob.UserID, alice.UserID, money("100000000000.00"))
	require.ErrorIs(t, err, domain.ErrAmountTooLarge)

	list, err := svc.ListTransfers(ctx, alice.UserID)
	require.NoError(t, err)
	require.Len(t, list, 3)
	assert.Equal(t, big.ID, list[0].ID)
	assert.Equal(t, "bob", list[0].Counterparty)
	assert.Equal(t, sent.ID, list[2].ID)

	pending, err := svc.ListPending(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Empty(t, pending)

	users, err := svc.ListUsers(ctx, alice.UserID)
	require.NoError(t, err)
	assert.Equal(t, []domain.User{{ID: bob.UserID, Username: "bob"}}, users)
}

func TestPostgresStore_ConcurrentApproveSettlesOnce(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(setupPostgres(t), store.Options{TxTimeout: 10 * time.Second, LockTimeout: 5 * time.Second})
	svc := service.NewTransferService(pg, zap.NewNop())

	payer, err := pg.CreateAccount(ctx, "payer", money("100.00"))
	require.NoError(t, err)
	payee, err := pg.CreateAccount(ctx, "payee", money("0"))
	require.NoError(t, err)

	req, err := svc.RequestCreate(ctx, payee.UserID, payer.UserID, money("40.00"))
	require.NoError(t, err)

	const attempts = 16
	results := make([]error, attempts)
	var wg sync.WaitGroup
	wg.Add(attempts)
	for i := 0; i < attempts; i++ {
		go func(i int) {
			defer wg.Done()
			_, results[i] = svc.Approve(ctx, req.ID, payer.UserID)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range results {
		if err == nil {
			ok++
			continue
		}
		assert.True(t, errors.Is(err, domain.ErrInvalidTransition), "unexpected error: %v", err)
	}
	assert.Equal(t, 1, ok)

	balance, err := svc.GetBalance(ctx, payer.UserID)
	require.NoError(t, err)
	assert.Equal(t, "60.00", balance.StringFixed(2))
}

func TestPostgresStore_OpposingSendsDoNotDeadlock(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(setupPostgres(t), store.Options{TxTimeout: 10 * time.Second, LockTimeout: 5 * time.Second})
	svc := service.NewTransferService(pg, zap.NewNop())

	a, err := pg.CreateAccount(ctx, "a", money("500.00"))
	require.NoError(t, err)
	b, err := pg.CreateAccount(ctx, "b", money("500.00"))
	require.NoError(t, err)

	const rounds = 50
	var wg sync.WaitGroup
	wg.Add(2 * rounds)
	for i := 0; i < rounds; i++ {
		go func() {
			defer wg.Done()
			_, err := svc.Send(ctx, a.UserID, b.UserID, money("1.00"))
			assert.NoError(t, err)
		}()
		go func() {
			defer wg.Done()
			_, err := svc.Send(ctx, b.UserID, a.UserID, money("2.00"))
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	ba, err := svc.GetBalance(ctx, a.UserID)
	require.NoError(t, err)
	bb, err := svc.GetBalance(ctx, b.UserID)
	require.NoError(t, err)
	assert.Equal(t, "550.00", ba.StringFixed(2))
	assert.Equal(t, "450.00", bb.StringFixed(2))
}

func TestPostgresStore_Idempotency(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(setupPostgres(t), store.Options{TxTimeout: 5 * time.Second, LockTimeout: 2 * time.Second})

	rec, err := pg.ReserveKey(ctx, "1001:k", "h")
	require.NoError(t, err)
	assert.Nil(t, rec)

	_, err = pg.ReserveKey(ctx, "1001:k", "h")
	require.ErrorIs(t, err, store.ErrIdempotencyConflict)
	_, err = pg.ReserveKey(ctx, "1001:k", "other")
	require.ErrorIs(t, err, store.ErrIdempotencyMismatch)

	body := []byte("{\"transfer_id\":3001,\"amount\":\"5.00\"}\n")
	boom := errors.New("boom")
	err = pg.WithinTx(ctx, func(tx store.Tx) error {
		require.NoError(t, tx.CompleteKey(ctx, "1001:k", 201, body))
		return boom
	})
	require.ErrorIs(t, err, boom)
	_, err = pg.ReserveKey(ctx, "1001:k", "h")
	require.ErrorIs(t, err, store.ErrIdempotencyConflict, "rolled back completion leaves the key in progress")

	require.NoError(t, pg.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CompleteKey(ctx, "1001:k", 201, body)
	}))
	rec, err = pg.ReserveKey(ctx, "1001:k", "h")
	require.NoError(t, err)
	require.NotNil(t, rec)
	assert.Equal(t, 201, rec.ResponseStatus)
	assert.Equal(t, string(body), string(rec.ResponseBody))

	err = pg.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CompleteKey(ctx, "1001:never-reserved", 201, body)
	})
	require.ErrorIs(t, err, store.ErrIdempotencyConflict)

	_, err = pg.ReserveKey(ctx, "1001:gone", "h")
	require.NoError(t, err)
	require.NoError(t, pg.ReleaseKey(ctx, "1001:gone"))
	rec, err = pg.ReserveKey(ctx, "1001:gone", "h")
	require.NoError(t, err)
	assert.Nil(t, rec)
}

func TestPostgresStore_PurgeKeys(t *testing.T) {
	ctx := context.Background()
	pg := store.NewPostgresStore(setupPostgres(t), store.Options{TxTimeout: 5 * time.Second, LockTimeout: 2 * time.Second})

	_, err := pg.ReserveKey(ctx, "1001:stuck", "h")
	require.NoError(t, err)
	_, err = pg.ReserveKey(ctx, "1001:done", "h")
	require.NoError(t, err)
	require.NoError(t, pg.WithinTx(ctx, func(tx store.Tx) error {
		return tx.CompleteKey(ctx, "1001:done", 201, []byte(`{}`))
	}))

	// Generous margins absorb clock skew between the host and the container.
	now := time.Now()
	n, err := pg.PurgeKeys(ctx, now.Add(time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 1, n, "only the stale reservation goes")

	rec, err := pg.ReserveKey(ctx, "1001:done", "h")
	require.NoError(t, err)
	assert.NotNil(t, rec)
	rec, err = pg.ReserveKey(ctx, "1001:stuck", "h")
	require.NoError(t, err)
	assert.Nil(t, rec)

	// Nothing is old enough yet.
	n, err = pg.PurgeKeys(ctx, now.Add(-time.Hour), now.Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	// Past the TTL completed keys go too.
	n, err = pg.PurgeKeys(ctx, now.Add(time.Hour), now.Add(time.Hour))
	require.NoError(t, err)
	assert.EqualValues(t, 2, n)

	rec, err = pg.ReserveKey(ctx, "1001:done", "h")
	require.NoError(t, err)
	assert.Nil(t, rec)
}
