package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// MemoryStore keeps the ledger in process memory. A single mutex serializes
// transactions; every write inside a transaction is journaled so a failed
// transaction leaves no trace.
type MemoryStore struct {
	mu sync.Mutex

	users          map[int64]domain.User
	accounts       map[int64]domain.Account
	accountByUser  map[int64]int64
	transfers      map[int64]domain.Transfer
	idempotency    map[string]domain.IdempotencyRecord
	nextUserID     int64
	nextAccountID  int64
	nextTransferID int64
	now            func() time.Time
}

var (
	_ Repository       = (*MemoryStore)(nil)
	_ Provisioner      = (*MemoryStore)(nil)
	_ IdempotencyStore = (*MemoryStore)(nil)
)

// NewMemoryStore returns an empty store. Ids start at the same values as the
// SQL sequences.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		users:          make(map[int64]domain.User),
		accounts:       make(map[int64]domain.Account),
		accountByUser:  make(map[int64]int64),
		transfers:      make(map[int64]domain.Transfer),
		idempotency:    make(map[string]domain.IdempotencyRecord),
		nextUserID:     1001,
		nextAccountID:  2001,
		nextTransferID: 3001,
		now:            time.Now,
	}
}

func (s *MemoryStore) CreateAccount(ctx context.Context, username string, openingBalance decimal.Decimal) (*domain.Account, error) {
	if err := ctx.Err(); err != nil {
		return nil, classify("create account", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, u := range s.users {
		if u.Username == username {
			return nil, domain.ErrUsernameTaken
		}
	}

	user := domain.User{ID: s.nextUserID, Username: username}
	s.nextUserID++
	acc := domain.Account{ID: s.nextAccountID, UserID: user.ID, Balance: openingBalance}
	s.nextAccountID++

	s.users[user.ID] = user
	s.accounts[acc.ID] = acc
	s.accountByUser[user.ID] = acc.ID
	return &acc, nil
}

func (s *MemoryStore) FindAccountID(ctx context.Context, userID int64) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accountByUser[userID]
	if !ok {
		return 0, domain.ErrAccountNotFound
	}
	return id, nil
}

func (s *MemoryStore) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.accountByUser[userID]
	if !ok {
		return decimal.Zero, domain.ErrAccountNotFound
	}
	return s.accounts[id].Balance, nil
}

func (s *MemoryStore) GetTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.transfer(id)
}

func (s *MemoryStore) ListTransfersForUser(ctx context.Context, userID int64) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Transfer{}
	for _, t := range s.transfers {
		if t.FromUserID != userID && t.ToUserID != userID {
			continue
		}
		t.Counterparty = counterparty(t, userID)
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID > out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListPendingForApprover(ctx context.Context, userID int64) ([]domain.Transfer, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.Transfer{}
	for _, t := range s.transfers {
		if t.State.IsPendingRequest() && t.FromUserID == userID {
			t.Counterparty = t.ToUsername
			out = append(out, t)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (s *MemoryStore) ListUsers(ctx context.Context, excludeUserID int64) ([]domain.User, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.User{}
	for _, u := range s.users {
		if u.ID != excludeUserID {
			out = append(out, u)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Username < out[j].Username })
	return out, nil
}

// WithinTx holds the store lock for the whole of fn.
func (s *MemoryStore) WithinTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return classify("begin tx", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	tx := &memTx{s: s}
	if err := fn(tx); err != nil {
		tx.rollback()
		return err
	}
	if err := ctx.Err(); err != nil {
		tx.rollback()
		return classify("commit tx", err)
	}
	return nil
}

// transfer must be called with mu held.
func (s *MemoryStore) transfer(id int64) (*domain.Transfer, error) {
	t, ok := s.transfers[id]
	if !ok {
		return nil, domain.ErrTransferNotFound
	}
	return &t, nil
}

type memTx struct {
	s    *MemoryStore
	undo []func()
}

func (t *memTx) rollback() {
	for i := len(t.undo) - 1; i >= 0; i-- {
		t.undo[i]()
	}
	t.undo = nil
}

func (t *memTx) LockAccounts(ctx context.Context, accountIDs ...int64) (map[int64]domain.Account, error) {
	ids := slices.Clone(accountIDs)
	slices.Sort(ids)
	ids = slices.Compact(ids)

	out := make(map[int64]domain.Account, len(ids))
	for _, id := range ids {
		acc, ok := t.s.accounts[id]
		if !ok {
			return nil, domain.ErrAccountNotFound
		}
		out[id] = acc
	}
	return out, nil
}

func (t *memTx) LockTransfer(ctx context.Context, id int64) (*domain.Transfer, error) {
	return t.s.transfer(id)
}

func (t *memTx) CreateTransfer(ctx context.Context, state domain.State, fromAccountID, toAccountID int64, amount decimal.Decimal) (*domain.Transfer, error) {
	from, ok := t.s.accounts[fromAccountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}
	to, ok := t.s.accounts[toAccountID]
	if !ok {
		return nil, domain.ErrAccountNotFound
	}

	tr := domain.Transfer{
		ID:            t.s.nextTransferID,
		State:         state,
		FromAccountID: fromAccountID,
		ToAccountID:   toAccountID,
		FromUserID:    from.UserID,
		ToUserID:      to.UserID,
		FromUsername:  t.s.users[from.UserID].Username,
		ToUsername:    t.s.users[to.UserID].Username,
		Amount:        amount,
	}
	t.s.nextTransferID++
	t.s.transfers[tr.ID] = tr
	t.undo = append(t.undo, func() {
		delete(t.s.transfers, tr.ID)
		t.s.nextTransferID--
	})
	return &tr, nil
}

func (t *memTx) SetStatus(ctx context.Context, transferID int64, status domain.TransferStatus) error {
	tr, ok := t.s.transfers[transferID]
	if !ok {
		return domain.ErrTransferNotFound
	}
	next, err := tr.State.Transition(status)
	if err != nil {
		return err
	}

	prev := tr.State
	tr.State = next
	t.s.transfers[transferID] = tr
	t.undo = append(t.undo, func() {
		tr := t.s.transfers[transferID]
		tr.State = prev
		t.s.transfers[transferID] = tr
	})
	return nil
}

func (t *memTx) AdjustBalance(ctx context.Context, accountID int64, delta decimal.Decimal) error {
	acc, ok := t.s.accounts[accountID]
	if !ok {
		return domain.ErrAccountNotFound
	}
	next := acc.Balance.Add(delta)
	if next.IsNegative() {
		return domain.ErrBalanceTooLow
	}

	prev := acc.Balance
	acc.Balance = next
	t.s.accounts[accountID] = acc
	t.undo = append(t.undo, func() {
		acc := t.s.accounts[accountID]
		acc.Balance = prev
		t.s.accounts[accountID] = acc
	})
	return nil
}

func (t *memTx) CompleteKey(ctx context.Context, key string, responseStatus int, responseBody []byte) error {
	prev, ok := t.s.idempotency[key]
	if !ok || prev.Status != domain.IdempotencyInProgress {
		return ErrIdempotencyConflict
	}

	rec := prev
	rec.Status = domain.IdempotencyCompleted
	rec.ResponseStatus = responseStatus
	rec.ResponseBody = slices.Clone(responseBody)
	t.s.idempotency[key] = rec
	t.undo = append(t.undo, func() { t.s.idempotency[key] = prev })
	return nil
}

func (s *MemoryStore) ReserveKey(ctx context.Context, key, requestHash string) (*domain.IdempotencyRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idempotency[key]; ok {
		if rec.RequestHash != requestHash {
			return nil, ErrIdempotencyMismatch
		}
		if rec.Status != domain.IdempotencyCompleted {
			return nil, ErrIdempotencyConflict
		}
		return &rec, nil
	}
	s.idempotency[key] = domain.IdempotencyRecord{Key: key, RequestHash: requestHash, Status: domain.IdempotencyInProgress, CreatedAt: s.now()}
	return nil, nil
}

func (s *MemoryStore) ReleaseKey(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if rec, ok := s.idempotency[key]; ok && rec.Status == domain.IdempotencyInProgress {
		delete(s.idempotency, key)
	}
	return nil
}

func (s *MemoryStore) PurgeKeys(ctx context.Context, staleBefore, expireBefore time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var n int64
	for key, rec := range s.idempotency {
		cutoff := expireBefore
		if rec.Status == domain.IdempotencyInProgress {
			cutoff = staleBefore
		}
		if rec.CreatedAt.Before(cutoff) {
			delete(s.idempotency, key)
			n++
		}
	}
	return n, nil
}
