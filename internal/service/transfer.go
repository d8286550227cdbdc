package service

import (
	"context"
	"fmt"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/punchamoorthee/tenmo-ledger/internal/store"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	transferOpsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ledger_transfer_operations_total",
		Help: "Ledger write operations, labeled by outcome kind",
	}, []string{"operation", "outcome"})

	commitLatency = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ledger_transfer_commit_duration_seconds",
		Help:    "Latency of ledger write transactions",
		Buckets: []float64{0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
	}, []string{"operation"})
)

const (
	opSend    = "send"
	opRequest = "request"
	opApprove = "approve"
	opReject  = "reject"
)

// CommitHook runs inside the transaction that records a new transfer, once
// the transfer row exists. An error from a hook rolls the transfer back.
type CommitHook func(ctx context.Context, tx store.Tx, t *domain.Transfer) error

// TransferService moves money between accounts. It owns every check that
// guards a balance and is the only code that adjusts one.
type TransferService struct {
	repo   store.Repository
	logger *zap.Logger
}

func NewTransferService(repo store.Repository, logger *zap.Logger) *TransferService {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &TransferService{repo: repo, logger: logger}
}

// Send debits fromUserID and credits toUserID in one step. The transfer is
// recorded already approved.
func (s *TransferService) Send(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, hooks ...CommitHook) (*domain.Transfer, error) {
	timer := prometheus.NewTimer(commitLatency.WithLabelValues(opSend))
	defer timer.ObserveDuration()

	t, err := s.send(ctx, fromUserID, toUserID, amount, hooks)
	s.record(opSend, t, err, zap.Int64("from_user_id", fromUserID), zap.Int64("to_user_id", toUserID), zap.Stringer("amount", amount))
	return t, err
}

func (s *TransferService) send(ctx context.Context, fromUserID, toUserID int64, amount decimal.Decimal, hooks []CommitHook) (*domain.Transfer, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if fromUserID == toUserID {
		return nil, domain.ErrSelfTransfer
	}

	fromAccountID, toAccountID, err := s.resolvePair(ctx, fromUserID, toUserID)
	if err != nil {
		return nil, err
	}

	var created *domain.Transfer
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		if err := settle(ctx, tx, fromAccountID, toAccountID, amount); err != nil {
			return err
		}
		t, err := tx.CreateTransfer(ctx, domain.StateSendApproved, fromAccountID, toAccountID, amount)
		if err != nil {
			return fmt.Errorf("record send: %w", err)
		}
		if err := runHooks(ctx, tx, t, hooks); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// RequestCreate records a pending request for payerUserID to pay
// requesterUserID. No money moves until the payer approves.
func (s *TransferService) RequestCreate(ctx context.Context, requesterUserID, payerUserID int64, amount decimal.Decimal, hooks ...CommitHook) (*domain.Transfer, error) {
	timer := prometheus.NewTimer(commitLatency.WithLabelValues(opRequest))
	defer timer.ObserveDuration()

	t, err := s.requestCreate(ctx, requesterUserID, payerUserID, amount, hooks)
	s.record(opRequest, t, err, zap.Int64("requester_user_id", requesterUserID), zap.Int64("payer_user_id", payerUserID), zap.Stringer("amount", amount))
	return t, err
}

func (s *TransferService) requestCreate(ctx context.Context, requesterUserID, payerUserID int64, amount decimal.Decimal, hooks []CommitHook) (*domain.Transfer, error) {
	if err := domain.ValidateAmount(amount); err != nil {
		return nil, err
	}
	if requesterUserID == payerUserID {
		return nil, domain.ErrSelfTransfer
	}

	// The payer's account is debited on approval, so it is the "from" side.
	payerAccountID, requesterAccountID, err := s.resolvePair(ctx, payerUserID, requesterUserID)
	if err != nil {
		return nil, err
	}

	var created *domain.Transfer
	err = s.repo.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.CreateTransfer(ctx, domain.StateRequestPending, payerAccountID, requesterAccountID, amount)
		if err != nil {
			return fmt.Errorf("record request: %w", err)
		}
		if err := runHooks(ctx, tx, t, hooks); err != nil {
			return err
		}
		created = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return created, nil
}

// Approve settles a pending request. Only the payer may approve it.
func (s *TransferService) Approve(ctx context.Context, transferID, actingUserID int64) (*domain.Transfer, error) {
	timer := prometheus.NewTimer(commitLatency.WithLabelValues(opApprove))
	defer timer.ObserveDuration()

	t, err := s.decide(ctx, transferID, actingUserID, domain.StatusApproved)
	s.record(opApprove, t, err, zap.Int64("transfer_id", transferID), zap.Int64("acting_user_id", actingUserID))
	return t, err
}

// Reject closes a pending request without moving money. Only the payer may reject it.
func (s *TransferService) Reject(ctx context.Context, transferID, actingUserID int64) (*domain.Transfer, error) {
	timer := prometheus.NewTimer(commitLatency.WithLabelValues(opReject))
	defer timer.ObserveDuration()

	t, err := s.decide(ctx, transferID, actingUserID, domain.StatusRejected)
	s.record(opReject, t, err, zap.Int64("transfer_id", transferID), zap.Int64("acting_user_id", actingUserID))
	return t, err
}

func (s *TransferService) decide(ctx context.Context, transferID, actingUserID int64, status domain.TransferStatus) (*domain.Transfer, error) {
	var decided *domain.Transfer
	err := s.repo.WithinTx(ctx, func(tx store.Tx) error {
		t, err := tx.LockTransfer(ctx, transferID)
		if err != nil {
			return err
		}

		next, err := t.State.Transition(status)
		if err != nil {
			return err
		}
		if t.FromUserID != actingUserID {
			return domain.ErrNotApprover
		}

		if status == domain.StatusApproved {
			if err := settle(ctx, tx, t.FromAccountID, t.ToAccountID, t.Amount); err != nil {
				return err
			}
		}
		if err := tx.SetStatus(ctx, t.ID, status); err != nil {
			return fmt.Errorf("set status: %w", err)
		}

		t.State = next
		decided = t
		return nil
	})
	if err != nil {
		return nil, err
	}
	return decided, nil
}

// settle locks both accounts, checks the payer can cover amount and moves it.
// It must run inside the transaction that records the transfer's outcome.
func settle(ctx context.Context, tx store.Tx, fromAccountID, toAccountID int64, amount decimal.Decimal) error {
	accounts, err := tx.LockAccounts(ctx, fromAccountID, toAccountID)
	if err != nil {
		return fmt.Errorf("lock accounts: %w", err)
	}

	if accounts[fromAccountID].Balance.LessThan(amount) {
		return domain.ErrBalanceTooLow
	}
	if accounts[toAccountID].Balance.Add(amount).GreaterThan(domain.MaxAmount) {
		return domain.ErrBalanceLimit
	}

	if err := tx.AdjustBalance(ctx, fromAccountID, amount.Neg()); err != nil {
		return fmt.Errorf("debit account %d: %w", fromAccountID, err)
	}
	if err := tx.AdjustBalance(ctx, toAccountID, amount); err != nil {
		return fmt.Errorf("credit account %d: %w", toAccountID, err)
	}
	return nil
}

func runHooks(ctx context.Context, tx store.Tx, t *domain.Transfer, hooks []CommitHook) error {
	for _, hook := range hooks {
		if err := hook(ctx, tx, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *TransferService) resolvePair(ctx context.Context, fromUserID, toUserID int64) (int64, int64, error) {
	fromAccountID, err := s.repo.FindAccountID(ctx, fromUserID)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve account of user %d: %w", fromUserID, err)
	}
	toAccountID, err := s.repo.FindAccountID(ctx, toUserID)
	if err != nil {
		return 0, 0, fmt.Errorf("resolve account of user %d: %w", toUserID, err)
	}
	return fromAccountID, toAccountID, nil
}

func (s *TransferService) record(op string, t *domain.Transfer, err error, fields ...zap.Field) {
	if err == nil {
		transferOpsTotal.WithLabelValues(op, "ok").Inc()
		s.logger.Info("transfer committed", append(fields,
			zap.String("operation", op),
			zap.Int64("transfer_id", t.ID),
			zap.Stringer("state", t.State),
			zap.Int64("from_account_id", t.FromAccountID),
			zap.Int64("to_account_id", t.ToAccountID),
		)...)
		return
	}

	kind := domain.KindOf(err)
	transferOpsTotal.WithLabelValues(op, kind.String()).Inc()

	fields = append(fields, zap.String("operation", op), zap.String("kind", kind.String()), zap.Error(err))
	switch kind {
	case domain.KindStorage, domain.KindUnknown:
		s.logger.Error("transfer failed", fields...)
	case domain.KindTransient:
		s.logger.Warn("transfer failed", fields...)
	default:
		s.logger.Info("transfer rejected", fields...)
	}
}
