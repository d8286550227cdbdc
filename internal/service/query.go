package service

import (
	"context"
	"fmt"

	"github.com/punchamoorthee/tenmo-ledger/internal/domain"
	"github.com/shopspring/decimal"
)

// Read operations have no side effects and never take row locks.

func (s *TransferService) GetBalance(ctx context.Context, userID int64) (decimal.Decimal, error) {
	balance, err := s.repo.GetBalance(ctx, userID)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balance of user %d: %w", userID, err)
	}
	return balance, nil
}

// ListUsers returns everyone the current user could send to or request from.
func (s *TransferService) ListUsers(ctx context.Context, currentUserID int64) ([]domain.User, error) {
	users, err := s.repo.ListUsers(ctx, currentUserID)
	if err != nil {
		return nil, fmt.Errorf("list users: %w", err)
	}
	return users, nil
}

func (s *TransferService) ListTransfers(ctx context.Context, userID int64) ([]domain.Transfer, error) {
	transfers, err := s.repo.ListTransfersForUser(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list transfers of user %d: %w", userID, err)
	}
	return transfers, nil
}

func (s *TransferService) GetTransfer(ctx context.Context, transferID int64) (*domain.Transfer, error) {
	t, err := s.repo.GetTransfer(ctx, transferID)
	if err != nil {
		return nil, fmt.Errorf("transfer %d: %w", transferID, err)
	}
	return t, nil
}

// ListPending returns the requests waiting for userID to approve or reject.
func (s *TransferService) ListPending(ctx context.Context, userID int64) ([]domain.Transfer, error) {
	transfers, err := s.repo.ListPendingForApprover(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("list pending requests of user %d: %w", userID, err)
	}
	return transfers, nil
}
