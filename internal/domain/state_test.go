package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewState_RoundTripsLegalPairs(t *testing.T) {
	for _, s := range []State{StateSendApproved, StateRequestPending, StateRequestApproved, StateRequestRejected} {
		got, err := NewState(s.Type(), s.Status())
		require.NoError(t, err)
		assert.Equal(t, s, got)
	}
}

func TestNewState_RejectsIllegalPairs(t *testing.T) {
	cases := []struct {
		typ    TransferType
		status TransferStatus
	}{
		{TypeSend, StatusPending},
		{TypeSend, StatusRejected},
		{TransferType(9), StatusApproved},
		{TypeRequest, TransferStatus(0)},
	}
	for _, tc := range cases {
		_, err := NewState(tc.typ, tc.status)
		assert.Error(t, err, "%s/%s", tc.typ, tc.status)
	}
}

func TestState_PersistedEncoding(t *testing.T) {
	assert.Equal(t, 1, int(StateRequestPending.Type()))
	assert.Equal(t, 2, int(StateSendApproved.Type()))
	assert.Equal(t, 1, int(StateRequestPending.Status()))
	assert.Equal(t, 2, int(StateRequestApproved.Status()))
	assert.Equal(t, 3, int(StateRequestRejected.Status()))
}

func TestState_Transition(t *testing.T) {
	next, err := StateRequestPending.Transition(StatusApproved)
	require.NoError(t, err)
	assert.Equal(t, StateRequestApproved, next)

	next, err = StateRequestPending.Transition(StatusRejected)
	require.NoError(t, err)
	assert.Equal(t, StateRequestRejected, next)

	_, err = StateRequestPending.Transition(StatusPending)
	assert.ErrorIs(t, err, ErrInvalidTransition)

	for _, terminal := range []State{StateSendApproved, StateRequestApproved, StateRequestRejected} {
		_, err := terminal.Transition(StatusApproved)
		assert.ErrorIs(t, err, ErrNotPendingRequest)
		_, err = terminal.Transition(StatusRejected)
		assert.ErrorIs(t, err, ErrInvalidTransition)
	}
}

func TestValidateAmount(t *testing.T) {
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("0.01")))
	assert.NoError(t, ValidateAmount(decimal.RequireFromString("30.00")))
	assert.ErrorIs(t, ValidateAmount(decimal.Zero), ErrNonPositiveAmount)
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("-5")), ErrValidation)
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("1.005")), ErrAmountPrecision)
	assert.NoError(t, ValidateAmount(MaxAmount))
	assert.ErrorIs(t, ValidateAmount(decimal.RequireFromString("100000000000.00")), ErrAmountTooLarge)
	assert.Equal(t, KindValidation, KindOf(ValidateAmount(MaxAmount.Add(decimal.RequireFromString("0.01")))))
}

func TestKindOfAndMessage(t *testing.T) {
	wrapped := fmt.Errorf("approve transfer 7: %w", ErrNotApprover)
	assert.Equal(t, KindForbidden, KindOf(wrapped))
	assert.Equal(t, "only the payer may approve or reject this request", Message(wrapped, "x"))

	transient := fmt.Errorf("%w: lock accounts: %w", ErrTransient, errors.New("lock timeout"))
	assert.Equal(t, KindTransient, KindOf(transient))
	assert.True(t, errors.Is(transient, ErrStorage))

	storage := fmt.Errorf("%w: insert transfer: %w", ErrStorage, errors.New("disk full"))
	assert.Equal(t, KindStorage, KindOf(storage))
	assert.Equal(t, "fallback", Message(storage, "fallback"))

	assert.Equal(t, KindUnknown, KindOf(errors.New("boom")))
	assert.Equal(t, KindInsufficientFunds, KindOf(ErrBalanceTooLow))
	assert.Equal(t, KindNotFound, KindOf(ErrTransferNotFound))
}

func TestTransfer_MarshalJSON(t *testing.T) {
	tr := Transfer{
		ID:            3001,
		State:         StateRequestPending,
		FromAccountID: 2001,
		ToAccountID:   2002,
		FromUserID:    1001,
		ToUserID:      1002,
		FromUsername:  "alice",
		ToUsername:    "bob",
		Amount:        decimal.RequireFromString("20"),
	}
	raw, err := json.Marshal(tr)
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.Equal(t, "Request", out["type"])
	assert.Equal(t, "Pending", out["status"])
	assert.Equal(t, float64(1), out["transfer_type_id"])
	assert.Equal(t, float64(1), out["transfer_status_id"])
	assert.Equal(t, "20.00", out["amount"])
	assert.Equal(t, "alice", out["from_user"])
	assert.NotContains(t, out, "counterparty")
}
