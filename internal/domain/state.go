package domain

import "fmt"

// TransferType is the persisted transfer_type_id.
type TransferType int

const (
	TypeRequest TransferType = 1
	TypeSend    TransferType = 2
)

func (t TransferType) String() string {
	switch t {
	case TypeRequest:
		return "Request"
	case TypeSend:
		return "Send"
	default:
		return fmt.Sprintf("TransferType(%d)", int(t))
	}
}

// TransferStatus is the persisted transfer_status_id.
type TransferStatus int

const (
	StatusPending  TransferStatus = 1
	StatusApproved TransferStatus = 2
	StatusRejected TransferStatus = 3
)

func (s TransferStatus) String() string {
	switch s {
	case StatusPending:
		return "Pending"
	case StatusApproved:
		return "Approved"
	case StatusRejected:
		return "Rejected"
	default:
		return fmt.Sprintf("TransferStatus(%d)", int(s))
	}
}

// State is the combined type/status of a transfer. Only the four legal
// combinations exist; a Send is never Pending.
type State uint8

const (
	StateSendApproved State = iota + 1
	StateRequestPending
	StateRequestApproved
	StateRequestRejected
)

// NewState decodes a persisted type/status pair.
func NewState(t TransferType, s TransferStatus) (State, error) {
	switch {
	case t == TypeSend && s == StatusApproved:
		return StateSendApproved, nil
	case t == TypeRequest && s == StatusPending:
		return StateRequestPending, nil
	case t == TypeRequest && s == StatusApproved:
		return StateRequestApproved, nil
	case t == TypeRequest && s == StatusRejected:
		return StateRequestRejected, nil
	}
	return 0, fmt.Errorf("illegal transfer state: type %s, status %s", t, s)
}

func (s State) Type() TransferType {
	if s == StateSendApproved {
		return TypeSend
	}
	return TypeRequest
}

func (s State) Status() TransferStatus {
	switch s {
	case StateRequestPending:
		return StatusPending
	case StateRequestRejected:
		return StatusRejected
	default:
		return StatusApproved
	}
}

// IsPendingRequest reports whether the transfer still awaits the payer's decision.
func (s State) IsPendingRequest() bool { return s == StateRequestPending }

// Transition returns the state reached by moving to status. Only a pending
// request may move, and only to Approved or Rejected.
func (s State) Transition(to TransferStatus) (State, error) {
	if s != StateRequestPending {
		return s, ErrNotPendingRequest
	}
	switch to {
	case StatusApproved:
		return StateRequestApproved, nil
	case StatusRejected:
		return StateRequestRejected, nil
	}
	return s, ErrUnsupportedStatus
}

func (s State) String() string {
	return s.Type().String() + "/" + s.Status().String()
}
