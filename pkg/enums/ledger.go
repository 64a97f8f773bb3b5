package enums

import "fmt"

// LedgerKind classifies a user-visible ledger transaction.
type LedgerKind string

const (
	LedgerKindDeposit  LedgerKind = "deposit"
	LedgerKindWithdraw LedgerKind = "withdraw"
	LedgerKindSend     LedgerKind = "send"
	LedgerKindSwap     LedgerKind = "swap"
	LedgerKindBridge   LedgerKind = "bridge"
	LedgerKindEarn     LedgerKind = "earn"
)

var validLedgerKinds = []LedgerKind{
	LedgerKindDeposit,
	LedgerKindWithdraw,
	LedgerKindSend,
	LedgerKindSwap,
	LedgerKindBridge,
	LedgerKindEarn,
}

func (k LedgerKind) IsValid() bool {
	for _, candidate := range validLedgerKinds {
		if candidate == k {
			return true
		}
	}
	return false
}

func ParseLedgerKind(value string) (LedgerKind, error) {
	for _, candidate := range validLedgerKinds {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid ledger kind %q", value)
}

// LedgerStatus is the user-visible status of a ledger transaction.
type LedgerStatus string

const (
	LedgerStatusPending   LedgerStatus = "pending"
	LedgerStatusConfirmed LedgerStatus = "confirmed"
	LedgerStatusBridging  LedgerStatus = "bridging"
	LedgerStatusCompleted LedgerStatus = "completed"
	LedgerStatusFailed    LedgerStatus = "failed"
)

var ledgerStatusRank = map[LedgerStatus]int{
	LedgerStatusPending:   0,
	LedgerStatusConfirmed: 1,
	LedgerStatusBridging:  2,
	LedgerStatusCompleted: 3,
	LedgerStatusFailed:    3,
}

func (s LedgerStatus) IsValid() bool {
	_, ok := ledgerStatusRank[s]
	return ok
}

func (s LedgerStatus) IsTerminal() bool {
	return s == LedgerStatusCompleted || s == LedgerStatusFailed
}

// Rank orders statuses; unknown statuses rank below pending.
func (s LedgerStatus) Rank() int {
	if r, ok := ledgerStatusRank[s]; ok {
		return r
	}
	return -1
}

// LedgerStatusForTxState is the status an inbound deposit shows for a normalized tx state.
func LedgerStatusForTxState(state TxState) LedgerStatus {
	switch state {
	case TxStateDone:
		return LedgerStatusConfirmed
	case TxStateFailed:
		return LedgerStatusFailed
	default:
		return LedgerStatusPending
	}
}

// LedgerStatusForJob mirrors a job status onto the ledger entry the job owns.
func LedgerStatusForJob(kind JobKind, status JobStatus) LedgerStatus {
	switch status {
	case JobStatusCompleted:
		return LedgerStatusCompleted
	case JobStatusFailed:
		return LedgerStatusFailed
	}
	if kind == JobKindBridge {
		return LedgerStatusBridging
	}
	return LedgerStatusPending
}
