package enums

import "strings"

// TxState is the normalized outcome of an externally settled transaction.
type TxState string

const (
	TxStateDone    TxState = "DONE"
	TxStateFailed  TxState = "FAILED"
	TxStatePending TxState = "PENDING"
)

var doneTxStates = map[string]struct{}{
	"DONE":      {},
	"COMPLETE":  {},
	"COMPLETED": {},
	"CONFIRMED": {},
	"CLEARED":   {},
	"SUCCESS":   {},
	"SUCCEEDED": {},
}

var failedTxStates = map[string]struct{}{
	"FAILED":    {},
	"FAILURE":   {},
	"CANCELLED": {},
	"CANCELED":  {},
	"DENIED":    {},
	"REJECTED":  {},
	"EXPIRED":   {},
}

// NormalizeTxState maps a vendor state string onto DONE, FAILED or PENDING.
// Matching is case-insensitive; anything unrecognized is PENDING.
func NormalizeTxState(raw string) TxState {
	key := strings.ToUpper(strings.TrimSpace(raw))
	if _, ok := doneTxStates[key]; ok {
		return TxStateDone
	}
	if _, ok := failedTxStates[key]; ok {
		return TxStateFailed
	}
	return TxStatePending
}

func (s TxState) IsTerminal() bool {
	return s == TxStateDone || s == TxStateFailed
}
