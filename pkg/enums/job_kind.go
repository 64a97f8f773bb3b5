package enums

import "fmt"

// JobKind distinguishes same-network conversions from cross-network moves to the settlement network.
type JobKind string

const (
	JobKindSwap   JobKind = "swap"
	JobKindBridge JobKind = "bridge"
)

func (k JobKind) IsValid() bool {
	return k == JobKindSwap || k == JobKindBridge
}

// LedgerKind is the ledger classification mirrored by jobs of this kind.
func (k JobKind) LedgerKind() LedgerKind {
	if k == JobKindBridge {
		return LedgerKindBridge
	}
	return LedgerKindSwap
}

func ParseJobKind(value string) (JobKind, error) {
	switch JobKind(value) {
	case JobKindSwap, JobKindBridge:
		return JobKind(value), nil
	}
	return "", fmt.Errorf("invalid job kind %q", value)
}
