package enums

import (
	"fmt"
	"strings"
)

// TransactionType classifies a custody transaction notification.
type TransactionType string

const (
	TransactionTypeInbound           TransactionType = "INBOUND"
	TransactionTypeOutbound          TransactionType = "OUTBOUND"
	TransactionTypeContractExecution TransactionType = "CONTRACT_EXECUTION"
)

func ParseTransactionType(value string) (TransactionType, error) {
	switch t := TransactionType(strings.ToUpper(strings.TrimSpace(value))); t {
	case TransactionTypeInbound, TransactionTypeOutbound, TransactionTypeContractExecution:
		return t, nil
	}
	return "", fmt.Errorf("invalid transaction type %q", value)
}
