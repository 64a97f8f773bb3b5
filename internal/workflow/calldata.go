package workflow

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/google/uuid"

	pkgerrors "github.com/angelmondragon/vaultflow-backend/pkg/errors"
)

const erc20ApproveABI = `[{"type":"function","name":"approve","stateMutability":"nonpayable","inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],"outputs":[{"name":"","type":"bool"}]}]`

var erc20ABI = mustParseABI(erc20ApproveABI)

// stepNamespace scopes signer idempotency keys so a job step always maps to the same key.
var stepNamespace = uuid.MustParse("9c4d5f0e-3a51-4c1e-9b7a-2f1e6a8d4b10")

const (
	stepApprove = "approve"
	stepExecute = "execute"
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(fmt.Sprintf("parse erc20 abi: %v", err))
	}
	return parsed
}

// ApproveCallData encodes ERC-20 approve(spender, amount) as 0x-prefixed hex.
func ApproveCallData(spender string, amount *big.Int) (string, error) {
	if !common.IsHexAddress(spender) {
		return "", pkgerrors.New(pkgerrors.CodeValidation, fmt.Sprintf("invalid approval address %q", spender))
	}
	if amount == nil || amount.Sign() <= 0 {
		return "", pkgerrors.New(pkgerrors.CodeValidation, "approval amount must be positive")
	}
	data, err := erc20ABI.Pack("approve", common.HexToAddress(spender), amount)
	if err != nil {
		return "", pkgerrors.Wrap(pkgerrors.CodeValidation, err, "pack approve calldata")
	}
	return hexutil.Encode(data), nil
}

// StepIdempotencyKey is the signer idempotency key for one step of one job.
func StepIdempotencyKey(jobID, step string) string {
	return uuid.NewSHA1(stepNamespace, []byte(jobID+":"+step)).String()
}
