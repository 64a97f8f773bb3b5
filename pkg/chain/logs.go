package chain

import (
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// IncreaseLiquidityTopic is topic0 of the position manager's IncreaseLiquidity event,
// emitted on every mint with the position token id as its first indexed argument.
var IncreaseLiquidityTopic = crypto.Keccak256Hash([]byte("IncreaseLiquidity(uint256,uint128,uint256,uint256)"))

// MintedPositionID extracts the position token id from mint receipt logs.
// When positionManager is set, only logs emitted by that contract are considered.
func MintedPositionID(logs []*types.Log, positionManager string) (string, bool) {
	var manager common.Address
	filter := strings.TrimSpace(positionManager) != ""
	if filter {
		manager = common.HexToAddress(positionManager)
	}
	for _, lg := range logs {
		if lg == nil || len(lg.Topics) < 2 {
			continue
		}
		if lg.Topics[0] != IncreaseLiquidityTopic {
			continue
		}
		if filter && lg.Address != manager {
			continue
		}
		return new(big.Int).SetBytes(lg.Topics[1].Bytes()).String(), true
	}
	return "", false
}
