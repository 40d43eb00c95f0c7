package chain

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// settlementABI covers the parts of the settlement contract the engine uses.
const settlementABI = `[
  {"type":"function","name":"getMarket","stateMutability":"view",
   "inputs":[{"name":"marketId","type":"uint256"}],
   "outputs":[
     {"name":"question","type":"string"},
     {"name":"deadline","type":"uint256"},
     {"name":"resolved","type":"bool"},
     {"name":"outcome","type":"bool"},
     {"name":"totalYes","type":"uint256"},
     {"name":"totalNo","type":"uint256"},
     {"name":"settled","type":"bool"}]},
  {"type":"function","name":"settleMarketWithProof","stateMutability":"nonpayable",
   "inputs":[
     {"name":"marketId","type":"uint256"},
     {"name":"recipients","type":"address[]"},
     {"name":"amounts","type":"uint256[]"},
     {"name":"totalPool","type":"uint256"},
     {"name":"platformFee","type":"uint256"},
     {"name":"pA","type":"uint256[2]"},
     {"name":"pB","type":"uint256[2][2]"},
     {"name":"pC","type":"uint256[2]"}],
   "outputs":[]},
  {"type":"event","name":"MarketResolved","anonymous":false,
   "inputs":[
     {"name":"marketId","type":"uint256","indexed":true},
     {"name":"outcome","type":"bool","indexed":false}]}
]`

// SettlementABI is the parsed contract ABI.
var SettlementABI = mustParseABI(settlementABI)

func mustParseABI(s string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(s))
	if err != nil {
		panic("chain: parse settlement ABI: " + err.Error())
	}
	return parsed
}
