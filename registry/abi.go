package registry

import (
	"strings"

	"github.com/ethereum/go-ethereum/accounts/abi"
)

// sliceABI is the subset of the dispute registry contract used by this client.
const sliceABI = `[
  {"type":"function","name":"disputeCount","stateMutability":"view","inputs":[],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"disputes","stateMutability":"view",
   "inputs":[{"name":"","type":"uint256"}],
   "outputs":[
     {"name":"id","type":"uint256"},
     {"name":"claimer","type":"address"},
     {"name":"defender","type":"address"},
     {"name":"category","type":"string"},
     {"name":"requiredStake","type":"uint256"},
     {"name":"jurorsRequired","type":"uint256"},
     {"name":"payDeadline","type":"uint256"},
     {"name":"commitDeadline","type":"uint256"},
     {"name":"revealDeadline","type":"uint256"},
     {"name":"status","type":"uint8"},
     {"name":"ipfsHash","type":"string"},
     {"name":"winner","type":"address"}
   ]},
  {"type":"function","name":"commitments","stateMutability":"view",
   "inputs":[{"name":"disputeId","type":"uint256"},{"name":"juror","type":"address"}],
   "outputs":[{"name":"","type":"bytes32"}]},
  {"type":"function","name":"getJurorDisputes","stateMutability":"view",
   "inputs":[{"name":"juror","type":"address"}],
   "outputs":[{"name":"","type":"uint256[]"}]},
  {"type":"function","name":"createDispute","stateMutability":"nonpayable",
   "inputs":[
     {"name":"defender","type":"address"},
     {"name":"category","type":"string"},
     {"name":"ipfsHash","type":"string"},
     {"name":"jurorsRequired","type":"uint256"},
     {"name":"paySeconds","type":"uint256"},
     {"name":"commitSeconds","type":"uint256"},
     {"name":"revealSeconds","type":"uint256"}
   ],"outputs":[]},
  {"type":"function","name":"joinDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"payDispute","stateMutability":"nonpayable",
   "inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"commitVote","stateMutability":"nonpayable",
   "inputs":[{"name":"disputeId","type":"uint256"},{"name":"commitment","type":"bytes32"}],"outputs":[]},
  {"type":"function","name":"revealVote","stateMutability":"nonpayable",
   "inputs":[{"name":"disputeId","type":"uint256"},{"name":"vote","type":"uint256"},{"name":"salt","type":"uint256"}],"outputs":[]},
  {"type":"function","name":"executeRuling","stateMutability":"nonpayable",
   "inputs":[{"name":"disputeId","type":"uint256"}],"outputs":[]}
]`

const erc20ABI = `[
  {"type":"function","name":"allowance","stateMutability":"view",
   "inputs":[{"name":"owner","type":"address"},{"name":"spender","type":"address"}],
   "outputs":[{"name":"","type":"uint256"}]},
  {"type":"function","name":"approve","stateMutability":"nonpayable",
   "inputs":[{"name":"spender","type":"address"},{"name":"amount","type":"uint256"}],
   "outputs":[{"name":"","type":"bool"}]}
]`

var (
	registryABI = mustParseABI(sliceABI)
	tokenABI    = mustParseABI(erc20ABI)
)

func mustParseABI(def string) abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(def))
	if err != nil {
		panic(err)
	}
	return parsed
}
