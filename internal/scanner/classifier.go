package scanner

import (
	"context"
	"fmt"
	"log/slog"
	"math/big"
	"sort"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Protocol event signatures the scanner watches for.
var (
	TopicTransfer  = crypto.Keccak256Hash([]byte("Transfer(address,address,uint256)"))
	TopicDeposited = crypto.Keccak256Hash([]byte("Deposited(address,uint256)"))
	TopicRedeemed  = crypto.Keccak256Hash([]byte("Redeemed(address,uint256)"))
	TopicRewards   = crypto.Keccak256Hash([]byte("Rewards(address,uint256,uint256)"))
	TopicLosses    = crypto.Keccak256Hash([]byte("Losses(address,uint256,uint256)"))
)

var eventNameByTopic = map[common.Hash]string{
	TopicTransfer:  "Transfer",
	TopicDeposited: "Deposited",
	TopicRedeemed:  "Redeemed",
	TopicRewards:   "Rewards",
	TopicLosses:    "Losses",
}

// Topics lists every watched event signature, for filter construction.
func Topics() []common.Hash {
	return []common.Hash{TopicTransfer, TopicDeposited, TopicRedeemed, TopicRewards, TopicLosses}
}

// Event is one decoded protocol event.
type Event struct {
	Args     map[string]any
	LogIndex uint
	TxHash   common.Hash
}

// BigArg reads a uint256 argument, zero when absent or of another type.
func (e Event) BigArg(name string) *big.Int {
	if v, ok := e.Args[name].(*big.Int); ok {
		return v
	}
	return new(big.Int)
}

// AddressArg reads an address argument, the zero address when absent.
func (e Event) AddressArg(name string) common.Address {
	if v, ok := e.Args[name].(common.Address); ok {
		return v
	}
	return common.Address{}
}

// BlockEvents groups the decoded events of one block by kind. Lists keep
// provider order, which is log-index ascending.
type BlockEvents struct {
	Transfers []Event
	Deposited []Event
	Redeemed  []Event
	Rewards   []Event
	Losses    []Event
}

// ReceiptSource is the slice of the parachain client the classifier needs.
type ReceiptSource interface {
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
}

// Classifier maps raw logs to typed per-block event groups. Transfers carry
// everything they need in their topics; the other four kinds are decoded by
// replaying the contract ABI over the full transaction receipt.
type Classifier struct {
	receipts ReceiptSource
	contract abi.ABI
	log      *slog.Logger
}

func NewClassifier(receipts ReceiptSource, contract abi.ABI, log *slog.Logger) *Classifier {
	return &Classifier{receipts: receipts, contract: contract, log: log}
}

// Classify turns raw logs into per-block event groups and the ascending list
// of block heights present. Empty input yields an empty map. Undecodable
// logs are dropped with a warning; a failed receipt fetch aborts the whole
// classification so the caller retries the cycle.
func (c *Classifier) Classify(ctx context.Context, logs []types.Log) (map[uint64]*BlockEvents, []uint64, error) {
	groups := make(map[uint64]*BlockEvents)
	for i := range logs {
		lg := &logs[i]
		if len(lg.Topics) == 0 {
			continue
		}
		name, ok := eventNameByTopic[lg.Topics[0]]
		if !ok {
			continue
		}

		var ev Event
		if name == "Transfer" {
			if len(lg.Topics) < 3 {
				c.log.Warn("transfer log missing indexed topics", "tx", lg.TxHash, "block", lg.BlockNumber)
				continue
			}
			// receiver is the low 20 bytes of the second indexed topic
			ev = Event{
				Args:     map[string]any{"to": common.BytesToAddress(lg.Topics[2].Bytes()[12:])},
				LogIndex: lg.Index,
				TxHash:   lg.TxHash,
			}
		} else {
			args, err := c.replayReceipt(ctx, lg, name)
			if err != nil {
				return nil, nil, err
			}
			if args == nil {
				c.log.Warn("no decodable log in receipt", "event", name, "tx", lg.TxHash, "block", lg.BlockNumber)
				continue
			}
			ev = Event{Args: args, LogIndex: lg.Index, TxHash: lg.TxHash}
		}

		group := groups[lg.BlockNumber]
		if group == nil {
			group = &BlockEvents{}
			groups[lg.BlockNumber] = group
		}
		switch name {
		case "Transfer":
			group.Transfers = append(group.Transfers, ev)
		case "Deposited":
			group.Deposited = append(group.Deposited, ev)
		case "Redeemed":
			group.Redeemed = append(group.Redeemed, ev)
		case "Rewards":
			group.Rewards = append(group.Rewards, ev)
		case "Losses":
			group.Losses = append(group.Losses, ev)
		}
	}

	blocks := make([]uint64, 0, len(groups))
	for b := range groups {
		blocks = append(blocks, b)
	}
	sort.Slice(blocks, func(i, j int) bool { return blocks[i] < blocks[j] })
	return groups, blocks, nil
}

// replayReceipt re-fetches the transaction receipt, decodes every log of the
// named event it contains, and picks the one whose index matches the
// original log. A transaction can emit several logs of the same kind; when
// no decoded index matches, the first one stands in.
func (c *Classifier) replayReceipt(ctx context.Context, lg *types.Log, name string) (map[string]any, error) {
	receipt, err := c.receipts.TransactionReceipt(ctx, lg.TxHash)
	if err != nil {
		return nil, fmt.Errorf("replaying %s event at block %d: %w", name, lg.BlockNumber, err)
	}

	type decoded struct {
		args  map[string]any
		index uint
	}
	var candidates []decoded
	for _, rl := range receipt.Logs {
		if len(rl.Topics) == 0 || rl.Topics[0] != lg.Topics[0] {
			continue
		}
		args, err := c.decode(name, rl)
		if err != nil {
			continue
		}
		candidates = append(candidates, decoded{args: args, index: rl.Index})
	}
	if len(candidates) == 0 {
		return nil, nil
	}
	for _, cand := range candidates {
		if cand.index == lg.Index {
			return cand.args, nil
		}
	}
	return candidates[0].args, nil
}

func (c *Classifier) decode(name string, lg *types.Log) (map[string]any, error) {
	event, ok := c.contract.Events[name]
	if !ok {
		return nil, fmt.Errorf("event %s not in contract abi", name)
	}
	args := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := c.contract.UnpackIntoMap(args, name, lg.Data); err != nil {
			return nil, err
		}
	}
	var indexed abi.Arguments
	for _, in := range event.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(indexed) > 0 {
		if len(lg.Topics) < len(indexed)+1 {
			return nil, fmt.Errorf("event %s: %d topics for %d indexed inputs", name, len(lg.Topics), len(indexed))
		}
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:len(indexed)+1]); err != nil {
			return nil, err
		}
	}
	return args, nil
}
