package contract

import (
	"context"
	"fmt"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

const (
	EventBloodDonated       = "BloodDonated"
	EventHospitalRegistered = "HospitalRegistered"
)

// Event is a decoded contract log with its position on the ledger.
type Event struct {
	Name           string
	Fields         map[string]interface{}
	BlockNumber    uint64
	BlockTimestamp int64 // zero when the node does not report it
	TxHash         common.Hash
	LogIndex       uint64
}

// FilterLogs scans the contract's logs for event from the configured start
// block to latest. indexed holds one query value per indexed input, in
// order; nil matches anything.
func (b *Binding) FilterLogs(ctx context.Context, event string, indexed ...interface{}) ([]Event, error) {
	if !b.HasProvider() {
		return nil, fmt.Errorf("filter %s: %w", event, ledgererr.ErrContractUninitialized)
	}
	ev, ok := b.abi.Events[event]
	if !ok {
		return nil, fmt.Errorf("filter %s: unknown event", event)
	}

	topics, err := eventTopics(ev, indexed)
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", event, err)
	}

	logs, err := b.reader.GetLogs(ctx, rpc.LogFilter{
		FromBlock: rpc.FormatBlock(b.fromBlock),
		ToBlock:   rpc.BlockTagLatest,
		Address:   b.address.Hex(),
		Topics:    topics,
	})
	if err != nil {
		return nil, fmt.Errorf("filter %s: %w", event, err)
	}

	events := make([]Event, 0, len(logs))
	for _, lg := range logs {
		if lg == nil || lg.Removed {
			continue
		}
		decoded, err := b.decodeLog(ev, lg)
		if err != nil {
			return nil, fmt.Errorf("decode %s log in tx %s: %w", event, lg.TransactionHash, err)
		}
		events = append(events, decoded)
	}
	return events, nil
}

func eventTopics(ev abi.Event, indexed []interface{}) ([]interface{}, error) {
	query := make([][]interface{}, 0, len(indexed))
	for _, v := range indexed {
		if v == nil {
			query = append(query, nil)
			continue
		}
		query = append(query, []interface{}{v})
	}
	hashes, err := abi.MakeTopics(query...)
	if err != nil {
		return nil, err
	}

	topics := []interface{}{ev.ID.Hex()}
	for _, alternatives := range hashes {
		switch len(alternatives) {
		case 0:
			topics = append(topics, nil)
		case 1:
			topics = append(topics, alternatives[0].Hex())
		default:
			hexes := make([]string, len(alternatives))
			for i, h := range alternatives {
				hexes[i] = h.Hex()
			}
			topics = append(topics, hexes)
		}
	}
	for len(topics) > 1 && topics[len(topics)-1] == nil {
		topics = topics[:len(topics)-1]
	}
	return topics, nil
}

func (b *Binding) decodeLog(ev abi.Event, lg *rpc.Log) (Event, error) {
	if len(lg.Topics) == 0 || common.HexToHash(lg.Topics[0]) != ev.ID {
		return Event{}, fmt.Errorf("topic mismatch")
	}

	fields := make(map[string]interface{}, len(ev.Inputs))
	if lg.Data != "" && lg.Data != "0x" {
		data, err := hexutil.Decode(lg.Data)
		if err != nil {
			return Event{}, fmt.Errorf("decode data: %w", err)
		}
		if err := b.abi.UnpackIntoMap(fields, ev.Name, data); err != nil {
			return Event{}, fmt.Errorf("unpack data: %w", err)
		}
	}

	var indexedArgs abi.Arguments
	for _, arg := range ev.Inputs {
		if arg.Indexed {
			indexedArgs = append(indexedArgs, arg)
		}
	}
	topicHashes := make([]common.Hash, 0, len(lg.Topics)-1)
	for _, t := range lg.Topics[1:] {
		topicHashes = append(topicHashes, common.HexToHash(t))
	}
	if err := abi.ParseTopicsIntoMap(fields, indexedArgs, topicHashes); err != nil {
		return Event{}, fmt.Errorf("parse topics: %w", err)
	}

	out := Event{
		Name:   ev.Name,
		Fields: fields,
		TxHash: common.HexToHash(lg.TransactionHash),
	}
	if n, err := rpc.ParseHexInt64(lg.BlockNumber); err == nil {
		out.BlockNumber = uint64(n)
	}
	if n, err := rpc.ParseHexInt64(lg.LogIndex); err == nil {
		out.LogIndex = uint64(n)
	}
	if lg.BlockTimestamp != "" {
		if ts, err := rpc.ParseHexInt64(lg.BlockTimestamp); err == nil {
			out.BlockTimestamp = ts
		}
	}
	return out, nil
}
