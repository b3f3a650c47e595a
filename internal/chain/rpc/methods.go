package rpc

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// BlockTagLatest is the default block parameter for reads.
const BlockTagLatest = "latest"

func (c *Client) ChainID(ctx context.Context) (int64, error) {
	result, err := c.call(ctx, "eth_chainId", nil)
	if err != nil {
		return 0, fmt.Errorf("eth_chainId: %w", err)
	}
	return decodeHexInt64(result, "chain id")
}

// Call executes eth_call against block and returns the raw return data.
func (c *Client) Call(ctx context.Context, args TransactionArgs, block string) ([]byte, error) {
	if block == "" {
		block = BlockTagLatest
	}
	result, err := c.call(ctx, "eth_call", []interface{}{args, block})
	if err != nil {
		return nil, fmt.Errorf("eth_call(%s): %w", args.To, err)
	}

	var hexData string
	if err := json.Unmarshal(result, &hexData); err != nil {
		return nil, fmt.Errorf("unmarshal call result: %w", err)
	}
	data, err := hexutil.Decode(hexData)
	if err != nil {
		return nil, fmt.Errorf("decode call result: %w", err)
	}
	return data, nil
}

func (c *Client) GetLogs(ctx context.Context, filter LogFilter) ([]*Log, error) {
	result, err := c.call(ctx, "eth_getLogs", []interface{}{filter})
	if err != nil {
		return nil, fmt.Errorf("eth_getLogs: %w", err)
	}

	var logs []*Log
	if err := json.Unmarshal(result, &logs); err != nil {
		return nil, fmt.Errorf("unmarshal logs: %w", err)
	}

	return logs, nil
}

// GetBlocksByNumber fetches multiple blocks in a single JSON-RPC batch call.
// Results are returned in the same order as the input block numbers.
// Nil entries indicate blocks that were not found (null response).
func (c *Client) GetBlocksByNumber(ctx context.Context, blockNumbers []int64) ([]*Block, error) {
	if len(blockNumbers) == 0 {
		return []*Block{}, nil
	}

	requests := make([]Request, len(blockNumbers))
	for i, num := range blockNumbers {
		requests[i] = c.newRequest("eth_getBlockByNumber", []interface{}{formatHexInt64(num), false})
	}

	responses, err := c.callBatch(ctx, requests)
	if err != nil {
		return nil, fmt.Errorf("eth_getBlockByNumber batch: %w", err)
	}

	results := make([]*Block, len(blockNumbers))
	for i, resp := range responses {
		if resp.Error != nil {
			return nil, fmt.Errorf("eth_getBlockByNumber(%d): %w", blockNumbers[i], resp.Error)
		}
		if string(resp.Result) == "null" {
			continue
		}
		var block Block
		if err := json.Unmarshal(resp.Result, &block); err != nil {
			return nil, fmt.Errorf("unmarshal block %d: %w", blockNumbers[i], err)
		}
		results[i] = &block
	}
	return results, nil
}

// GetTransactionReceipt returns nil, nil while the transaction is still pending.
func (c *Client) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*TransactionReceipt, error) {
	result, err := c.call(ctx, "eth_getTransactionReceipt", []interface{}{hash.Hex()})
	if err != nil {
		return nil, fmt.Errorf("eth_getTransactionReceipt(%s): %w", hash.Hex(), err)
	}
	if string(result) == "null" {
		return nil, nil
	}

	var receipt TransactionReceipt
	if err := json.Unmarshal(result, &receipt); err != nil {
		return nil, fmt.Errorf("unmarshal transaction receipt: %w", err)
	}

	return &receipt, nil
}

func (c *Client) GetTransactionCount(ctx context.Context, account common.Address, block string) (uint64, error) {
	result, err := c.call(ctx, "eth_getTransactionCount", []interface{}{account.Hex(), block})
	if err != nil {
		return 0, fmt.Errorf("eth_getTransactionCount(%s): %w", account.Hex(), err)
	}
	nonce, err := decodeHexInt64(result, "nonce")
	if err != nil {
		return 0, err
	}
	return uint64(nonce), nil
}

func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	result, err := c.call(ctx, "eth_gasPrice", nil)
	if err != nil {
		return nil, fmt.Errorf("eth_gasPrice: %w", err)
	}
	var hexPrice string
	if err := json.Unmarshal(result, &hexPrice); err != nil {
		return nil, fmt.Errorf("unmarshal gas price: %w", err)
	}
	price, err := hexutil.DecodeBig(hexPrice)
	if err != nil {
		return nil, fmt.Errorf("parse gas price: %w", err)
	}
	return price, nil
}

func (c *Client) EstimateGas(ctx context.Context, args TransactionArgs) (uint64, error) {
	result, err := c.call(ctx, "eth_estimateGas", []interface{}{args})
	if err != nil {
		return 0, fmt.Errorf("eth_estimateGas: %w", err)
	}
	gas, err := decodeHexInt64(result, "gas estimate")
	if err != nil {
		return 0, err
	}
	return uint64(gas), nil
}

func (c *Client) SendRawTransaction(ctx context.Context, raw []byte) (common.Hash, error) {
	result, err := c.call(ctx, "eth_sendRawTransaction", []interface{}{hexutil.Encode(raw)})
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendRawTransaction: %w", err)
	}
	return decodeHash(result)
}

// SendTransaction submits through a node- or wallet-managed account (eth_sendTransaction).
func (c *Client) SendTransaction(ctx context.Context, args TransactionArgs) (common.Hash, error) {
	result, err := c.call(ctx, "eth_sendTransaction", []interface{}{args})
	if err != nil {
		return common.Hash{}, fmt.Errorf("eth_sendTransaction: %w", err)
	}
	return decodeHash(result)
}

func decodeHash(result json.RawMessage) (common.Hash, error) {
	var hexHash string
	if err := json.Unmarshal(result, &hexHash); err != nil {
		return common.Hash{}, fmt.Errorf("unmarshal tx hash: %w", err)
	}
	if len(strings.TrimPrefix(hexHash, "0x")) != 2*common.HashLength {
		return common.Hash{}, fmt.Errorf("malformed tx hash %q", hexHash)
	}
	return common.HexToHash(hexHash), nil
}

func decodeHexInt64(result json.RawMessage, what string) (int64, error) {
	var hexNum string
	if err := json.Unmarshal(result, &hexNum); err != nil {
		return 0, fmt.Errorf("unmarshal %s: %w", what, err)
	}
	value, err := ParseHexInt64(hexNum)
	if err != nil {
		return 0, fmt.Errorf("parse %s: %w", what, err)
	}
	return value, nil
}

func ParseHexInt64(value string) (int64, error) {
	raw := strings.TrimSpace(value)
	if raw == "" {
		return 0, fmt.Errorf("empty hex value")
	}
	raw = strings.TrimPrefix(strings.ToLower(raw), "0x")
	if raw == "" {
		return 0, nil
	}
	parsed, err := strconv.ParseUint(raw, 16, 64)
	if err != nil {
		return 0, fmt.Errorf("parse hex %q: %w", value, err)
	}
	return int64(parsed), nil
}

func formatHexInt64(value int64) string {
	return fmt.Sprintf("0x%x", value)
}

// FormatBlock renders a block number as a JSON-RPC block parameter.
func FormatBlock(number uint64) string {
	return fmt.Sprintf("0x%x", number)
}
