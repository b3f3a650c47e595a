// Package contracttest provides an in-memory BloodLedger that speaks the
// contract ABI over the same provider surface the binding uses.
package contracttest

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/contract"
	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

// Schedule is a stored donation schedule.
type Schedule struct {
	Donor         common.Address
	Hospital      common.Address
	ScheduledTime int64
	Status        string
}

// Ledger mimics the deployed contract closely enough for projection and
// gateway tests. All exported maps may be seeded directly before use.
type Ledger struct {
	mu sync.Mutex

	Requests       []model.BloodRequest
	Donors         map[common.Address]model.DonorInfo
	Inventory      map[common.Address]map[model.BloodGroup]uint64
	Schedules      []Schedule
	DonorSchedules map[common.Address][]uint64
	Hospitals      map[common.Address]contract.HospitalInfo
	BlockTimes     map[uint64]int64

	// CallErrs fails view calls by method name.
	CallErrs map[string]error
	// HospitalErrs fails hospitals(address) for specific addresses.
	HospitalErrs map[common.Address]error
	LogsErr      error
	// OmitLogTimestamps drops blockTimestamp from returned logs.
	OmitLogTimestamps bool
	// RejectSends makes every signer decline with EIP-1193 code 4001.
	RejectSends bool
	// HoldReceipts keeps receipts pending until Mine is called.
	HoldReceipts bool

	Now int64

	logs     []*rpc.Log
	receipts map[common.Hash]*rpc.TransactionReceipt
	pending  map[common.Hash]*rpc.TransactionReceipt
	block    uint64
	calls    map[string]int
	sent     []string
	nonce    uint64
}

func NewLedger() *Ledger {
	return &Ledger{
		Donors:         make(map[common.Address]model.DonorInfo),
		Inventory:      make(map[common.Address]map[model.BloodGroup]uint64),
		DonorSchedules: make(map[common.Address][]uint64),
		Hospitals:      make(map[common.Address]contract.HospitalInfo),
		BlockTimes:     make(map[uint64]int64),
		CallErrs:       make(map[string]error),
		HospitalErrs:   make(map[common.Address]error),
		Now:            1709251200,
		receipts:       make(map[common.Hash]*rpc.TransactionReceipt),
		pending:        make(map[common.Hash]*rpc.TransactionReceipt),
		calls:          make(map[string]int),
		block:          1,
	}
}

// CallCount reports how many times a view method was invoked.
func (l *Ledger) CallCount(method string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.calls[method]
}

// Sent lists submitted write methods in order, reverted ones included.
func (l *Ledger) Sent() []string {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]string(nil), l.sent...)
}

// EmitDonation appends a BloodDonated log in a new block.
func (l *Ledger) EmitDonation(donor, hospital common.Address, group model.BloodGroup, timestamp int64) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.emitLocked(contract.EventBloodDonated, []common.Hash{common.BytesToHash(donor.Bytes()), common.BytesToHash(hospital.Bytes())}, timestamp, common.Hash{}, string(group))
}

// EmitHospitalRegistered appends a HospitalRegistered log and stores the hospital.
func (l *Ledger) EmitHospitalRegistered(hospital common.Address, name, location string, verified bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.Hospitals[hospital] = contract.HospitalInfo{Name: name, Location: location, IsVerified: verified, IsRegistered: true}
	l.emitLocked(contract.EventHospitalRegistered, []common.Hash{common.BytesToHash(hospital.Bytes())}, l.Now, common.Hash{}, name)
}

// Mine releases receipts held by HoldReceipts.
func (l *Ledger) Mine() {
	l.mu.Lock()
	defer l.mu.Unlock()
	for h, r := range l.pending {
		l.receipts[h] = r
		delete(l.pending, h)
	}
}

func (l *Ledger) Call(ctx context.Context, args rpc.TransactionArgs, block string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	method, inputs, err := decodeInput(args.Data)
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls[method.Name]++
	if err := l.CallErrs[method.Name]; err != nil {
		return nil, err
	}

	values, err := l.viewLocked(method.Name, inputs)
	if err != nil {
		return nil, err
	}
	return method.Outputs.Pack(values...)
}

func (l *Ledger) viewLocked(name string, in []interface{}) ([]interface{}, error) {
	switch name {
	case "requestCount":
		return []interface{}{big.NewInt(int64(len(l.Requests)))}, nil
	case "bloodRequests":
		id := in[0].(*big.Int).Uint64()
		if id >= uint64(len(l.Requests)) {
			return nil, revert("Invalid request ID")
		}
		r := l.Requests[id]
		return []interface{}{r.Recipient, string(r.BloodGroup), string(r.Status), r.Hospital, big.NewInt(r.RequestTime)}, nil
	case "getDonorInfo":
		d := l.Donors[in[0].(common.Address)]
		return []interface{}{string(d.BloodGroup), u(d.TotalDonations), u(d.RewardPoints), big.NewInt(d.LastDonationTime), d.IsRegistered}, nil
	case "getHospitalInventory":
		q := l.Inventory[in[0].(common.Address)][model.BloodGroup(in[1].(string))]
		return []interface{}{u(q)}, nil
	case "getDonorSchedules":
		ids := l.DonorSchedules[in[0].(common.Address)]
		out := make([]*big.Int, len(ids))
		for i, id := range ids {
			out[i] = u(id)
		}
		return []interface{}{out}, nil
	case "getScheduleDetails":
		id := in[0].(*big.Int).Uint64()
		if id >= uint64(len(l.Schedules)) {
			return nil, revert("Invalid schedule ID")
		}
		s := l.Schedules[id]
		return []interface{}{s.Donor, s.Hospital, big.NewInt(s.ScheduledTime), s.Status}, nil
	case "hospitals":
		addr := in[0].(common.Address)
		if err := l.HospitalErrs[addr]; err != nil {
			return nil, err
		}
		h := l.Hospitals[addr]
		return []interface{}{h.Name, h.Location, h.IsVerified, h.IsRegistered}, nil
	}
	return nil, fmt.Errorf("fake ledger: view %s not supported", name)
}

func (l *Ledger) GetLogs(ctx context.Context, filter rpc.LogFilter) ([]*rpc.Log, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["eth_getLogs"]++
	if l.LogsErr != nil {
		return nil, l.LogsErr
	}

	var out []*rpc.Log
	for _, lg := range l.logs {
		if matchTopics(lg.Topics, filter.Topics) {
			cp := *lg
			if l.OmitLogTimestamps {
				cp.BlockTimestamp = ""
			}
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (l *Ledger) GetBlocksByNumber(ctx context.Context, numbers []int64) ([]*rpc.Block, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls["eth_getBlockByNumber"]++
	out := make([]*rpc.Block, len(numbers))
	for i, n := range numbers {
		ts, ok := l.BlockTimes[uint64(n)]
		if !ok {
			continue
		}
		out[i] = &rpc.Block{Number: hexutil.EncodeUint64(uint64(n)), Timestamp: hexutil.EncodeUint64(uint64(ts))}
	}
	return out, nil
}

func (l *Ledger) GetTransactionReceipt(ctx context.Context, hash common.Hash) (*rpc.TransactionReceipt, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.receipts[hash], nil
}

// Signer returns a contract.Signer that executes writes as from.
func (l *Ledger) Signer(from common.Address) contract.Signer {
	return &signer{ledger: l, from: from}
}

type signer struct {
	ledger *Ledger
	from   common.Address
}

func (s *signer) Address() common.Address { return s.from }

func (s *signer) SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error) {
	return s.ledger.SendTransaction(ctx, args)
}

// SendTransaction executes args.Data as args.From and records a receipt.
// Contract-level rejections produce a status 0 receipt, not an error.
func (l *Ledger) SendTransaction(ctx context.Context, args rpc.TransactionArgs) (common.Hash, error) {
	if err := ctx.Err(); err != nil {
		return common.Hash{}, err
	}
	method, inputs, err := decodeInput(args.Data)
	if err != nil {
		return common.Hash{}, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	if l.RejectSends {
		return common.Hash{}, &rpc.RPCError{Code: 4001, Message: "User rejected the request."}
	}

	l.nonce++
	hash := crypto.Keccak256Hash([]byte(fmt.Sprintf("%s:%d", args.From, l.nonce)))
	l.sent = append(l.sent, method.Name)

	status := "0x1"
	if err := l.executeLocked(common.HexToAddress(args.From), method.Name, inputs, hash); err != nil {
		status = "0x0"
	}
	l.block++
	receipt := &rpc.TransactionReceipt{
		TransactionHash: hash.Hex(),
		BlockNumber:     hexutil.EncodeUint64(l.block),
		Status:          status,
		From:            args.From,
		To:              args.To,
	}
	if l.HoldReceipts {
		l.pending[hash] = receipt
	} else {
		l.receipts[hash] = receipt
	}
	return hash, nil
}

func (l *Ledger) executeLocked(from common.Address, name string, in []interface{}, tx common.Hash) error {
	switch name {
	case "registerDonor":
		d := l.Donors[from]
		if d.IsRegistered {
			return revert("Donor already registered")
		}
		l.Donors[from] = model.DonorInfo{BloodGroup: model.BloodGroup(in[0].(string)), IsRegistered: true}
	case "recordBloodDonation":
		if !l.Hospitals[from].IsVerified {
			return revert("Not a verified hospital")
		}
		donor := in[0].(common.Address)
		group := model.BloodGroup(in[1].(string))
		d := l.Donors[donor]
		if !d.IsRegistered {
			return revert("Donor not registered")
		}
		d.TotalDonations++
		d.RewardPoints += model.PointsPerDonation
		d.LastDonationTime = l.Now
		l.Donors[donor] = d
		if l.Inventory[from] == nil {
			l.Inventory[from] = make(map[model.BloodGroup]uint64)
		}
		l.Inventory[from][group]++
		l.emitLocked(contract.EventBloodDonated, []common.Hash{common.BytesToHash(donor.Bytes()), common.BytesToHash(from.Bytes())}, l.Now, tx, string(group))
	case "requestBlood":
		group := model.BloodGroup(in[0].(string))
		if !group.Valid() {
			return revert("Invalid blood group")
		}
		l.Requests = append(l.Requests, model.BloodRequest{
			ID:          uint64(len(l.Requests)),
			Recipient:   from,
			BloodGroup:  group,
			Status:      model.RequestStatusPending,
			RequestTime: l.Now,
		})
	case "updateRequestStatus":
		id := in[0].(*big.Int).Uint64()
		if id >= uint64(len(l.Requests)) {
			return revert("Invalid request ID")
		}
		if !l.Hospitals[from].IsVerified {
			return revert("Not a verified hospital")
		}
		r := &l.Requests[id]
		status := model.RequestStatus(in[1].(string))
		if status == model.RequestStatusFulfilled {
			if l.Inventory[from][r.BloodGroup] == 0 {
				return revert("Insufficient inventory")
			}
			l.Inventory[from][r.BloodGroup]--
		}
		r.Status = status
		r.Hospital = from
	case "scheduleDonation":
		id := uint64(len(l.Schedules))
		l.Schedules = append(l.Schedules, Schedule{
			Donor:         from,
			Hospital:      in[0].(common.Address),
			ScheduledTime: in[1].(*big.Int).Int64(),
			Status:        string(model.ScheduleStatusScheduled),
		})
		l.DonorSchedules[from] = append(l.DonorSchedules[from], id)
	case "updateScheduleStatus":
		id := in[0].(*big.Int).Uint64()
		if id >= uint64(len(l.Schedules)) {
			return revert("Invalid schedule ID")
		}
		l.Schedules[id].Status = in[1].(string)
	case "verifyHospital", "blockHospital":
		addr := in[0].(common.Address)
		h, ok := l.Hospitals[addr]
		if !ok || !h.IsRegistered {
			return revert("Hospital not registered")
		}
		h.IsVerified = name == "verifyHospital"
		l.Hospitals[addr] = h
	default:
		return fmt.Errorf("fake ledger: write %s not supported", name)
	}
	return nil
}

func (l *Ledger) emitLocked(event string, indexed []common.Hash, timestamp int64, tx common.Hash, data ...interface{}) {
	ev := contract.ABI().Events[event]
	packed, err := ev.Inputs.NonIndexed().Pack(data...)
	if err != nil {
		panic(fmt.Sprintf("fake ledger: pack %s: %v", event, err))
	}
	topics := []string{ev.ID.Hex()}
	for _, t := range indexed {
		topics = append(topics, t.Hex())
	}
	l.block++
	l.BlockTimes[l.block] = timestamp
	if tx == (common.Hash{}) {
		tx = crypto.Keccak256Hash([]byte(fmt.Sprintf("log:%d", l.block)))
	}
	l.logs = append(l.logs, &rpc.Log{
		Topics:          topics,
		Data:            hexutil.Encode(packed),
		BlockNumber:     hexutil.EncodeUint64(l.block),
		BlockTimestamp:  hexutil.EncodeUint64(uint64(timestamp)),
		TransactionHash: tx.Hex(),
		LogIndex:        "0x0",
	})
}

func decodeInput(data string) (*abi.Method, []interface{}, error) {
	raw, err := hexutil.Decode(data)
	if err != nil || len(raw) < 4 {
		return nil, nil, fmt.Errorf("fake ledger: bad call data %q", data)
	}
	parsed := contract.ABI()
	method, err := parsed.MethodById(raw[:4])
	if err != nil {
		return nil, nil, err
	}
	inputs, err := method.Inputs.Unpack(raw[4:])
	if err != nil {
		return nil, nil, err
	}
	return method, inputs, nil
}

func matchTopics(have []string, want []interface{}) bool {
	for i, w := range want {
		if w == nil {
			continue
		}
		if i >= len(have) {
			return false
		}
		switch v := w.(type) {
		case string:
			if !strings.EqualFold(v, have[i]) {
				return false
			}
		case []string:
			found := false
			for _, alt := range v {
				if strings.EqualFold(alt, have[i]) {
					found = true
				}
			}
			if !found {
				return false
			}
		}
	}
	return true
}

func revert(reason string) error {
	return &rpc.RPCError{Code: 3, Message: "execution reverted: " + reason}
}

func u(v uint64) *big.Int {
	return new(big.Int).SetUint64(v)
}

// ErrUnreachable is a transport-looking failure for injection.
var ErrUnreachable = errors.New("http request: dial tcp 127.0.0.1:8545: connect: connection refused")
