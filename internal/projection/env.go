package projection

import (
	"context"
	"fmt"
	"sort"

	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/contract"
	"github.com/emperorhan/blood-ledger/internal/metrics"
	"github.com/ethereum/go-ethereum/common"
	"golang.org/x/sync/errgroup"
)

// Env is what a plan sees during one run: the binding current when the run
// started plus the builder's shared lookups.
type Env struct {
	Binding *contract.Binding

	b *Builder
}

func (b *Builder) env() *Env {
	return &Env{Binding: b.source.Binding(), b: b}
}

// group returns an errgroup bounded by the fetch concurrency.
func (e *Env) group(ctx context.Context) (*errgroup.Group, context.Context) {
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(e.b.concurrency)
	return g, ctx
}

// BlockTimes resolves timestamps for numbers, fetching cache misses in one
// batched call.
func (e *Env) BlockTimes(ctx context.Context, numbers []uint64) (map[uint64]int64, error) {
	out := make(map[uint64]int64, len(numbers))
	var missing []int64
	seen := make(map[uint64]bool, len(numbers))
	for _, n := range numbers {
		if seen[n] {
			continue
		}
		seen[n] = true
		if ts, ok := e.b.blockTimes.Get(n); ok {
			metrics.CacheLookups.WithLabelValues("block_time", "hit").Inc()
			out[n] = ts
			continue
		}
		metrics.CacheLookups.WithLabelValues("block_time", "miss").Inc()
		missing = append(missing, int64(n))
	}
	if len(missing) == 0 {
		return out, nil
	}
	if e.b.blocks == nil {
		return nil, fmt.Errorf("resolve %d block timestamps: no block source", len(missing))
	}

	blocks, err := e.b.blocks.GetBlocksByNumber(ctx, missing)
	if err != nil {
		return nil, fmt.Errorf("resolve block timestamps: %w", err)
	}
	for i, blk := range blocks {
		if blk == nil {
			return nil, fmt.Errorf("block %d not found", missing[i])
		}
		ts, err := rpc.ParseHexInt64(blk.Timestamp)
		if err != nil {
			return nil, fmt.Errorf("block %d timestamp: %w", missing[i], err)
		}
		e.b.blockTimes.Put(uint64(missing[i]), ts)
		out[uint64(missing[i])] = ts
	}
	return out, nil
}

// Hospital reads hospitals(addr) through the hospital cache.
func (e *Env) Hospital(ctx context.Context, addr common.Address) (contract.HospitalInfo, error) {
	if info, ok := e.b.hospitals.Get(addr); ok {
		metrics.CacheLookups.WithLabelValues("hospital", "hit").Inc()
		return info, nil
	}
	metrics.CacheLookups.WithLabelValues("hospital", "miss").Inc()
	info, err := e.Binding.Hospital(ctx, addr)
	if err != nil {
		return contract.HospitalInfo{}, err
	}
	e.b.hospitals.Put(addr, info)
	return info, nil
}

func sortKeys(keys []Key) {
	sort.Slice(keys, func(i, j int) bool { return keys[i].String() < keys[j].String() })
}

func sortProvisional(ps []Provisional) {
	sort.Slice(ps, func(i, j int) bool {
		if !ps[i].StagedAt.Equal(ps[j].StagedAt) {
			return ps[i].StagedAt.Before(ps[j].StagedAt)
		}
		return ps[i].Token < ps[j].Token
	})
}
