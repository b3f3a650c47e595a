package cache

import (
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

func blockKey(n uint64) string { return strconv.FormatUint(n, 10) }

func newBlockTimes(capacity int) *ShardedLRU[uint64, int64] {
	return NewShardedLRU[uint64, int64](capacity, time.Minute, blockKey)
}

func TestShardedLRU_BlockTimestamps(t *testing.T) {
	c := newBlockTimes(256)
	for n := uint64(100); n < 110; n++ {
		c.Put(n, 1709251200+int64(n-100)*12)
	}

	ts, ok := c.Get(105)
	if !ok || ts != 1709251260 {
		t.Fatalf("block 105: got (%d, %v)", ts, ok)
	}
	if _, ok := c.Get(99); ok {
		t.Fatal("block 99 was never cached")
	}
	if c.Len() != 10 {
		t.Fatalf("expected 10 blocks, got %d", c.Len())
	}

	hits, misses := c.Stats()
	if hits != 1 || misses != 1 {
		t.Fatalf("expected 1 hit and 1 miss, got %d/%d", hits, misses)
	}
}

func TestShardedLRU_AddressKeysOverwrite(t *testing.T) {
	type hospital struct {
		name     string
		verified bool
	}
	c := NewShardedLRU[common.Address, hospital](64, time.Minute, func(a common.Address) string { return a.Hex() })
	addr := common.HexToAddress("0x1111000000000000000000000000000000000001")

	c.Put(addr, hospital{name: "City Hospital"})
	c.Put(addr, hospital{name: "City Hospital", verified: true})

	got, ok := c.Get(addr)
	if !ok || !got.verified {
		t.Fatalf("expected the verified record, got (%+v, %v)", got, ok)
	}
	if c.Len() != 1 {
		t.Fatalf("expected 1 entry, got %d", c.Len())
	}
}

func TestShardedLRU_CapacityIsPerShard(t *testing.T) {
	// 16 shards of one entry each.
	c := newBlockTimes(16)
	for n := uint64(0); n < 200; n++ {
		c.Put(n, int64(n))
	}
	if c.Len() > 16 {
		t.Fatalf("expected at most 16 entries, got %d", c.Len())
	}
}

func TestShardedLRU_ConcurrentFanOut(t *testing.T) {
	c := newBlockTimes(8192)

	var wg sync.WaitGroup
	for worker := 0; worker < 8; worker++ {
		wg.Add(1)
		go func(offset uint64) {
			defer wg.Done()
			for n := offset; n < offset+500; n++ {
				c.Put(n, int64(n))
				c.Get(n)
			}
		}(uint64(worker) * 1000)
	}
	wg.Wait()

	if c.Len() == 0 {
		t.Fatal("expected entries after concurrent writes")
	}
}

func TestShardedLRU_ImplementsCache(t *testing.T) {
	var _ Cache[uint64, int64] = newBlockTimes(8)
	var _ Cache[uint64, int64] = NewLRU[uint64, int64](8, time.Minute)
}

func TestShardedLRU_DeleteAcrossShards(t *testing.T) {
	c := NewShardedLRUWithCount[uint64, int64](400, 0, blockKey, 4)
	for n := uint64(0); n < 20; n++ {
		c.Put(n, int64(n)*12)
	}

	for n := uint64(0); n < 20; n += 2 {
		if !c.Delete(n) {
			t.Fatalf("expected block %d to be present", n)
		}
	}
	if c.Delete(0) {
		t.Fatal("expected block 0 to be gone")
	}
	if c.Len() != 10 {
		t.Fatalf("expected 10 entries, got %d", c.Len())
	}

	c.Purge()
	if c.Len() != 0 {
		t.Fatalf("expected empty cache after Purge, got %d", c.Len())
	}
}
