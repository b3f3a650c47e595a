package store

import (
	"context"
	"sync"

	"github.com/emperorhan/blood-ledger/internal/metrics"
)

// FlagRepository persists the "user explicitly disconnected" flag per
// session profile, so a restart does not silently reconnect the wallet.
type FlagRepository interface {
	LoadDisconnected(ctx context.Context, profile string) (bool, error)
	StoreDisconnected(ctx context.Context, profile string, disconnected bool) error
}

// MemoryFlags keeps flags for the life of the process only.
type MemoryFlags struct {
	mu    sync.Mutex
	flags map[string]bool
}

func NewMemoryFlags() *MemoryFlags {
	return &MemoryFlags{flags: make(map[string]bool)}
}

func (m *MemoryFlags) LoadDisconnected(ctx context.Context, profile string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	RecordFlagOp("memory", "load", nil)
	return m.flags[profile], nil
}

func (m *MemoryFlags) StoreDisconnected(ctx context.Context, profile string, disconnected bool) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if disconnected {
		m.flags[profile] = true
	} else {
		delete(m.flags, profile)
	}
	RecordFlagOp("memory", "store", nil)
	return nil
}

// RecordFlagOp counts one flag-store operation for backend.
func RecordFlagOp(backend, op string, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	metrics.FlagStoreOpsTotal.WithLabelValues(backend, op, result).Inc()
}
