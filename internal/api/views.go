package api

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/emperorhan/blood-ledger/internal/domain/model"
	"github.com/emperorhan/blood-ledger/internal/projection"
)

// pinned is a lease held by the server on behalf of all HTTP clients, so
// loaded views survive between nearby requests.
type pinned interface {
	key() projection.Key
	load(ctx context.Context, refresh bool) (snapshot any, loaded bool, err error)
	close()
}

type pinnedLease[T any] struct {
	lease *projection.Lease[T]
}

func pin[T any](b *projection.Builder, def projection.Definition[T]) pinned {
	return pinnedLease[T]{lease: projection.Open(b, def)}
}

func (p pinnedLease[T]) key() projection.Key { return p.lease.Key() }

func (p pinnedLease[T]) load(ctx context.Context, refresh bool) (any, bool, error) {
	var err error
	if refresh {
		_, err = p.lease.Refresh(ctx)
	} else {
		_, err = p.lease.View(ctx)
	}
	snap := p.lease.Snapshot()
	return snap, snap.Loaded, err
}

func (p pinnedLease[T]) close() { p.lease.Close() }

var errTooManyViews = errors.New("too many open views, retry later")

type pinEntry struct {
	view     pinned
	active   int
	lastUsed time.Time
}

// pinnedViews keeps up to limit views open between requests. A pin idle
// for idleTTL is closed by the sweeper. When the table is full the least
// recently used idle pin makes room.
type pinnedViews struct {
	builder *projection.Builder
	limit   int
	idleTTL time.Duration
	nowFunc func() time.Time
	janitor *janitor

	mu   sync.Mutex
	pins map[projection.Key]*pinEntry
}

func newPinnedViews(b *projection.Builder, limit int, idleTTL time.Duration) *pinnedViews {
	p := &pinnedViews{
		builder: b,
		limit:   limit,
		idleTTL: idleTTL,
		nowFunc: time.Now,
		pins:    make(map[projection.Key]*pinEntry),
	}
	sweepEvery := idleTTL / 2
	if sweepEvery <= 0 || sweepEvery > sweepInterval {
		sweepEvery = sweepInterval
	}
	p.janitor = startJanitor(sweepEvery, p.evictIdle)
	return p
}

// acquire returns the pinned view for kind and subject, opening it on first
// use. The view is not evicted until release is called.
func (p *pinnedViews) acquire(kind projection.Kind, subject, verified string) (pinned, func(), error) {
	def, err := p.definition(kind, subject, verified)
	if err != nil {
		return nil, nil, err
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	pn, ok := p.pins[def.key]
	if !ok {
		if len(p.pins) >= p.limit && !p.evictOldestLocked() {
			return nil, nil, errTooManyViews
		}
		pn = &pinEntry{view: def.open(p.builder)}
		p.pins[def.key] = pn
	}
	pn.active++
	pn.lastUsed = p.nowFunc()
	return pn.view, func() { p.release(pn) }, nil
}

func (p *pinnedViews) release(pn *pinEntry) {
	p.mu.Lock()
	pn.active--
	pn.lastUsed = p.nowFunc()
	p.mu.Unlock()
}

func (p *pinnedViews) evictOldestLocked() bool {
	var (
		oldestKey projection.Key
		oldest    *pinEntry
	)
	for key, pn := range p.pins {
		if pn.active > 0 {
			continue
		}
		if oldest == nil || pn.lastUsed.Before(oldest.lastUsed) {
			oldestKey, oldest = key, pn
		}
	}
	if oldest == nil {
		return false
	}
	delete(p.pins, oldestKey)
	oldest.view.close()
	return true
}

func (p *pinnedViews) evictIdle() {
	cutoff := p.nowFunc().Add(-p.idleTTL)
	p.mu.Lock()
	var idle []pinned
	for key, pn := range p.pins {
		if pn.active == 0 && pn.lastUsed.Before(cutoff) {
			delete(p.pins, key)
			idle = append(idle, pn.view)
		}
	}
	p.mu.Unlock()
	for _, v := range idle {
		v.close()
	}
}

func (p *pinnedViews) count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pins)
}

type openable struct {
	key  projection.Key
	open func(b *projection.Builder) pinned
}

func openDef[T any](def projection.Definition[T]) openable {
	return openable{
		key:  def.Key,
		open: func(b *projection.Builder) pinned { return pin(b, def) },
	}
}

func (p *pinnedViews) definition(kind projection.Kind, subject, verified string) (openable, error) {
	if kind == projection.KindAllRequests {
		return openDef(projection.AllRequests()), nil
	}
	if kind == projection.KindHospitalDirectory {
		only := false
		if verified != "" {
			v, err := strconv.ParseBool(verified)
			if err != nil {
				return openable{}, fmt.Errorf("verified must be a boolean")
			}
			only = v
		}
		return openDef(projection.HospitalDirectory(only)), nil
	}

	addr, err := model.ParseAddress(subject)
	if err != nil {
		return openable{}, fmt.Errorf("%s needs an address subject: %w", kind, err)
	}
	switch kind {
	case projection.KindDonationHistory:
		return openDef(projection.DonationHistory(addr)), nil
	case projection.KindRewardPoints:
		return openDef(projection.RewardPoints(addr)), nil
	case projection.KindHospitalInventory:
		return openDef(projection.HospitalInventory(addr)), nil
	case projection.KindPendingRequests:
		return openDef(projection.PendingRequests(addr)), nil
	case projection.KindRecipientRequests:
		return openDef(projection.RecipientRequests(addr)), nil
	case projection.KindDonorSchedules:
		return openDef(projection.DonorSchedules(addr)), nil
	}
	return openable{}, fmt.Errorf("unknown projection %q", kind)
}

func (p *pinnedViews) closeAll() {
	p.janitor.Stop()
	p.mu.Lock()
	pins := p.pins
	p.pins = make(map[projection.Key]*pinEntry)
	p.mu.Unlock()
	for _, pn := range pins {
		pn.view.close()
	}
}
