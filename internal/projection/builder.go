// Package projection rebuilds read models from ledger point lookups and
// event-log scans. Views are pull-only: nothing refreshes a view except an
// explicit View or Refresh call on a lease.
package projection

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emperorhan/blood-ledger/internal/cache"
	"github.com/emperorhan/blood-ledger/internal/chain/rpc"
	"github.com/emperorhan/blood-ledger/internal/contract"
	"github.com/emperorhan/blood-ledger/internal/errchan"
	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/metrics"
	"github.com/emperorhan/blood-ledger/internal/tracing"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
)

var (
	// ErrLeaseClosed is returned when a result arrives after its lease was
	// closed. The result is dropped.
	ErrLeaseClosed = errors.New("projection lease closed")
	// ErrSuperseded is returned when a refresh that started later already
	// applied its result to the view. The later result is kept.
	ErrSuperseded = errors.New("projection refresh superseded")
)

type Kind string

const (
	KindDonationHistory   Kind = "donation_history"
	KindRewardPoints      Kind = "reward_points"
	KindHospitalInventory Kind = "hospital_inventory"
	KindAllRequests       Kind = "all_requests"
	KindPendingRequests   Kind = "pending_requests"
	KindRecipientRequests Kind = "recipient_requests"
	KindHospitalDirectory Kind = "hospital_directory"
	KindDonorSchedules    Kind = "donor_schedules"
)

// Key identifies one view: a projection kind and its subject (usually a
// lower-case address). Invalidate treats an empty Subject as "every
// subject of this kind".
type Key struct {
	Kind    Kind
	Subject string
}

func (k Key) String() string {
	if k.Subject == "" {
		return string(k.Kind)
	}
	return string(k.Kind) + "/" + k.Subject
}

func (k Key) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k Key) matches(target Key) bool {
	return k.Kind == target.Kind && (target.Subject == "" || k.Subject == target.Subject)
}

func subject(addr common.Address) string {
	return strings.ToLower(addr.Hex())
}

// BindingSource yields the binding current at call time.
type BindingSource interface {
	Binding() *contract.Binding
}

// BlockSource resolves block headers for event timestamps.
type BlockSource interface {
	GetBlocksByNumber(ctx context.Context, numbers []int64) ([]*rpc.Block, error)
}

type Config struct {
	CacheSize        int
	CacheTTL         time.Duration
	FetchConcurrency int
}

type Builder struct {
	source      BindingSource
	blocks      BlockSource
	errs        *errchan.Channel
	logger      *slog.Logger
	concurrency int

	blockTimes cache.Cache[uint64, int64]
	hospitals  cache.Cache[common.Address, contract.HospitalInfo]

	mu          sync.Mutex
	views       map[Key]*view
	provisional map[string]Provisional
}

func NewBuilder(source BindingSource, blocks BlockSource, errs *errchan.Channel, cfg Config, logger *slog.Logger) *Builder {
	if cfg.CacheSize <= 0 {
		cfg.CacheSize = 512
	}
	if cfg.FetchConcurrency <= 0 {
		cfg.FetchConcurrency = 8
	}
	return &Builder{
		source:      source,
		blocks:      blocks,
		errs:        errs,
		logger:      logger.With("component", "projection"),
		concurrency: cfg.FetchConcurrency,
		blockTimes: cache.NewShardedLRU[uint64, int64](cfg.CacheSize, cfg.CacheTTL, func(n uint64) string {
			return strconv.FormatUint(n, 10)
		}),
		hospitals: cache.NewShardedLRU[common.Address, contract.HospitalInfo](cfg.CacheSize, cfg.CacheTTL, func(a common.Address) string {
			return a.Hex()
		}),
		views:       make(map[Key]*view),
		provisional: make(map[string]Provisional),
	}
}

type view struct {
	key Key
	run func(ctx context.Context, env *Env) (any, error)

	mu      sync.Mutex
	value   any
	loaded  bool
	stale   bool
	updated time.Time
	err     error
	leases  int

	// started numbers refreshes in start order. applied is the number of
	// the refresh whose result the view currently holds.
	started uint64
	applied uint64
}

// Lease scopes a view to its holder. Results of refreshes that complete
// after Close are discarded.
type Lease[T any] struct {
	b      *Builder
	v      *view
	ctx    context.Context
	cancel context.CancelFunc
	closed atomic.Bool
	once   sync.Once
}

// Open attaches a lease to the view named by def, creating the view if no
// other lease holds it.
func Open[T any](b *Builder, def Definition[T]) *Lease[T] {
	b.mu.Lock()
	v, ok := b.views[def.Key]
	if !ok {
		plan := def.Plan
		v = &view{
			key: def.Key,
			run: func(ctx context.Context, env *Env) (any, error) { return plan(ctx, env) },
		}
		b.views[def.Key] = v
		metrics.ProjectionViewsActive.WithLabelValues(string(def.Key.Kind)).Inc()
	}
	v.mu.Lock()
	v.leases++
	v.mu.Unlock()
	b.mu.Unlock()

	ctx, cancel := context.WithCancel(context.Background())
	return &Lease[T]{b: b, v: v, ctx: ctx, cancel: cancel}
}

func (l *Lease[T]) Key() Key {
	return l.v.key
}

// View returns the loaded value, running the plan first when the view was
// never loaded or has been invalidated. On failure the previous value is
// returned along with the error.
func (l *Lease[T]) View(ctx context.Context) (T, error) {
	snap := l.Snapshot()
	if snap.Loaded && !snap.Stale {
		return snap.Value, nil
	}
	return l.Refresh(ctx)
}

// Refresh re-runs the plan unconditionally.
func (l *Lease[T]) Refresh(ctx context.Context) (T, error) {
	var zero T
	if l.closed.Load() {
		return zero, ErrLeaseClosed
	}
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	stop := context.AfterFunc(l.ctx, cancel)
	defer stop()

	value, err := l.b.refresh(ctx, l.v, l.closed.Load)
	typed, _ := value.(T)
	return typed, err
}

// Snapshot returns the view state without touching the ledger.
func (l *Lease[T]) Snapshot() Snapshot[T] {
	l.v.mu.Lock()
	snap := Snapshot[T]{
		Key:       l.v.key,
		Loaded:    l.v.loaded,
		Stale:     l.v.stale,
		UpdatedAt: l.v.updated,
		Err:       l.v.err,
	}
	if typed, ok := l.v.value.(T); ok {
		snap.Value = typed
	}
	l.v.mu.Unlock()
	snap.Provisional = l.b.provisionalFor(l.v.key)
	return snap
}

// Close releases the lease and cancels its in-flight refreshes. The view
// is dropped when its last lease closes.
func (l *Lease[T]) Close() {
	l.once.Do(func() {
		l.closed.Store(true)
		l.cancel()
		l.b.release(l.v)
	})
}

type Snapshot[T any] struct {
	Key         Key           `json:"key"`
	Value       T             `json:"value"`
	Loaded      bool          `json:"loaded"`
	Stale       bool          `json:"stale"`
	UpdatedAt   time.Time     `json:"updated_at"`
	Err         error         `json:"-"`
	Provisional []Provisional `json:"provisional,omitempty"`
}

func (b *Builder) release(v *view) {
	b.mu.Lock()
	defer b.mu.Unlock()
	v.mu.Lock()
	v.leases--
	last := v.leases == 0
	v.mu.Unlock()
	if last && b.views[v.key] == v {
		delete(b.views, v.key)
		metrics.ProjectionViewsActive.WithLabelValues(string(v.key.Kind)).Dec()
	}
}

func (b *Builder) refresh(ctx context.Context, v *view, closed func() bool) (any, error) {
	slot := errchan.Read(v.key.String())
	b.errs.Begin(slot)

	v.mu.Lock()
	v.started++
	seq := v.started
	v.mu.Unlock()

	env := b.env()
	kind := string(v.key.Kind)
	ctx, span := tracing.Tracer("projection").Start(ctx, "projection.refresh")
	start := time.Now()
	value, err := v.run(ctx, env)
	metrics.ProjectionBuildLatency.WithLabelValues(kind).Observe(time.Since(start).Seconds())
	tracing.End(span, err, attribute.String("projection", v.key.String()))

	if closed() {
		metrics.ProjectionDiscardedResults.WithLabelValues(kind).Inc()
		b.logger.Debug("discarding result for closed lease", "projection", v.key.String())
		return nil, ErrLeaseClosed
	}

	v.mu.Lock()
	if seq < v.applied {
		v.mu.Unlock()
		metrics.ProjectionDiscardedResults.WithLabelValues(kind).Inc()
		return nil, ErrSuperseded
	}
	v.applied = seq
	if err != nil {
		readErr := &ledgererr.ReadError{Projection: v.key.String(), Err: err}
		v.err = readErr
		previous := v.value
		v.mu.Unlock()

		metrics.ProjectionBuildsTotal.WithLabelValues(kind, "error").Inc()
		b.errs.Fail(slot, readErr)
		return previous, readErr
	}
	v.value = value
	v.loaded = true
	v.stale = false
	v.err = nil
	v.updated = time.Now()
	v.mu.Unlock()

	metrics.ProjectionBuildsTotal.WithLabelValues(kind, "ok").Inc()
	return value, nil
}

// Invalidate marks every open view matching one of targets as stale, so
// the next View re-runs its plan. It returns the number of views marked.
func (b *Builder) Invalidate(targets ...Key) int {
	b.mu.Lock()
	defer b.mu.Unlock()

	marked := 0
	for key, v := range b.views {
		for _, t := range targets {
			if !key.matches(t) {
				continue
			}
			v.mu.Lock()
			v.stale = true
			v.mu.Unlock()
			marked++
			metrics.ProjectionInvalidations.WithLabelValues(string(key.Kind)).Inc()
			break
		}
	}
	for _, t := range targets {
		if t.Kind == KindHospitalDirectory {
			b.hospitals.Purge()
			break
		}
	}
	return marked
}

// ForgetHospital drops a cached hospitals(address) entry.
func (b *Builder) ForgetHospital(addr common.Address) {
	b.hospitals.Delete(addr)
}

// Provisional is a placeholder for an unconfirmed write. It is reported
// next to, never merged into, the confirmed view value.
type Provisional struct {
	Token    string    `json:"token"`
	Key      Key       `json:"key"`
	Entry    any       `json:"entry"`
	StagedAt time.Time `json:"staged_at"`
}

// Staged is the handle of a provisional entry.
type Staged struct {
	b     *Builder
	token string
}

// Stage records entry as provisional for each key until Discard.
func (b *Builder) Stage(entry any, keys ...Key) *Staged {
	token := uuid.NewString()
	now := time.Now()
	b.mu.Lock()
	for i, key := range keys {
		b.provisional[token+"/"+strconv.Itoa(i)] = Provisional{Token: token, Key: key, Entry: entry, StagedAt: now}
	}
	b.mu.Unlock()
	return &Staged{b: b, token: token}
}

func (s *Staged) Token() string {
	return s.token
}

// Discard removes the provisional entries. Safe to call more than once.
func (s *Staged) Discard() {
	s.b.mu.Lock()
	defer s.b.mu.Unlock()
	for id, p := range s.b.provisional {
		if p.Token == s.token {
			delete(s.b.provisional, id)
		}
	}
}

func (b *Builder) provisionalFor(key Key) []Provisional {
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Provisional
	for _, p := range b.provisional {
		if p.Key == key {
			out = append(out, p)
		}
	}
	sortProvisional(out)
	return out
}

// Views lists the keys of every open view.
func (b *Builder) Views() []Key {
	b.mu.Lock()
	defer b.mu.Unlock()
	keys := make([]Key, 0, len(b.views))
	for k := range b.views {
		keys = append(keys, k)
	}
	sortKeys(keys)
	return keys
}
