// Package errchan keeps the current user-facing error for each logical
// context: the connection, each projection and each write path.
package errchan

import (
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/emperorhan/blood-ledger/internal/ledgererr"
	"github.com/emperorhan/blood-ledger/internal/metrics"
)

const Connection = "connection"

// Read names the slot for a projection kind.
func Read(projection string) string { return "read:" + projection }

// Write names the slot for a write operation.
func Write(op string) string { return "write:" + op }

type Entry struct {
	Context string         `json:"context"`
	Kind    ledgererr.Kind `json:"kind"`
	Message string         `json:"message"`
	Err     error          `json:"-"`
	At      time.Time      `json:"at"`
}

// Channel holds at most one Entry per context. A new failure replaces the
// previous one; nothing is queued.
type Channel struct {
	mu     sync.RWMutex
	slots  map[string]Entry
	logger *slog.Logger
	nowFn  func() time.Time
}

func New(logger *slog.Logger) *Channel {
	return &Channel{
		slots:  make(map[string]Entry),
		logger: logger.With("component", "errchan"),
		nowFn:  time.Now,
	}
}

// Begin marks the start of a new attempt on ctx and clears its slot.
func (c *Channel) Begin(ctx string) {
	c.Clear(ctx)
}

// Fail records err as the current error of ctx. A nil err clears the slot.
func (c *Channel) Fail(ctx string, err error) Entry {
	if err == nil {
		c.Clear(ctx)
		return Entry{}
	}
	e := Entry{
		Context: ctx,
		Kind:    ledgererr.KindOf(err),
		Message: prefix(ctx) + ledgererr.Message(err),
		Err:     err,
		At:      c.nowFn(),
	}
	c.mu.Lock()
	c.slots[ctx] = e
	c.mu.Unlock()

	metrics.ErrorChannelFailures.WithLabelValues(metricContext(ctx), string(e.Kind)).Inc()
	c.logger.Warn("operation failed", "context", ctx, "kind", e.Kind, "error", err)
	return e
}

func (c *Channel) Clear(ctx string) {
	c.mu.Lock()
	delete(c.slots, ctx)
	c.mu.Unlock()
}

func (c *Channel) Current(ctx string) (Entry, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.slots[ctx]
	return e, ok
}

// Snapshot returns every occupied slot ordered by context name.
func (c *Channel) Snapshot() []Entry {
	c.mu.RLock()
	out := make([]Entry, 0, len(c.slots))
	for _, e := range c.slots {
		out = append(out, e)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Context < out[j].Context })
	return out
}

func prefix(ctx string) string {
	switch {
	case strings.HasPrefix(ctx, "read:"):
		return "Failed to load " + ctx[len("read:"):] + ": "
	case strings.HasPrefix(ctx, "write:"):
		return "Failed to " + ctx[len("write:"):] + ": "
	}
	return ""
}

// metricContext drops projection subjects so label cardinality stays bounded.
func metricContext(ctx string) string {
	if i := strings.IndexByte(ctx, '/'); i >= 0 {
		return ctx[:i]
	}
	return ctx
}
