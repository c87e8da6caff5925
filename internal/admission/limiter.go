// Package admission gates stream starts on global and per-owner
// concurrency ceilings.
package admission

import (
	"fmt"
	"log/slog"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/smazurov/restreamer/internal/events"
	"github.com/smazurov/restreamer/internal/logging"
)

// Default ceilings.
const (
	DefaultGlobalLimit   = 20
	DefaultPerOwnerLimit = 5
)

// Rejection scopes.
const (
	ScopeGlobal = "global"
	ScopeOwner  = "owner"
)

// LimitResolver returns the configured ceiling for an owner. ok is false when
// the owner has no explicit value and the default applies.
type LimitResolver func(ownerID string) (limit int, ok bool)

// Decision is the answer to CanStart and TryRegister.
type Decision struct {
	Allowed bool
	Reason  string
	Scope   string
}

// Stats is a snapshot of limiter occupancy.
type Stats struct {
	GlobalCount        int `json:"globalCount"`
	GlobalLimit        int `json:"globalLimit"`
	GlobalUsagePercent int `json:"globalUsagePercent"`
	OwnerCount         int `json:"ownerCount"`
	PerOwnerLimit      int `json:"perOwnerLimit"`
}

// Limiter tracks active streams globally and per owner.
// Every registered stream belongs to exactly one owner.
type Limiter struct {
	globalLimit   int
	perOwnerLimit int
	resolve       LimitResolver
	bus           *events.Bus
	logger        *slog.Logger

	mu     sync.Mutex
	owner  map[string]string              // stream id -> owner id
	owners map[string]map[string]struct{} // owner id -> stream ids
}

// Option configures a Limiter.
type Option func(*Limiter)

// WithResolver sets the per-owner limit lookup.
func WithResolver(resolve LimitResolver) Option {
	return func(l *Limiter) { l.resolve = resolve }
}

// WithEventBus publishes rejections on bus.
func WithEventBus(bus *events.Bus) Option {
	return func(l *Limiter) { l.bus = bus }
}

// WithLogger overrides the module logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// NewLimiter creates a Limiter. Non-positive limits take the defaults.
func NewLimiter(globalLimit, perOwnerLimit int, opts ...Option) *Limiter {
	if globalLimit <= 0 {
		globalLimit = DefaultGlobalLimit
	}
	if perOwnerLimit <= 0 {
		perOwnerLimit = DefaultPerOwnerLimit
	}
	l := &Limiter{
		globalLimit:   globalLimit,
		perOwnerLimit: perOwnerLimit,
		logger:        logging.GetLogger("admission"),
		owner:         make(map[string]string),
		owners:        make(map[string]map[string]struct{}),
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger.Info("Limiter initialized", "global_limit", globalLimit, "per_owner_limit", perOwnerLimit)
	return l
}

// CanStart reports whether ownerID may start one more stream. The global
// ceiling is checked before the owner's. The answer is advisory: use
// TryRegister to claim the slot.
func (l *Limiter) CanStart(ownerID string) Decision {
	limit := l.ownerLimit(ownerID)

	l.mu.Lock()
	global := len(l.owner)
	count := len(l.owners[ownerID])
	l.mu.Unlock()

	d := l.check(global, count, limit)
	l.report(ownerID, d, global, count, limit)
	return d
}

// TryRegister admits streamID for ownerID and registers it in one step, so
// concurrent starts cannot overshoot either ceiling. A stream that is
// already registered does not count against itself.
func (l *Limiter) TryRegister(streamID, ownerID string) Decision {
	limit := l.ownerLimit(ownerID)

	l.mu.Lock()
	global := len(l.owner)
	count := len(l.owners[ownerID])
	if prev, ok := l.owner[streamID]; ok {
		global--
		if prev == ownerID {
			count--
		}
	}
	d := l.check(global, count, limit)
	if d.Allowed {
		l.addLocked(streamID, ownerID)
	}
	l.mu.Unlock()

	l.report(ownerID, d, global, count, limit)
	return d
}

func (l *Limiter) check(global, count, limit int) Decision {
	if global >= l.globalLimit {
		reason := fmt.Sprintf("Server at maximum capacity (%d streams). Please try again later.", l.globalLimit)
		return Decision{Reason: reason, Scope: ScopeGlobal}
	}
	if count >= limit {
		reason := fmt.Sprintf("You have reached your concurrent stream limit (%d/%d streams active). Please stop a stream before starting a new one.", count, limit)
		return Decision{Reason: reason, Scope: ScopeOwner}
	}
	return Decision{Allowed: true}
}

// report logs the decision and publishes rejections. Called without l.mu.
func (l *Limiter) report(ownerID string, d Decision, global, count, limit int) {
	switch {
	case d.Allowed:
		l.logger.Debug("Stream allowed", "owner_id", ownerID, "global", global, "owner_count", count, "owner_limit", limit)
	case d.Scope == ScopeGlobal:
		l.reject(ownerID, ScopeGlobal, "global", global, "global_limit", l.globalLimit)
	default:
		l.reject(ownerID, ScopeOwner, "owner_count", count, "owner_limit", limit)
	}
}

func (l *Limiter) reject(ownerID, scope string, attrs ...any) {
	l.logger.Warn("Stream rejected", append([]any{"owner_id", ownerID, "scope", scope}, attrs...)...)
	l.bus.Publish(events.AdmissionRejectedEvent{
		OwnerID:   ownerID,
		Scope:     scope,
		Timestamp: time.Now().Format(time.RFC3339),
	})
}

// ownerLimit resolves the ceiling for an owner, falling back to the default
// for missing or nonsensical values.
func (l *Limiter) ownerLimit(ownerID string) int {
	if l.resolve == nil {
		return l.perOwnerLimit
	}
	limit, ok := l.resolve(ownerID)
	if !ok || limit < 0 {
		return l.perOwnerLimit
	}
	return limit
}

// Register records streamID as active for ownerID. A stream already
// registered under another owner is moved.
func (l *Limiter) Register(streamID, ownerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.addLocked(streamID, ownerID)
}

func (l *Limiter) addLocked(streamID, ownerID string) {
	if prev, ok := l.owner[streamID]; ok && prev != ownerID {
		l.removeLocked(streamID, prev)
	}
	l.owner[streamID] = ownerID
	set, ok := l.owners[ownerID]
	if !ok {
		set = make(map[string]struct{})
		l.owners[ownerID] = set
	}
	set[streamID] = struct{}{}

	l.logger.Debug("Stream registered", "stream_id", streamID, "owner_id", ownerID,
		"owner_count", len(set), "global", len(l.owner))
}

// Unregister releases streamID. Unknown ids are ignored.
func (l *Limiter) Unregister(streamID string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	ownerID, ok := l.owner[streamID]
	if !ok {
		return
	}
	l.removeLocked(streamID, ownerID)
	l.logger.Debug("Stream unregistered", "stream_id", streamID, "owner_id", ownerID, "global", len(l.owner))
}

func (l *Limiter) removeLocked(streamID, ownerID string) {
	delete(l.owner, streamID)
	if set, ok := l.owners[ownerID]; ok {
		delete(set, streamID)
		if len(set) == 0 {
			delete(l.owners, ownerID)
		}
	}
}

// IsRegistered reports whether streamID currently counts against the limits.
func (l *Limiter) IsRegistered(streamID string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.owner[streamID]
	return ok
}

// ActiveByOwner lists the owner's registered stream ids in sorted order.
func (l *Limiter) ActiveByOwner(ownerID string) []string {
	l.mu.Lock()
	ids := make([]string, 0, len(l.owners[ownerID]))
	for id := range l.owners[ownerID] {
		ids = append(ids, id)
	}
	l.mu.Unlock()
	sort.Strings(ids)
	return ids
}

// GetStats returns occupancy. With a non-empty ownerID, OwnerCount and
// PerOwnerLimit describe that owner; otherwise OwnerCount is the number of
// owners with at least one active stream.
func (l *Limiter) GetStats(ownerID string) Stats {
	limit := l.perOwnerLimit
	if ownerID != "" {
		limit = l.ownerLimit(ownerID)
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	global := len(l.owner)
	stats := Stats{
		GlobalCount:        global,
		GlobalLimit:        l.globalLimit,
		GlobalUsagePercent: int(math.Round(float64(global) / float64(l.globalLimit) * 100)),
		OwnerCount:         len(l.owners),
		PerOwnerLimit:      limit,
	}
	if ownerID != "" {
		stats.OwnerCount = len(l.owners[ownerID])
	}
	return stats
}

// Reset drops every registration.
func (l *Limiter) Reset() {
	l.mu.Lock()
	l.owner = make(map[string]string)
	l.owners = make(map[string]map[string]struct{})
	l.mu.Unlock()
}
