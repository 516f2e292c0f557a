// Package quota enforces the per-day speech-recognition seconds budget.
// Counters live in Redis under date-scoped keys and expire shortly after
// local midnight; reservation is a single server-side Lua script so the
// read-compare-increment-expire sequence is indivisible under concurrency.
package quota

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// Scope selects how quota keys are partitioned.
type Scope string

const (
	// ScopeUser keys the budget per user across all guilds.
	ScopeUser Scope = "user"

	// ScopeGuildUser keys the budget per (guild, user) pair.
	ScopeGuildUser Scope = "guild_user"
)

// IsValid reports whether s is a recognised quota scope.
func (s Scope) IsValid() bool {
	return s == ScopeUser || s == ScopeGuildUser
}

// reserveScript atomically checks the daily counter against the limit and
// increments it when within budget. Returns -1 when the reservation would
// exceed the limit, otherwise the new counter value.
var reserveScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local limit = tonumber(ARGV[2])
local ttl = tonumber(ARGV[3])
if cur + delta > limit then
  return -1
end
local newv = redis.call('INCRBY', KEYS[1], delta)
if ttl > 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return newv
`)

// refundScript decrements the counter, clamping at zero, and re-asserts the
// TTL when the key survived without one.
var refundScript = redis.NewScript(`
local cur = tonumber(redis.call('GET', KEYS[1]) or '0')
local delta = tonumber(ARGV[1])
local ttl = tonumber(ARGV[2])
local newv = cur - delta
if newv < 0 then
  newv = 0
end
redis.call('SET', KEYS[1], newv)
if ttl > 0 and redis.call('TTL', KEYS[1]) < 0 then
  redis.call('EXPIRE', KEYS[1], ttl)
end
return newv
`)

// Store tracks daily reserved seconds in Redis.
type Store struct {
	rdb        redis.UniversalClient
	tz         *time.Location
	scope      Scope
	failClosed bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithScope sets the key partitioning scheme. The default is ScopeUser.
func WithScope(s Scope) StoreOption {
	return func(st *Store) {
		if s.IsValid() {
			st.scope = s
		}
	}
}

// WithFailClosed makes TryReserve deny requests when Redis is unreachable.
// The default is fail-open: the quota is a courtesy limit, not a security
// boundary, and denying service during an infrastructure outage is worse
// than briefly over-serving.
func WithFailClosed(v bool) StoreOption {
	return func(st *Store) { st.failClosed = v }
}

// NewStore creates a quota store. tz determines where "today" rolls over;
// when nil, time.Local is used.
func NewStore(rdb redis.UniversalClient, tz *time.Location, opts ...StoreOption) *Store {
	if tz == nil {
		tz = time.Local
	}
	st := &Store{rdb: rdb, tz: tz, scope: ScopeUser}
	for _, o := range opts {
		o(st)
	}
	return st
}

// Key returns the Redis key for today's counter for the given user and guild.
func (s *Store) Key(user, guild string) string {
	return s.keyAt(user, guild, time.Now().In(s.tz))
}

func (s *Store) keyAt(user, guild string, now time.Time) string {
	date := now.Format("20060102")
	if s.scope == ScopeGuildUser && guild != "" {
		return fmt.Sprintf("stt:sec:%s:%s:%s", date, guild, user)
	}
	return fmt.Sprintf("stt:sec:%s:%s", date, user)
}

// TryReserve atomically reserves seconds against the daily limit. It returns
// false only when the reservation would exceed limit; on Redis errors the
// configured failure policy applies (fail-open by default).
func (s *Store) TryReserve(ctx context.Context, user, guild string, seconds, limit int) bool {
	now := time.Now().In(s.tz)
	key := s.keyAt(user, guild, now)
	ttl := SecondsUntilMidnight(now) + 60

	res, err := reserveScript.Run(ctx, s.rdb, []string{key}, seconds, limit, ttl).Int64()
	if err != nil {
		slog.Warn("quota: reserve script failed", "key", key, "err", err, "fail_closed", s.failClosed)
		return !s.failClosed
	}
	return res >= 0
}

// Refund returns previously reserved seconds to the budget. The counter is
// clamped at zero so a stray double refund cannot go negative. Errors are
// logged and swallowed; refunds are best effort.
func (s *Store) Refund(ctx context.Context, user, guild string, seconds int) {
	now := time.Now().In(s.tz)
	key := s.keyAt(user, guild, now)
	ttl := SecondsUntilMidnight(now) + 60

	if err := refundScript.Run(ctx, s.rdb, []string{key}, seconds, ttl).Err(); err != nil {
		slog.Warn("quota: refund script failed", "key", key, "seconds", seconds, "err", err)
	}
}

// GetUsed reads today's consumed seconds. Best effort: 0 on any store error.
func (s *Store) GetUsed(ctx context.Context, user, guild string) int {
	key := s.Key(user, guild)
	v, err := s.rdb.Get(ctx, key).Int()
	if err != nil {
		return 0
	}
	return v
}

// Ping reports whether the backing Redis is reachable. Used by readiness
// checks.
func (s *Store) Ping(ctx context.Context) error {
	return s.rdb.Ping(ctx).Err()
}

// SecondsUntilMidnight returns the whole seconds remaining until the next
// local midnight after now.
func SecondsUntilMidnight(now time.Time) int {
	next := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location()).AddDate(0, 0, 1)
	d := next.Sub(now)
	if d < 0 {
		return 0
	}
	return int(d.Seconds())
}
