// Package langhist persists per-channel and per-user language histograms in
// Redis. A histogram maps language codes to how often that language was
// observed in finished transcripts; reads are tolerant and return an empty
// map on any error so callers never need to branch on store health.
package langhist

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"
)

// TTL is refreshed on every write; idle histograms fade out after 30 days.
const TTL = 30 * 24 * time.Hour

// Store reads and bumps language histograms.
type Store struct {
	rdb redis.UniversalClient
}

// NewStore creates a histogram store backed by rdb.
func NewStore(rdb redis.UniversalClient) *Store {
	return &Store{rdb: rdb}
}

func channelKey(channelID string) string { return "langhist:channel:" + channelID }
func userKey(userID string) string       { return "langhist:user:" + userID }

// Channel returns the histogram for a channel. Never nil.
func (s *Store) Channel(ctx context.Context, channelID string) map[string]int {
	return s.getJSON(ctx, channelKey(channelID))
}

// User returns the histogram for a user. Never nil.
func (s *Store) User(ctx context.Context, userID string) map[string]int {
	return s.getJSON(ctx, userKey(userID))
}

// BumpChannel increments the count of code in the channel histogram.
func (s *Store) BumpChannel(ctx context.Context, channelID, code string) {
	s.bump(ctx, channelKey(channelID), code)
}

// BumpUser increments the count of code in the user histogram.
func (s *Store) BumpUser(ctx context.Context, userID, code string) {
	s.bump(ctx, userKey(userID), code)
}

func (s *Store) bump(ctx context.Context, key, code string) {
	hist := s.getJSON(ctx, key)
	hist[code]++

	data, err := json.Marshal(hist)
	if err != nil {
		slog.Warn("langhist: marshal failed", "key", key, "err", err)
		return
	}
	if err := s.rdb.Set(ctx, key, data, TTL).Err(); err != nil {
		slog.Warn("langhist: write failed", "key", key, "err", err)
	}
}

// getJSON reads a histogram value. Missing keys, store errors and malformed
// values all yield an empty map.
func (s *Store) getJSON(ctx context.Context, key string) map[string]int {
	raw, err := s.rdb.Get(ctx, key).Bytes()
	if err != nil {
		return map[string]int{}
	}
	var hist map[string]int
	if err := json.Unmarshal(raw, &hist); err != nil || hist == nil {
		return map[string]int{}
	}
	return hist
}
