package authority

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"

	"bingorelay/pkg/types"
)

// SessionSource is where snapshots come from on a cache miss.
type SessionSource interface {
	Session(ctx context.Context, sessionID string) (*types.SessionSnapshot, error)
}

// Validator answers membership and role questions from a TTL cache of
// authority snapshots. Entries are replaced wholesale on refresh and
// negative results are never cached, so an unreachable authority means no
// new connections are trusted while already-cached sessions keep working
// until their TTL lapses.
type Validator struct {
	source SessionSource
	ttl    time.Duration

	mu    sync.RWMutex
	cache map[string]cacheEntry
	group singleflight.Group

	now func() time.Time
	log zerolog.Logger
}

type cacheEntry struct {
	snapshot  *types.SessionSnapshot
	expiresAt time.Time
}

// NewValidator builds a validator caching snapshots for ttl.
func NewValidator(source SessionSource, ttl time.Duration, logger zerolog.Logger) *Validator {
	return &Validator{
		source: source,
		ttl:    ttl,
		cache:  make(map[string]cacheEntry),
		now:    time.Now,
		log:    logger.With().Str("component", "validator").Logger(),
	}
}

// session returns a live snapshot, fetching on miss or expiry. Concurrent
// misses for the same session collapse into a single authority call.
func (v *Validator) session(ctx context.Context, sessionID string) (*types.SessionSnapshot, error) {
	v.mu.RLock()
	entry, ok := v.cache[sessionID]
	v.mu.RUnlock()
	if ok && v.now().Before(entry.expiresAt) {
		return entry.snapshot, nil
	}

	result, err, _ := v.group.Do(sessionID, func() (interface{}, error) {
		snapshot, err := v.source.Session(ctx, sessionID)
		if err != nil {
			return nil, err
		}
		if snapshot != nil {
			v.mu.Lock()
			v.cache[sessionID] = cacheEntry{snapshot: snapshot, expiresAt: v.now().Add(v.ttl)}
			v.mu.Unlock()
		}
		return snapshot, nil
	})
	if err != nil {
		return nil, err
	}
	snapshot, _ := result.(*types.SessionSnapshot)
	return snapshot, nil
}

// ValidateSession reports whether the session exists and lists the player.
// Authority failures are surfaced so admission can reject with a
// server-error status rather than an unauthorized one.
func (v *Validator) ValidateSession(ctx context.Context, sessionID, playerID string) (bool, error) {
	snapshot, err := v.session(ctx, sessionID)
	if err != nil {
		v.log.Error().Err(err).Str("session", sessionID).Msg("session lookup failed")
		return false, err
	}
	if snapshot == nil {
		return false, nil
	}
	return snapshot.HasPlayer(playerID), nil
}

// ValidatePlayer is the mid-session membership check. It fails closed: any
// lookup failure reads as not-a-member.
func (v *Validator) ValidatePlayer(ctx context.Context, sessionID, playerID string) bool {
	snapshot, err := v.session(ctx, sessionID)
	if err != nil {
		v.log.Warn().Err(err).Str("session", sessionID).Msg("player check failed closed")
		return false
	}
	return snapshot != nil && snapshot.HasPlayer(playerID)
}

// IsGameMaster reports whether the player is the session's recorded game
// master. Fails closed like ValidatePlayer.
func (v *Validator) IsGameMaster(ctx context.Context, sessionID, playerID string) bool {
	snapshot, err := v.session(ctx, sessionID)
	if err != nil {
		v.log.Warn().Err(err).Str("session", sessionID).Msg("GM check failed closed")
		return false
	}
	return snapshot != nil && snapshot.GMID == playerID
}

// ClearCache drops every cached snapshot.
func (v *Validator) ClearCache() {
	v.mu.Lock()
	v.cache = make(map[string]cacheEntry)
	v.mu.Unlock()
}

// ClearSessionCache drops one session's snapshot, forcing the next check to
// consult the authority.
func (v *Validator) ClearSessionCache(sessionID string) {
	v.mu.Lock()
	delete(v.cache, sessionID)
	v.mu.Unlock()
}
