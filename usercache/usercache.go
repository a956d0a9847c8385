// Package usercache provides the run-scoped, bounded, read-through user cache.
package usercache

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"

	"forum-notifier/pkg/notifier"

	"github.com/patrickmn/go-cache"
	"golang.org/x/sync/singleflight"
)

// DefaultMaxFull is the number of full records kept before new ones are stored minimal.
const DefaultMaxFull = 5000

// ErrUserNotFound is returned by a Directory for unknown users.
var ErrUserNotFound = errors.New("user not found")

// Directory fetches user records.
type Directory interface {
	User(ctx context.Context, id int64) (*notifier.UserRecord, error)
}

// Preferences looks up per-forum digest overrides. ok is false when the user
// has no override for the forum.
type Preferences interface {
	ForumDigest(ctx context.Context, userID, forumID int64) (mode notifier.DigestMode, ok bool, err error)
}

// Cache is safe for concurrent use. Create one per pipeline run.
type Cache struct {
	dir     Directory
	prefs   Preferences
	logger  *slog.Logger
	records *cache.Cache
	modes   *cache.Cache
	group   singleflight.Group
	mu      sync.Mutex
	maxFull int
	full    int
	minimal int
}

// New creates a cache. maxFull <= 0 selects DefaultMaxFull.
func New(dir Directory, prefs Preferences, maxFull int, logger *slog.Logger) *Cache {
	if maxFull <= 0 {
		maxFull = DefaultMaxFull
	}
	return &Cache{
		dir:     dir,
		prefs:   prefs,
		logger:  logger,
		records: cache.New(cache.NoExpiration, 0),
		modes:   cache.New(cache.NoExpiration, 0),
		maxFull: maxFull,
	}
}

// Get returns a full record for id. Records stored in minimal form are
// refetched on every call and not retained.
func (c *Cache) Get(ctx context.Context, id int64) (*notifier.UserRecord, error) {
	key := strconv.FormatInt(id, 10)
	if v, ok := c.records.Get(key); ok {
		if rec := v.(*notifier.UserRecord); !rec.Minimal {
			return rec, nil
		}
		return c.fetch(ctx, id)
	}

	v, err, _ := c.group.Do(key, func() (any, error) {
		// Another caller may have populated the key while we waited.
		if v, ok := c.records.Get(key); ok {
			if rec := v.(*notifier.UserRecord); !rec.Minimal {
				return rec, nil
			}
			return c.fetch(ctx, id)
		}

		rec, err := c.fetch(ctx, id)
		if err != nil {
			return nil, err
		}

		c.mu.Lock()
		defer c.mu.Unlock()
		if c.full < c.maxFull {
			c.records.Set(key, rec, cache.NoExpiration)
			c.full++
		} else {
			c.records.Set(key, &notifier.UserRecord{ID: id, Minimal: true}, cache.NoExpiration)
			c.minimal++
		}
		return rec, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*notifier.UserRecord), nil
}

func (c *Cache) fetch(ctx context.Context, id int64) (*notifier.UserRecord, error) {
	rec, err := c.dir.User(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("fetch user %d: %w", id, err)
	}
	// Never hand out the directory's pointer: callers must not see the minimal flag flip.
	cp := *rec
	cp.Minimal = false
	return &cp, nil
}

// DigestMode resolves the user's digest preference for a forum, falling back
// to the user's global default. Results are memoised for the run.
func (c *Cache) DigestMode(ctx context.Context, userID, forumID int64) (notifier.DigestMode, error) {
	key := strconv.FormatInt(userID, 10) + ":" + strconv.FormatInt(forumID, 10)
	if v, ok := c.modes.Get(key); ok {
		return v.(notifier.DigestMode), nil
	}

	v, err, _ := c.group.Do("mode:"+key, func() (any, error) {
		mode, ok, err := c.prefs.ForumDigest(ctx, userID, forumID)
		if err != nil {
			c.logger.Warn("Digest preference lookup failed, using global default",
				"user_id", userID, "forum_id", forumID, "error", err)
			ok = false
		}
		if !ok {
			user, uerr := c.Get(ctx, userID)
			if uerr != nil {
				return nil, uerr
			}
			mode = user.MailDigest
		}
		c.modes.Set(key, mode, cache.NoExpiration)
		return mode, nil
	})
	if err != nil {
		return notifier.DigestOff, err
	}
	return v.(notifier.DigestMode), nil
}

// Stats returns the number of full and minimal records stored.
func (c *Cache) Stats() (full, minimal int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.full, c.minimal
}
