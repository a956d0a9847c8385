// Package collect finds posts that are ready to be mailed and claims them for dispatch.
package collect

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"forum-notifier/pkg/notifier"
)

// Store is the post table as seen by the collector.
type Store interface {
	// PendingPosts returns pending posts created in [start, end), flagged for
	// immediate mailing, or whose discussion is released inside the window.
	PendingPosts(ctx context.Context, start, end time.Time) ([]*notifier.NotificationItem, error)
	// ClaimPosts flips pending posts to dispatching and returns the IDs it flipped.
	// On error the returned IDs are the ones already flipped.
	ClaimPosts(ctx context.Context, ids []int64) ([]int64, error)
}

// Collector claims ready posts.
type Collector struct {
	store  Store
	logger *slog.Logger
}

// New creates a collector.
func New(store Store, logger *slog.Logger) *Collector {
	return &Collector{store: store, logger: logger}
}

// Collect returns the claimed items ordered by modification time.
// Items in a discussion outside its release window are left pending.
func (c *Collector) Collect(ctx context.Context, windowStart, windowEnd, now time.Time) ([]*notifier.NotificationItem, error) {
	candidates, err := c.store.PendingPosts(ctx, windowStart, windowEnd)
	if err != nil {
		return nil, fmt.Errorf("read pending posts: %w", err)
	}

	byID := make(map[int64]*notifier.NotificationItem, len(candidates))
	ids := make([]int64, 0, len(candidates))
	hidden := 0
	for _, it := range candidates {
		if !it.Discussion.Released(now) {
			hidden++
			continue
		}
		if _, dup := byID[it.Post.ID]; dup {
			continue
		}
		byID[it.Post.ID] = it
		ids = append(ids, it.Post.ID)
	}
	if len(ids) == 0 {
		c.logger.Info("No posts to collect", "candidates", len(candidates), "unreleased", hidden)
		return nil, nil
	}

	claimed, err := c.store.ClaimPosts(ctx, ids)
	if err != nil {
		// Whatever was flipped is ours; the rest stays pending for the next run.
		c.logger.Error("Partial claim of pending posts",
			"requested", len(ids), "claimed", len(claimed), "error", err)
	}

	items := make([]*notifier.NotificationItem, 0, len(claimed))
	for _, id := range claimed {
		it, ok := byID[id]
		if !ok {
			continue
		}
		it.Post.State = notifier.StateDispatching
		items = append(items, it)
	}
	sort.Slice(items, func(i, j int) bool {
		a, b := items[i].Post, items[j].Post
		if !a.Modified.Equal(b.Modified) {
			return a.Modified.Before(b.Modified)
		}
		return a.ID < b.ID
	})

	c.logger.Info("Collected posts",
		"candidates", len(candidates), "unreleased", hidden, "claimed", len(items),
		"window_start", windowStart, "window_end", windowEnd)
	return items, nil
}

// Window returns the collection window ending maxEditing before now.
func Window(now time.Time, maxEditing, lookback time.Duration) (start, end time.Time) {
	end = now.Add(-maxEditing)
	return end.Add(-lookback), end
}
