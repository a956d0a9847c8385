// Package digest aggregates queued posts into one daily message per user.
package digest

import (
	"cmp"
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"forum-notifier/metrics"
	"forum-notifier/pkg/notifier"

	"golang.org/x/sync/errgroup"
)

// DefaultRetention is how long an undelivered entry is kept.
const DefaultRetention = 7 * 24 * time.Hour

// Queue is the pending digest table.
type Queue interface {
	PurgeDigest(ctx context.Context, before time.Time) (int64, error)
	PendingDigest(ctx context.Context, before time.Time) ([]notifier.PendingDigestEntry, error)
	// ConsumeDigest deletes the given entries of one user only if deliver returns nil.
	ConsumeDigest(ctx context.Context, userID int64, entryIDs []int64, deliver func(context.Context) error) error
}

// Posts loads the posts referenced by queued entries.
type Posts interface {
	Items(ctx context.Context, postIDs []int64) (map[int64]*notifier.NotificationItem, error)
}

// State persists the time of the last digest run.
type State interface {
	LastDigestRun(ctx context.Context) (time.Time, error)
	SetLastDigestRun(ctx context.Context, t time.Time) error
}

// Users resolves recipients and their per-forum digest preference.
type Users interface {
	Get(ctx context.Context, id int64) (*notifier.UserRecord, error)
	DigestMode(ctx context.Context, userID, forumID int64) (notifier.DigestMode, error)
}

// Mailer sends a rendered digest.
type Mailer interface {
	Digest(ctx context.Context, user *notifier.UserRecord, d *notifier.Digest) error
}

// ReadTracker marks posts read for a user.
type ReadTracker interface {
	MarkRead(ctx context.Context, userID, postID int64) error
}

// Config controls the digest phase.
type Config struct {
	Location     *time.Location
	Hour         int
	Retention    time.Duration
	SendTimeout  time.Duration
	Workers      int
	AutoMarkRead bool
}

// Report summarises one invocation of Run.
type Report struct {
	Target   time.Time `json:"target"`
	Ran      bool      `json:"ran"`
	Purged   int64     `json:"purged"`
	Users    int       `json:"users"`
	Sent     int       `json:"sent"`
	Failed   int       `json:"failed"`
	Posts    int       `json:"posts"`
	Orphaned int       `json:"orphaned"`
}

// Aggregator runs the daily digest.
type Aggregator struct {
	queue   Queue
	posts   Posts
	state   State
	users   Users
	mailer  Mailer
	reads   ReadTracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
}

// New creates an aggregator. m and reads may be nil.
func New(queue Queue, posts Posts, state State, users Users, mailer Mailer, reads ReadTracker,
	m *metrics.Metrics, cfg Config, logger *slog.Logger,
) *Aggregator {
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if cfg.Retention <= 0 {
		cfg.Retention = DefaultRetention
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	return &Aggregator{
		queue:   queue,
		posts:   posts,
		state:   state,
		users:   users,
		mailer:  mailer,
		reads:   reads,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
	}
}

// Run purges expired entries and, once per day after the target time, sends
// every user their digest. Only a failure to read the last run time is returned.
func (a *Aggregator) Run(ctx context.Context, now time.Time) (*Report, error) {
	last, err := a.state.LastDigestRun(ctx)
	if err != nil {
		return nil, fmt.Errorf("read last digest run: %w", err)
	}

	rep := &Report{Target: TargetTime(now, a.cfg.Location, a.cfg.Hour)}

	purged, err := a.queue.PurgeDigest(ctx, now.Add(-a.cfg.Retention))
	if err != nil {
		a.logger.Error("Failed to purge expired digest entries", "error", err)
	} else {
		rep.Purged = purged
		a.metrics.Purged(purged)
		if purged > 0 {
			a.logger.Info("Purged expired digest entries", "count", purged, "retention", a.cfg.Retention)
		}
	}

	if !Due(last, now, a.cfg.Location, a.cfg.Hour) {
		a.logger.Debug("Digest not due", "last_run", last, "target", rep.Target)
		return rep, nil
	}
	rep.Ran = true

	// Entries queued after the target wait for tomorrow.
	entries, err := a.queue.PendingDigest(ctx, rep.Target)
	if err != nil {
		a.logger.Error("Failed to load pending digest entries", "error", err)
		return rep, nil
	}

	byUser := make(map[int64][]notifier.PendingDigestEntry)
	var postIDs []int64
	seen := make(map[int64]bool)
	for _, e := range entries {
		byUser[e.UserID] = append(byUser[e.UserID], e)
		if !seen[e.PostID] {
			seen[e.PostID] = true
			postIDs = append(postIDs, e.PostID)
		}
	}

	var items map[int64]*notifier.NotificationItem
	if len(postIDs) > 0 {
		items, err = a.posts.Items(ctx, postIDs)
		if err != nil {
			a.logger.Error("Failed to load digest posts", "posts", len(postIDs), "error", err)
			return rep, nil
		}
	}

	userIDs := make([]int64, 0, len(byUser))
	for id := range byUser {
		userIDs = append(userIDs, id)
	}
	slices.Sort(userIDs)
	rep.Users = len(userIDs)

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(a.cfg.Workers)
	for _, uid := range userIDs {
		g.Go(func() error {
			posts, orphaned, err := a.deliver(gctx, uid, byUser[uid], items)
			a.metrics.Digest(err)
			mu.Lock()
			defer mu.Unlock()
			rep.Orphaned += orphaned
			if err != nil {
				a.logger.Warn("Failed to deliver digest, entries kept for next run",
					"user_id", uid, "entries", len(byUser[uid]), "error", err)
				rep.Failed++
				return nil
			}
			if posts > 0 {
				rep.Sent++
				rep.Posts += posts
			}
			return nil
		})
	}
	_ = g.Wait()

	if err := a.state.SetLastDigestRun(ctx, now); err != nil {
		a.logger.Error("Failed to persist last digest run", "error", err)
	}

	a.logger.Info("Digest run complete",
		"target", rep.Target, "users", rep.Users, "sent", rep.Sent,
		"failed", rep.Failed, "posts", rep.Posts, "orphaned", rep.Orphaned)
	return rep, nil
}

// deliver builds, sends and consumes one user's digest. It returns the number
// of posts sent and of entries whose post no longer exists.
func (a *Aggregator) deliver(ctx context.Context, userID int64, entries []notifier.PendingDigestEntry,
	items map[int64]*notifier.NotificationItem,
) (int, int, error) {
	ids := make([]int64, 0, len(entries))
	for _, e := range entries {
		ids = append(ids, e.ID)
	}

	d, orphaned, err := a.Build(ctx, userID, entries, items)
	if err != nil {
		return 0, 0, err
	}
	n := d.PostCount()
	if n == 0 {
		// Nothing left to send; drop the orphaned entries.
		err := a.queue.ConsumeDigest(ctx, userID, ids, func(context.Context) error { return nil })
		return 0, orphaned, err
	}

	user, err := a.users.Get(ctx, userID)
	if err != nil {
		return 0, orphaned, err
	}
	if !user.Deliverable() {
		return 0, orphaned, fmt.Errorf("user %d is not deliverable", userID)
	}

	err = a.queue.ConsumeDigest(ctx, userID, ids, func(ctx context.Context) error {
		if a.cfg.SendTimeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, a.cfg.SendTimeout)
			defer cancel()
		}
		return a.mailer.Digest(ctx, user, d)
	})
	if err != nil {
		return 0, orphaned, err
	}

	if a.cfg.AutoMarkRead && user.AutoMarkRead && a.reads != nil {
		for _, dd := range d.Discussions {
			for _, p := range dd.Posts {
				if err := a.reads.MarkRead(ctx, userID, p.ID); err != nil {
					a.logger.Warn("Failed to mark post read", "user_id", userID, "post_id", p.ID, "error", err)
				}
			}
		}
	}
	return n, orphaned, nil
}

// Build groups a user's entries by discussion. Discussions are ordered by
// their earliest post and posts by creation time. Entries whose post is
// missing from items are counted as orphaned.
func (a *Aggregator) Build(ctx context.Context, userID int64, entries []notifier.PendingDigestEntry,
	items map[int64]*notifier.NotificationItem,
) (*notifier.Digest, int, error) {
	byDiscussion := make(map[int64]*notifier.DigestDiscussion)
	seen := make(map[int64]bool)
	orphaned := 0
	for _, e := range entries {
		it, ok := items[e.PostID]
		if !ok {
			orphaned++
			continue
		}
		if seen[e.PostID] {
			continue
		}
		seen[e.PostID] = true

		dd, ok := byDiscussion[it.Discussion.ID]
		if !ok {
			mode, err := a.users.DigestMode(ctx, userID, it.Forum.ID)
			if err != nil {
				return nil, orphaned, fmt.Errorf("digest mode for forum %d: %w", it.Forum.ID, err)
			}
			if mode == notifier.DigestOff {
				mode = notifier.DigestFull
			}
			dd = &notifier.DigestDiscussion{Forum: it.Forum, Discussion: it.Discussion, Mode: mode}
			byDiscussion[it.Discussion.ID] = dd
		}
		dd.Posts = append(dd.Posts, it.Post)
	}

	d := &notifier.Digest{Discussions: make([]*notifier.DigestDiscussion, 0, len(byDiscussion))}
	for _, dd := range byDiscussion {
		slices.SortFunc(dd.Posts, comparePosts)
		d.Discussions = append(d.Discussions, dd)
	}
	slices.SortFunc(d.Discussions, func(x, y *notifier.DigestDiscussion) int {
		if c := comparePosts(x.Posts[0], y.Posts[0]); c != 0 {
			return c
		}
		return cmp.Compare(x.Discussion.ID, y.Discussion.ID)
	})
	return d, orphaned, nil
}

func comparePosts(x, y *notifier.Post) int {
	if c := x.Created.Compare(y.Created); c != 0 {
		return c
	}
	return cmp.Compare(x.ID, y.ID)
}
