// Package route sends a post to its eligible recipients or queues it for their digest.
package route

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"forum-notifier/metrics"
	"forum-notifier/pkg/notifier"

	"golang.org/x/sync/errgroup"
)

// Users resolves recipients and their digest preference.
type Users interface {
	Get(ctx context.Context, id int64) (*notifier.UserRecord, error)
	DigestMode(ctx context.Context, userID, forumID int64) (notifier.DigestMode, error)
}

// Mailer sends a single post notification.
type Mailer interface {
	Notify(ctx context.Context, user *notifier.UserRecord, item *notifier.NotificationItem) error
}

// Queue stores pending digest entries.
type Queue interface {
	Enqueue(ctx context.Context, entries []notifier.PendingDigestEntry) error
}

// ReadTracker marks posts read for a user.
type ReadTracker interface {
	MarkRead(ctx context.Context, userID, postID int64) error
}

// Config controls delivery.
type Config struct {
	SendTimeout  time.Duration // per recipient; zero means no limit
	Workers      int           // concurrent sends; <= 0 means 1
	AutoMarkRead bool          // installation-wide switch
	Now          func() time.Time
}

// Result summarises routing of one item.
type Result struct {
	Immediate []int64
	Queued    []int64
	Sent      int
	Enqueued  int
	Failed    int
}

// Delivered reports whether at least one recipient was sent or queued.
func (r Result) Delivered() bool {
	return r.Sent+r.Enqueued > 0
}

// Router is safe for concurrent use.
type Router struct {
	users   Users
	mailer  Mailer
	queue   Queue
	reads   ReadTracker
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
}

// New creates a router. m may be nil.
func New(users Users, mailer Mailer, queue Queue, reads ReadTracker, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Router {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Router{
		users:   users,
		mailer:  mailer,
		queue:   queue,
		reads:   reads,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     cfg.Now,
	}
}

// Route splits eligible users by digest preference, queues the digest users
// and mails the others. Per-recipient failures are counted, never returned.
func (r *Router) Route(ctx context.Context, item *notifier.NotificationItem, eligible []int64) (Result, error) {
	var res Result
	for _, id := range eligible {
		mode, err := r.users.DigestMode(ctx, id, item.Forum.ID)
		if err != nil {
			r.logger.Warn("Could not resolve digest preference, skipping recipient",
				"user_id", id, "post_id", item.Post.ID, "error", err)
			res.Failed++
			continue
		}
		if mode == notifier.DigestOff {
			res.Immediate = append(res.Immediate, id)
		} else {
			res.Queued = append(res.Queued, id)
		}
	}

	if err := ctx.Err(); err != nil {
		return res, err
	}

	r.enqueue(ctx, item, &res)
	r.send(ctx, item, &res)

	r.logger.Info("Routed post",
		"post_id", item.Post.ID, "discussion_id", item.Discussion.ID,
		"sent", res.Sent, "enqueued", res.Enqueued, "failed", res.Failed)
	return res, nil
}

func (r *Router) enqueue(ctx context.Context, item *notifier.NotificationItem, res *Result) {
	if len(res.Queued) == 0 {
		return
	}
	now := r.now()
	entries := make([]notifier.PendingDigestEntry, 0, len(res.Queued))
	for _, id := range res.Queued {
		entries = append(entries, notifier.PendingDigestEntry{
			EnqueuedAt:   now,
			UserID:       id,
			ForumID:      item.Forum.ID,
			DiscussionID: item.Discussion.ID,
			PostID:       item.Post.ID,
		})
	}
	err := r.queue.Enqueue(ctx, entries)
	for range res.Queued {
		r.metrics.Delivery("queued", err)
	}
	if err != nil {
		r.logger.Error("Failed to queue digest entries",
			"post_id", item.Post.ID, "users", len(res.Queued), "error", err)
		res.Failed += len(res.Queued)
		return
	}
	res.Enqueued = len(res.Queued)
}

func (r *Router) send(ctx context.Context, item *notifier.NotificationItem, res *Result) {
	if len(res.Immediate) == 0 {
		return
	}

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.cfg.Workers)
	for _, id := range res.Immediate {
		g.Go(func() error {
			err := r.sendOne(gctx, item, id)
			r.metrics.Delivery("immediate", err)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				r.logger.Warn("Failed to send notification",
					"user_id", id, "post_id", item.Post.ID, "error", err)
				res.Failed++
				return nil
			}
			res.Sent++
			return nil
		})
	}
	// Workers never return errors; failures are tallied in res.
	_ = g.Wait()
}

func (r *Router) sendOne(ctx context.Context, item *notifier.NotificationItem, userID int64) error {
	user, err := r.users.Get(ctx, userID)
	if err != nil {
		return err
	}

	sctx := ctx
	if r.cfg.SendTimeout > 0 {
		var cancel context.CancelFunc
		sctx, cancel = context.WithTimeout(ctx, r.cfg.SendTimeout)
		defer cancel()
	}
	if err := r.mailer.Notify(sctx, user, item); err != nil {
		return err
	}

	if r.cfg.AutoMarkRead && user.AutoMarkRead && r.reads != nil {
		if err := r.reads.MarkRead(ctx, userID, item.Post.ID); err != nil {
			r.logger.Warn("Failed to mark post read", "user_id", userID, "post_id", item.Post.ID, "error", err)
		}
	}
	return nil
}
