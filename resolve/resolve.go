// Package resolve determines which users are subscribed to a post.
package resolve

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"sync"
	"time"

	"forum-notifier/pkg/notifier"

	"golang.org/x/sync/singleflight"
)

// Subscriptions reads subscription records from the host.
type Subscriptions interface {
	ForumSubscribers(ctx context.Context, forumID int64) ([]int64, error)
	DiscussionSubscriptions(ctx context.Context, discussionID int64) ([]notifier.DiscussionSubscription, error)
	EnrolledUsers(ctx context.Context, courseID int64) ([]int64, error)
}

// Rule identifies which source decided a user's subscription.
// Higher values take priority.
type Rule int

const (
	RuleUserDefault Rule = iota
	RuleForumExplicit
	RuleDiscussionExplicit
	RuleForced
)

func (r Rule) String() string {
	switch r {
	case RuleForced:
		return "forced"
	case RuleDiscussionExplicit:
		return "discussion"
	case RuleForumExplicit:
		return "forum"
	default:
		return "default"
	}
}

// Decision is the resolved subscription of one user to one discussion.
type Decision struct {
	SubscribedAt time.Time // set only for discussion opt-ins that recorded it
	Rule         Rule
	Subscribed   bool
}

// decide applies a rule unless a higher-priority rule already decided.
func decide(m map[int64]Decision, userID int64, d Decision) {
	if cur, ok := m[userID]; ok && cur.Rule > d.Rule {
		return
	}
	m[userID] = d
}

// Resolver caches decisions per discussion for the lifetime of a run.
type Resolver struct {
	subs   Subscriptions
	logger *slog.Logger
	group  singleflight.Group
	mu     sync.RWMutex
	cache  map[int64]map[int64]Decision
}

// New creates a resolver. Create one per run.
func New(subs Subscriptions, logger *slog.Logger) *Resolver {
	return &Resolver{
		subs:   subs,
		logger: logger,
		cache:  make(map[int64]map[int64]Decision),
	}
}

// Resolve returns the IDs of users subscribed to the item's post, sorted ascending.
// Users who opted in to the discussion after the post was created are excluded.
func (r *Resolver) Resolve(ctx context.Context, item *notifier.NotificationItem) ([]int64, error) {
	decisions, err := r.Decisions(ctx, item.Forum, item.Discussion)
	if err != nil {
		return nil, err
	}

	users := make([]int64, 0, len(decisions))
	for id, d := range decisions {
		if !d.Subscribed {
			continue
		}
		if d.Rule == RuleDiscussionExplicit && !d.SubscribedAt.IsZero() && d.SubscribedAt.After(item.Post.Created) {
			continue
		}
		users = append(users, id)
	}
	slices.Sort(users)
	return users, nil
}

// Decisions returns the per-user decisions for a discussion, building them once.
func (r *Resolver) Decisions(ctx context.Context, forum *notifier.Forum, disc *notifier.Discussion) (map[int64]Decision, error) {
	r.mu.RLock()
	m, ok := r.cache[disc.ID]
	r.mu.RUnlock()
	if ok {
		return m, nil
	}

	v, err, _ := r.group.Do(fmt.Sprint(disc.ID), func() (any, error) {
		r.mu.RLock()
		m, ok := r.cache[disc.ID]
		r.mu.RUnlock()
		if ok {
			return m, nil
		}

		m, err := r.build(ctx, forum, disc)
		if err != nil {
			return nil, err
		}
		r.mu.Lock()
		r.cache[disc.ID] = m
		r.mu.Unlock()
		return m, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[int64]Decision), nil
}

func (r *Resolver) build(ctx context.Context, forum *notifier.Forum, disc *notifier.Discussion) (map[int64]Decision, error) {
	m := make(map[int64]Decision)
	if forum.Subscription == notifier.SubscriptionDisallowed {
		return m, nil
	}

	if forum.Subscription == notifier.SubscriptionForced {
		enrolled, err := r.subs.EnrolledUsers(ctx, forum.CourseID)
		if err != nil {
			return nil, fmt.Errorf("enrolled users of course %d: %w", forum.CourseID, err)
		}
		for _, id := range enrolled {
			decide(m, id, Decision{Rule: RuleForced, Subscribed: true})
		}
	}

	discSubs, err := r.subs.DiscussionSubscriptions(ctx, disc.ID)
	if err != nil {
		return nil, fmt.Errorf("subscriptions of discussion %d: %w", disc.ID, err)
	}
	for _, s := range discSubs {
		d := Decision{Rule: RuleDiscussionExplicit, Subscribed: s.Subscribed}
		if s.Subscribed {
			d.SubscribedAt = s.SubscribedAt
		}
		decide(m, s.UserID, d)
	}

	forumSubs, err := r.subs.ForumSubscribers(ctx, forum.ID)
	if err != nil {
		return nil, fmt.Errorf("subscribers of forum %d: %w", forum.ID, err)
	}
	for _, id := range forumSubs {
		decide(m, id, Decision{Rule: RuleForumExplicit, Subscribed: true})
	}

	r.logger.Debug("Resolved discussion subscriptions",
		"forum_id", forum.ID, "discussion_id", disc.ID, "decisions", len(m))
	return m, nil
}
