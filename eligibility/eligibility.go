// Package eligibility decides whether a subscribed user may receive a post.
package eligibility

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forum-notifier/pkg/notifier"
)

// Users returns full user records.
type Users interface {
	Get(ctx context.Context, id int64) (*notifier.UserRecord, error)
}

// Capabilities answers permission checks.
type Capabilities interface {
	HasCapability(ctx context.Context, userID int64, forum *notifier.Forum, c notifier.Capability) (bool, error)
}

// Groups answers group membership.
type Groups interface {
	IsGroupMember(ctx context.Context, userID, groupID int64) (bool, error)
}

// Posting reports whether a user has posted in a discussion.
type Posting interface {
	HasPosted(ctx context.Context, userID, discussionID int64) (bool, error)
}

type memoKey struct {
	user int64
	id   int64
}

// Filter is run-scoped: group and posting lookups are memoised.
type Filter struct {
	users   Users
	caps    Capabilities
	groups  Groups
	posting Posting
	now     time.Time
	logger  *slog.Logger

	mu      sync.Mutex
	members map[memoKey]bool
	posted  map[memoKey]bool
}

// New creates a filter evaluating timed release at now.
func New(users Users, caps Capabilities, groups Groups, posting Posting, now time.Time, logger *slog.Logger) *Filter {
	return &Filter{
		users:   users,
		caps:    caps,
		groups:  groups,
		posting: posting,
		now:     now,
		logger:  logger,
		members: make(map[memoKey]bool),
		posted:  make(map[memoKey]bool),
	}
}

// IsEligible reports whether userID may receive item. Lookup errors exclude the user.
func (f *Filter) IsEligible(ctx context.Context, item *notifier.NotificationItem, userID int64) bool {
	ok, reason, err := f.check(ctx, item, userID)
	if err != nil {
		f.logger.Warn("Eligibility check failed, excluding user",
			"user_id", userID, "post_id", item.Post.ID, "check", reason, "error", err)
		return false
	}
	if !ok {
		f.logger.Debug("User not eligible", "user_id", userID, "post_id", item.Post.ID, "reason", reason)
	}
	return ok
}

// Eligible filters users down to those eligible for item, keeping order.
func (f *Filter) Eligible(ctx context.Context, item *notifier.NotificationItem, users []int64) []int64 {
	out := make([]int64, 0, len(users))
	for _, id := range users {
		if f.IsEligible(ctx, item, id) {
			out = append(out, id)
		}
	}
	return out
}

func (f *Filter) check(ctx context.Context, item *notifier.NotificationItem, userID int64) (bool, string, error) {
	user, err := f.users.Get(ctx, userID)
	if err != nil {
		return false, "user", err
	}
	if !user.Deliverable() {
		return false, "undeliverable", nil
	}

	ok, err := f.caps.HasCapability(ctx, userID, item.Forum, notifier.CapViewDiscussion)
	if err != nil || !ok {
		return false, "view", err
	}

	if g := item.Discussion.GroupID; g != 0 {
		ok, err := f.memo(f.members, memoKey{userID, g}, func() (bool, error) {
			return f.groups.IsGroupMember(ctx, userID, g)
		})
		if err != nil {
			return false, "group", err
		}
		if !ok {
			ok, err = f.caps.HasCapability(ctx, userID, item.Forum, notifier.CapAccessAllGroups)
			if err != nil || !ok {
				return false, "group", err
			}
		}
	}

	if item.Forum.Type == notifier.ForumQandA && item.Post.ID != item.Discussion.FirstPostID {
		d := item.Discussion.ID
		ok, err := f.memo(f.posted, memoKey{userID, d}, func() (bool, error) {
			return f.posting.HasPosted(ctx, userID, d)
		})
		if err != nil {
			return false, "qanda", err
		}
		if !ok {
			ok, err = f.caps.HasCapability(ctx, userID, item.Forum, notifier.CapViewQandAWithoutPosting)
			if err != nil || !ok {
				return false, "qanda", err
			}
		}
	}

	if !item.Discussion.Released(f.now) {
		ok, err := f.caps.HasCapability(ctx, userID, item.Forum, notifier.CapViewHiddenTimed)
		if err != nil || !ok {
			return false, "timed", err
		}
	}
	return true, "", nil
}

func (f *Filter) memo(m map[memoKey]bool, k memoKey, lookup func() (bool, error)) (bool, error) {
	f.mu.Lock()
	v, ok := m[k]
	f.mu.Unlock()
	if ok {
		return v, nil
	}
	v, err := lookup()
	if err != nil {
		return false, fmt.Errorf("lookup user %d: %w", k.user, err)
	}
	f.mu.Lock()
	m[k] = v
	f.mu.Unlock()
	return v, nil
}
