package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forum-notifier/pkg/notifier"
	"forum-notifier/usercache"

	"github.com/jackc/pgx/v5"
)

func (s *Store) User(ctx context.Context, id int64) (*notifier.UserRecord, error) {
	u := notifier.UserRecord{ID: id}
	var digest int16
	err := s.pool.QueryRow(ctx,
		`SELECT email, full_name, mail_digest, auto_mark_read, suspended FROM users WHERE id = $1`, id,
	).Scan(&u.Email, &u.FullName, &digest, &u.AutoMarkRead, &u.Suspended)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, usercache.ErrUserNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	u.MailDigest = notifier.DigestMode(digest)
	return &u, nil
}

func (s *Store) ForumDigest(ctx context.Context, userID, forumID int64) (notifier.DigestMode, bool, error) {
	var mode int16
	err := s.pool.QueryRow(ctx,
		`SELECT mode FROM forum_digest_prefs WHERE user_id = $1 AND forum_id = $2`, userID, forumID,
	).Scan(&mode)
	if errors.Is(err, pgx.ErrNoRows) {
		return notifier.DigestOff, false, nil
	}
	if err != nil {
		return notifier.DigestOff, false, fmt.Errorf("query digest preference: %w", err)
	}
	m := notifier.DigestMode(mode)
	if m < notifier.DigestOff || m > notifier.DigestSubjects {
		return notifier.DigestOff, false, fmt.Errorf("invalid digest mode %d for user %d forum %d", mode, userID, forumID)
	}
	return m, true, nil
}

// HasCapability reads an explicit grant. Without a row, viewing is allowed and
// every other capability is denied.
func (s *Store) HasCapability(ctx context.Context, userID int64, forum *notifier.Forum, c notifier.Capability) (bool, error) {
	var allow bool
	err := s.pool.QueryRow(ctx,
		`SELECT allow FROM capabilities WHERE user_id = $1 AND forum_id = $2 AND capability = $3`,
		userID, forum.ID, string(c),
	).Scan(&allow)
	if errors.Is(err, pgx.ErrNoRows) {
		return c == notifier.CapViewDiscussion, nil
	}
	if err != nil {
		return false, fmt.Errorf("query capability %s: %w", c, err)
	}
	return allow, nil
}

func (s *Store) IsGroupMember(ctx context.Context, userID, groupID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM group_members WHERE group_id = $1 AND user_id = $2)`,
		groupID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("query group membership: %w", err)
	}
	return ok, nil
}

func (s *Store) ForumSubscribers(ctx context.Context, forumID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM forum_subscriptions WHERE forum_id = $1 ORDER BY user_id`, forumID)
	if err != nil {
		return nil, fmt.Errorf("query forum subscribers: %w", err)
	}
	return collectIDs(rows)
}

func (s *Store) EnrolledUsers(ctx context.Context, courseID int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id FROM enrolments WHERE course_id = $1 ORDER BY user_id`, courseID)
	if err != nil {
		return nil, fmt.Errorf("query enrolments: %w", err)
	}
	return collectIDs(rows)
}

func (s *Store) DiscussionSubscriptions(ctx context.Context, discussionID int64) ([]notifier.DiscussionSubscription, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT user_id, subscribed, subscribed_at FROM discussion_subscriptions
		 WHERE discussion_id = $1 ORDER BY user_id`, discussionID)
	if err != nil {
		return nil, fmt.Errorf("query discussion subscriptions: %w", err)
	}
	subs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (notifier.DiscussionSubscription, error) {
		var sub notifier.DiscussionSubscription
		var at *time.Time
		if err := row.Scan(&sub.UserID, &sub.Subscribed, &at); err != nil {
			return sub, err
		}
		sub.SubscribedAt = derefTime(at)
		return sub, nil
	})
	if err != nil {
		return nil, fmt.Errorf("scan discussion subscriptions: %w", err)
	}
	return subs, nil
}
