package db

import (
	"context"
	"fmt"
	"time"

	"forum-notifier/pkg/notifier"

	"github.com/jackc/pgx/v5"
)

const itemColumns = `
	p.id, p.discussion_id, p.parent_id, p.author_id, p.author_name, p.subject, p.message,
	p.created, p.modified, p.mail_now, p.mail_state,
	d.id, d.forum_id, d.name, d.first_post_id, d.group_id, d.time_start, d.time_end,
	f.id, f.course_id, f.name, f.type, f.subscription
	FROM posts p
	JOIN discussions d ON d.id = p.discussion_id
	JOIN forums f ON f.id = d.forum_id`

func scanItem(row pgx.CollectableRow) (*notifier.NotificationItem, error) {
	var (
		p          notifier.Post
		d          notifier.Discussion
		f          notifier.Forum
		state      int16
		forumType  string
		subMode    int16
		start, end *time.Time
	)
	err := row.Scan(
		&p.ID, &p.DiscussionID, &p.ParentID, &p.AuthorID, &p.AuthorName, &p.Subject, &p.Message,
		&p.Created, &p.Modified, &p.MailNow, &state,
		&d.ID, &d.ForumID, &d.Name, &d.FirstPostID, &d.GroupID, &start, &end,
		&f.ID, &f.CourseID, &f.Name, &forumType, &subMode,
	)
	if err != nil {
		return nil, err
	}
	p.State = notifier.DispatchState(state)
	d.TimeStart, d.TimeEnd = derefTime(start), derefTime(end)
	f.Type = notifier.ForumType(forumType)
	f.Subscription = notifier.SubscriptionMode(subMode)
	return &notifier.NotificationItem{Post: &p, Discussion: &d, Forum: &f}, nil
}

// PendingPosts returns pending posts created in [start, end), flagged for
// immediate mailing, or whose discussion is released inside the window.
func (s *Store) PendingPosts(ctx context.Context, start, end time.Time) ([]*notifier.NotificationItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+`
		WHERE p.mail_state = $3
		  AND ((p.created >= $1 AND p.created < $2)
		       OR p.mail_now
		       OR (d.time_start >= $1 AND d.time_start < $2))
		ORDER BY p.id`,
		start, end, int16(notifier.StatePending))
	if err != nil {
		return nil, fmt.Errorf("query pending posts: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("scan pending posts: %w", err)
	}
	return items, nil
}

// ClaimPosts flips pending posts to dispatching in one statement.
func (s *Store) ClaimPosts(ctx context.Context, ids []int64) ([]int64, error) {
	rows, err := s.pool.Query(ctx,
		`UPDATE posts SET mail_state = $2 WHERE id = ANY($1) AND mail_state = $3 RETURNING id`,
		ids, int16(notifier.StateDispatching), int16(notifier.StatePending))
	if err != nil {
		return nil, fmt.Errorf("claim posts: %w", err)
	}
	return collectIDs(rows)
}

func (s *Store) transition(ctx context.Context, ids []int64, from, to notifier.DispatchState) error {
	if len(ids) == 0 {
		return nil
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE posts SET mail_state = $2 WHERE id = ANY($1) AND mail_state = $3`,
		ids, int16(to), int16(from))
	if err != nil {
		return fmt.Errorf("mark posts %s: %w", to, err)
	}
	if n := tag.RowsAffected(); n != int64(len(ids)) {
		s.logger.Warn("Some posts were not in the expected state",
			"from", from.String(), "to", to.String(), "requested", len(ids), "updated", n)
	}
	return nil
}

func (s *Store) ReleasePosts(ctx context.Context, ids []int64) error {
	return s.transition(ctx, ids, notifier.StateDispatching, notifier.StatePending)
}

func (s *Store) MarkDispatched(ctx context.Context, ids []int64) error {
	return s.transition(ctx, ids, notifier.StateDispatching, notifier.StateDispatched)
}

func (s *Store) MarkFailed(ctx context.Context, ids []int64) error {
	return s.transition(ctx, ids, notifier.StateDispatching, notifier.StateFailed)
}

// Items loads posts with their discussion and forum, keyed by post ID.
func (s *Store) Items(ctx context.Context, postIDs []int64) (map[int64]*notifier.NotificationItem, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+itemColumns+` WHERE p.id = ANY($1)`, postIDs)
	if err != nil {
		return nil, fmt.Errorf("query posts: %w", err)
	}
	items, err := pgx.CollectRows(rows, scanItem)
	if err != nil {
		return nil, fmt.Errorf("scan posts: %w", err)
	}
	out := make(map[int64]*notifier.NotificationItem, len(items))
	for _, it := range items {
		out[it.Post.ID] = it
	}
	return out, nil
}

// HasPosted reports whether the user authored any post in the discussion.
func (s *Store) HasPosted(ctx context.Context, userID, discussionID int64) (bool, error) {
	var ok bool
	err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM posts WHERE discussion_id = $1 AND author_id = $2)`,
		discussionID, userID).Scan(&ok)
	if err != nil {
		return false, fmt.Errorf("has posted: %w", err)
	}
	return ok, nil
}

func (s *Store) MarkRead(ctx context.Context, userID, postID int64) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO post_reads (user_id, post_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		userID, postID)
	if err != nil {
		return fmt.Errorf("mark read: %w", err)
	}
	return nil
}
