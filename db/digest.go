package db

import (
	"context"
	"errors"
	"fmt"
	"time"

	"forum-notifier/pkg/notifier"

	"github.com/jackc/pgx/v5"
)

var queueColumns = []string{"user_id", "forum_id", "discussion_id", "post_id", "enqueued_at"}

// Enqueue bulk-inserts digest entries.
func (s *Store) Enqueue(ctx context.Context, entries []notifier.PendingDigestEntry) error {
	if len(entries) == 0 {
		return nil
	}
	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{"digest_queue"}, queueColumns,
		pgx.CopyFromSlice(len(entries), func(i int) ([]any, error) {
			e := entries[i]
			return []any{e.UserID, e.ForumID, e.DiscussionID, e.PostID, e.EnqueuedAt}, nil
		}))
	if err != nil {
		return fmt.Errorf("enqueue digest entries: %w", err)
	}
	s.logger.Debug("Queued digest entries", "count", n)
	return nil
}

func (s *Store) PurgeDigest(ctx context.Context, before time.Time) (int64, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM digest_queue WHERE enqueued_at < $1`, before)
	if err != nil {
		return 0, fmt.Errorf("purge digest queue: %w", err)
	}
	return tag.RowsAffected(), nil
}

func (s *Store) PendingDigest(ctx context.Context, before time.Time) ([]notifier.PendingDigestEntry, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT id, user_id, forum_id, discussion_id, post_id, enqueued_at
		 FROM digest_queue WHERE enqueued_at < $1 ORDER BY id`, before)
	if err != nil {
		return nil, fmt.Errorf("query digest queue: %w", err)
	}
	entries, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (notifier.PendingDigestEntry, error) {
		var e notifier.PendingDigestEntry
		err := row.Scan(&e.ID, &e.UserID, &e.ForumID, &e.DiscussionID, &e.PostID, &e.EnqueuedAt)
		return e, err
	})
	if err != nil {
		return nil, fmt.Errorf("scan digest queue: %w", err)
	}
	return entries, nil
}

// ConsumeDigest deletes the entries and calls deliver inside one transaction.
// The deletion commits only when deliver succeeds; the row locks also keep a
// concurrent run from sending the same entries.
func (s *Store) ConsumeDigest(ctx context.Context, userID int64, entryIDs []int64, deliver func(context.Context) error) (err error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin digest transaction: %w", err)
	}
	defer func() {
		if err != nil {
			if rbErr := tx.Rollback(ctx); rbErr != nil && !errors.Is(rbErr, pgx.ErrTxClosed) {
				s.logger.Warn("Failed to roll back digest transaction", "user_id", userID, "error", rbErr)
			}
		}
	}()

	if _, err = tx.Exec(ctx,
		`DELETE FROM digest_queue WHERE user_id = $1 AND id = ANY($2)`, userID, entryIDs); err != nil {
		return fmt.Errorf("delete digest entries: %w", err)
	}
	if err = deliver(ctx); err != nil {
		return err
	}
	if err = tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit digest transaction: %w", err)
	}
	return nil
}
