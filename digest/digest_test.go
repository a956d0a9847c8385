package digest_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"forum-notifier/digest"
	"forum-notifier/memstore"
	"forum-notifier/pkg/notifier"
	"forum-notifier/usercache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeMailer struct {
	mu      sync.Mutex
	fail    bool
	digests map[int64][]*notifier.Digest
}

func (m *fakeMailer) Digest(_ context.Context, user *notifier.UserRecord, d *notifier.Digest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.fail {
		return errors.New("provider unavailable")
	}
	if m.digests == nil {
		m.digests = make(map[int64][]*notifier.Digest)
	}
	m.digests[user.ID] = append(m.digests[user.ID], d)
	return nil
}

func (m *fakeMailer) count(userID int64) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.digests[userID])
}

// Digest hour 17:00 UTC on 2024-03-10.
var (
	dayStart = time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC)
	target   = dayStart.Add(17 * time.Hour)
)

func seed() *memstore.Store {
	s := memstore.New()
	s.AddUser(&notifier.UserRecord{ID: 1, Email: "u@example.com", MailDigest: notifier.DigestFull, AutoMarkRead: true})
	s.AddForum(&notifier.Forum{ID: 1, Name: "General"})
	s.AddDiscussion(&notifier.Discussion{ID: 10, ForumID: 1, Name: "D"})
	s.AddDiscussion(&notifier.Discussion{ID: 20, ForumID: 1, Name: "E"})
	return s
}

func queue(t *testing.T, s *memstore.Store, at time.Time, postID, discussionID int64) {
	t.Helper()
	s.AddPost(&notifier.Post{ID: postID, DiscussionID: discussionID, Created: at, Subject: "Post", State: notifier.StateDispatched})
	err := s.Enqueue(context.Background(), []notifier.PendingDigestEntry{{
		EnqueuedAt: at, UserID: 1, ForumID: 1, DiscussionID: discussionID, PostID: postID,
	}})
	if err != nil {
		t.Fatal(err)
	}
}

func newAggregator(s *memstore.Store, m digest.Mailer, cfg digest.Config) *digest.Aggregator {
	users := usercache.New(s, s, 0, quietLogger())
	cfg.Hour = 17
	return digest.New(s, s, s, users, m, s, nil, cfg, quietLogger())
}

func TestDigestGroupsDiscussions(t *testing.T) {
	s := seed()
	// E's only post is the earliest, so E comes first.
	queue(t, s, dayStart.Add(1*time.Hour), 4, 20)
	queue(t, s, dayStart.Add(4*time.Hour), 3, 10)
	queue(t, s, dayStart.Add(2*time.Hour), 1, 10)
	queue(t, s, dayStart.Add(3*time.Hour), 2, 10)
	mailer := &fakeMailer{}

	rep, err := newAggregator(s, mailer, digest.Config{AutoMarkRead: true}).Run(context.Background(), target.Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if !rep.Ran || rep.Sent != 1 || rep.Posts != 4 {
		t.Fatalf("report = %+v", rep)
	}
	if mailer.count(1) != 1 {
		t.Fatalf("sent %d digests, want exactly 1", mailer.count(1))
	}

	d := mailer.digests[1][0]
	if len(d.Discussions) != 2 {
		t.Fatalf("got %d discussions, want 2", len(d.Discussions))
	}
	if d.Discussions[0].Discussion.ID != 20 || d.Discussions[1].Discussion.ID != 10 {
		t.Errorf("discussion order = %d, %d; want 20, 10", d.Discussions[0].Discussion.ID, d.Discussions[1].Discussion.ID)
	}
	posts := d.Discussions[1].Posts
	if len(posts) != 3 || posts[0].ID != 1 || posts[1].ID != 2 || posts[2].ID != 3 {
		t.Errorf("posts of D not ascending by creation: %+v", posts)
	}
	if len(s.Entries()) != 0 {
		t.Errorf("%d entries left after successful delivery", len(s.Entries()))
	}
	if !s.IsRead(1, 1) || !s.IsRead(1, 4) {
		t.Error("posts not marked read after digest")
	}
}

func TestDigestModePerForum(t *testing.T) {
	s := seed()
	s.AddForum(&notifier.Forum{ID: 2, Name: "News"})
	s.AddDiscussion(&notifier.Discussion{ID: 30, ForumID: 2})
	s.SetDigest(1, 2, notifier.DigestSubjects)
	s.SetDigest(1, 1, notifier.DigestOff)
	queue(t, s, dayStart.Add(time.Hour), 1, 10)
	queue(t, s, dayStart.Add(2*time.Hour), 2, 30)
	mailer := &fakeMailer{}

	if _, err := newAggregator(s, mailer, digest.Config{}).Run(context.Background(), target); err != nil {
		t.Fatal(err)
	}
	d := mailer.digests[1][0]
	// The preference switched to off after queueing; the entry still goes out in full.
	if d.Discussions[0].Mode != notifier.DigestFull {
		t.Errorf("forum 1 mode = %v, want full", d.Discussions[0].Mode)
	}
	if d.Discussions[1].Mode != notifier.DigestSubjects {
		t.Errorf("forum 2 mode = %v, want subjects", d.Discussions[1].Mode)
	}
}

func TestDigestNotBeforeTarget(t *testing.T) {
	s := seed()
	queue(t, s, dayStart.Add(time.Hour), 1, 10)
	mailer := &fakeMailer{}

	rep, err := newAggregator(s, mailer, digest.Config{}).Run(context.Background(), target.Add(-time.Second))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Ran || mailer.count(1) != 0 {
		t.Errorf("digest ran before target: %+v", rep)
	}
	if last, _ := s.LastDigestRun(context.Background()); !last.IsZero() {
		t.Errorf("last run advanced to %v", last)
	}
}

func TestDigestIgnoresEntriesAfterTarget(t *testing.T) {
	s := seed()
	queue(t, s, dayStart.Add(time.Hour), 1, 10)
	queue(t, s, target.Add(time.Minute), 2, 10)
	mailer := &fakeMailer{}

	if _, err := newAggregator(s, mailer, digest.Config{}).Run(context.Background(), target.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if got := mailer.digests[1][0].PostCount(); got != 1 {
		t.Errorf("digest carried %d posts, want 1", got)
	}
	if left := s.Entries(); len(left) != 1 || left[0].PostID != 2 {
		t.Errorf("entries left = %+v, want post 2 only", left)
	}
}

func TestDigestRerunIsIdempotent(t *testing.T) {
	s := seed()
	queue(t, s, dayStart.Add(time.Hour), 1, 10)
	mailer := &fakeMailer{}
	agg := newAggregator(s, mailer, digest.Config{})

	for _, at := range []time.Time{target, target.Add(time.Hour), target.Add(5 * time.Hour)} {
		if _, err := agg.Run(context.Background(), at); err != nil {
			t.Fatal(err)
		}
	}
	if mailer.count(1) != 1 {
		t.Errorf("sent %d digests on one day, want 1", mailer.count(1))
	}
}

func TestDigestFailureRetriedNextDay(t *testing.T) {
	s := seed()
	queue(t, s, dayStart.Add(time.Hour), 1, 10)
	mailer := &fakeMailer{fail: true}
	agg := newAggregator(s, mailer, digest.Config{})

	rep, err := agg.Run(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Failed != 1 || len(s.Entries()) != 1 {
		t.Fatalf("after failure: report=%+v entries=%d", rep, len(s.Entries()))
	}

	// Same day: gate is closed even though the send failed.
	mailer.fail = false
	if _, err := agg.Run(context.Background(), target.Add(time.Hour)); err != nil {
		t.Fatal(err)
	}
	if mailer.count(1) != 0 {
		t.Fatal("digest resent on the same day")
	}

	next := target.Add(24 * time.Hour)
	rep, err = agg.Run(context.Background(), next)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Sent != 1 || mailer.count(1) != 1 || len(s.Entries()) != 0 {
		t.Errorf("next day: report=%+v sent=%d entries=%d", rep, mailer.count(1), len(s.Entries()))
	}
}

func TestDigestOrphanedEntries(t *testing.T) {
	s := seed()
	err := s.Enqueue(context.Background(), []notifier.PendingDigestEntry{{
		EnqueuedAt: dayStart.Add(time.Hour), UserID: 1, ForumID: 1, DiscussionID: 10, PostID: 999,
	}})
	if err != nil {
		t.Fatal(err)
	}
	mailer := &fakeMailer{}

	rep, err := newAggregator(s, mailer, digest.Config{}).Run(context.Background(), target)
	if err != nil {
		t.Fatal(err)
	}
	if rep.Orphaned != 1 || rep.Sent != 0 || mailer.count(1) != 0 {
		t.Errorf("report = %+v, sent = %d", rep, mailer.count(1))
	}
	if len(s.Entries()) != 0 {
		t.Error("orphaned entry was not consumed")
	}
}

func TestDigestPurgesExpired(t *testing.T) {
	s := seed()
	queue(t, s, dayStart.Add(-8*24*time.Hour), 1, 10)
	queue(t, s, dayStart.Add(time.Hour), 2, 10)

	// Before the target: purge still happens, nothing is sent.
	rep, err := newAggregator(s, &fakeMailer{}, digest.Config{}).Run(context.Background(), dayStart.Add(2*time.Hour))
	if err != nil {
		t.Fatal(err)
	}
	if rep.Purged != 1 || rep.Ran {
		t.Errorf("report = %+v, want 1 purged and not ran", rep)
	}
	if left := s.Entries(); len(left) != 1 || left[0].PostID != 2 {
		t.Errorf("entries left = %+v", left)
	}
}

type brokenState struct{}

func (brokenState) LastDigestRun(context.Context) (time.Time, error) {
	return time.Time{}, errors.New("object read failed")
}

func (brokenState) SetLastDigestRun(context.Context, time.Time) error { return nil }

func TestDigestStateReadFailure(t *testing.T) {
	s := seed()
	users := usercache.New(s, s, 0, quietLogger())
	agg := digest.New(s, s, brokenState{}, users, &fakeMailer{}, nil, nil, digest.Config{Hour: 17}, quietLogger())
	if _, err := agg.Run(context.Background(), target); err == nil {
		t.Fatal("expected error when the last run cannot be read")
	}
}
