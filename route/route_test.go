package route_test

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"slices"
	"sync"
	"testing"
	"time"

	"forum-notifier/memstore"
	"forum-notifier/pkg/notifier"
	"forum-notifier/route"
	"forum-notifier/usercache"
)

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

type fakeMailer struct {
	mu    sync.Mutex
	fail  map[int64]bool
	block map[int64]bool
	sent  []int64
}

func (m *fakeMailer) Notify(ctx context.Context, user *notifier.UserRecord, _ *notifier.NotificationItem) error {
	if m.block[user.ID] {
		<-ctx.Done()
		return ctx.Err()
	}
	if m.fail[user.ID] {
		return errors.New("smtp: 451 try again later")
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sent = append(m.sent, user.ID)
	return nil
}

func (m *fakeMailer) recipients() []int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := slices.Clone(m.sent)
	slices.Sort(out)
	return out
}

var item = &notifier.NotificationItem{
	Forum:      &notifier.Forum{ID: 1, Name: "General"},
	Discussion: &notifier.Discussion{ID: 10, ForumID: 1},
	Post:       &notifier.Post{ID: 100, DiscussionID: 10},
}

func seed(users int) *memstore.Store {
	s := memstore.New()
	for i := int64(1); i <= int64(users); i++ {
		s.AddUser(&notifier.UserRecord{ID: i, Email: "u@example.com", AutoMarkRead: true})
	}
	return s
}

func newRouter(s *memstore.Store, m route.Mailer, cfg route.Config) *route.Router {
	return route.New(usercache.New(s, s, 0, quietLogger()), m, s, s, nil, cfg, quietLogger())
}

func TestRouteSplitsByPreference(t *testing.T) {
	s := seed(4)
	s.SetDigest(2, 1, notifier.DigestFull)
	s.SetDigest(3, 1, notifier.DigestSubjects)
	s.AddUser(&notifier.UserRecord{ID: 4, Email: "u@example.com", MailDigest: notifier.DigestFull})
	s.SetDigest(4, 1, notifier.DigestOff)
	mailer := &fakeMailer{}

	res, err := newRouter(s, mailer, route.Config{Workers: 2}).Route(context.Background(), item, []int64{1, 2, 3, 4})
	if err != nil {
		t.Fatal(err)
	}
	if !slices.Equal(res.Immediate, []int64{1, 4}) {
		t.Errorf("Immediate = %v, want [1 4]", res.Immediate)
	}
	if !slices.Equal(res.Queued, []int64{2, 3}) {
		t.Errorf("Queued = %v, want [2 3]", res.Queued)
	}
	if res.Sent != 2 || res.Enqueued != 2 || res.Failed != 0 {
		t.Errorf("Result = %+v", res)
	}
	if got := mailer.recipients(); !slices.Equal(got, []int64{1, 4}) {
		t.Errorf("mailed %v, want [1 4]", got)
	}

	entries := s.Entries()
	if len(entries) != 2 {
		t.Fatalf("queued %d entries, want 2", len(entries))
	}
	for _, e := range entries {
		if e.PostID != 100 || e.DiscussionID != 10 || e.ForumID != 1 || e.EnqueuedAt.IsZero() {
			t.Errorf("bad entry %+v", e)
		}
	}
}

func TestRouteFailuresAreIsolated(t *testing.T) {
	s := seed(5)
	mailer := &fakeMailer{fail: map[int64]bool{2: true}, block: map[int64]bool{4: true}}
	r := newRouter(s, mailer, route.Config{Workers: 3, SendTimeout: 50 * time.Millisecond})

	res, err := r.Route(context.Background(), item, []int64{1, 2, 3, 4, 5})
	if err != nil {
		t.Fatal(err)
	}
	if res.Sent != 3 || res.Failed != 2 {
		t.Errorf("Sent=%d Failed=%d, want 3 and 2", res.Sent, res.Failed)
	}
	if !res.Delivered() {
		t.Error("Delivered() = false with successful recipients")
	}
	if got := mailer.recipients(); !slices.Equal(got, []int64{1, 3, 5}) {
		t.Errorf("mailed %v, want [1 3 5]", got)
	}
}

func TestRouteAllFailed(t *testing.T) {
	s := seed(2)
	mailer := &fakeMailer{fail: map[int64]bool{1: true, 2: true}}
	res, err := newRouter(s, mailer, route.Config{}).Route(context.Background(), item, []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Delivered() || res.Failed != 2 {
		t.Errorf("Result = %+v, want two failures", res)
	}
}

func TestRouteEnqueueFailure(t *testing.T) {
	s := seed(2)
	s.SetDigest(1, 1, notifier.DigestFull)
	s.FailQueue = true
	mailer := &fakeMailer{}

	res, err := newRouter(s, mailer, route.Config{}).Route(context.Background(), item, []int64{1, 2})
	if err != nil {
		t.Fatal(err)
	}
	if res.Enqueued != 0 || res.Failed != 1 || res.Sent != 1 {
		t.Errorf("Result = %+v, want 1 sent and 1 failed", res)
	}
}

func TestRouteMarksRead(t *testing.T) {
	tests := []struct {
		name     string
		install  bool
		userPref bool
		want     bool
	}{
		{"both enabled", true, true, true},
		{"installation disabled", false, true, false},
		{"user disabled", true, false, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := memstore.New()
			s.AddUser(&notifier.UserRecord{ID: 1, Email: "u@example.com", AutoMarkRead: tt.userPref})
			r := newRouter(s, &fakeMailer{}, route.Config{AutoMarkRead: tt.install})
			if _, err := r.Route(context.Background(), item, []int64{1}); err != nil {
				t.Fatal(err)
			}
			if got := s.IsRead(1, 100); got != tt.want {
				t.Errorf("IsRead = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouteNoFailedSendMarksRead(t *testing.T) {
	s := seed(1)
	r := newRouter(s, &fakeMailer{fail: map[int64]bool{1: true}}, route.Config{AutoMarkRead: true})
	if _, err := r.Route(context.Background(), item, []int64{1}); err != nil {
		t.Fatal(err)
	}
	if s.IsRead(1, 100) {
		t.Error("post marked read after a failed send")
	}
}
