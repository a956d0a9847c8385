package usercache

import (
	"context"
	"errors"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"forum-notifier/pkg/notifier"
)

type fakeDirectory struct {
	users   map[int64]*notifier.UserRecord
	delay   time.Duration
	fetches atomic.Int64
}

func (d *fakeDirectory) User(_ context.Context, id int64) (*notifier.UserRecord, error) {
	d.fetches.Add(1)
	if d.delay > 0 {
		time.Sleep(d.delay)
	}
	u, ok := d.users[id]
	if !ok {
		return nil, ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

type fakePrefs struct {
	modes map[[2]int64]notifier.DigestMode
	err   error
	calls atomic.Int64
}

func (p *fakePrefs) ForumDigest(_ context.Context, userID, forumID int64) (notifier.DigestMode, bool, error) {
	p.calls.Add(1)
	if p.err != nil {
		return notifier.DigestOff, false, p.err
	}
	m, ok := p.modes[[2]int64{userID, forumID}]
	return m, ok, nil
}

func quietLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func directoryOf(n int) *fakeDirectory {
	d := &fakeDirectory{users: make(map[int64]*notifier.UserRecord)}
	for i := int64(1); i <= int64(n); i++ {
		d.users[i] = &notifier.UserRecord{ID: i, Email: "user@example.com", MailDigest: notifier.DigestOff}
	}
	return d
}

func TestGetBoundsFullRecords(t *testing.T) {
	dir := directoryOf(10)
	c := New(dir, &fakePrefs{}, 3, quietLogger())
	ctx := context.Background()

	for i := int64(1); i <= 10; i++ {
		u, err := c.Get(ctx, i)
		if err != nil {
			t.Fatalf("Get(%d): %v", i, err)
		}
		if u.Minimal || !u.Deliverable() {
			t.Errorf("Get(%d) returned non-deliverable record %+v", i, u)
		}
	}

	full, minimal := c.Stats()
	if full != 3 || minimal != 7 {
		t.Errorf("Stats() = (%d, %d), want (3, 7)", full, minimal)
	}
}

func TestGetFullRecordIsNotRefetched(t *testing.T) {
	dir := directoryOf(2)
	c := New(dir, &fakePrefs{}, 1, quietLogger())
	ctx := context.Background()

	for range 3 {
		if _, err := c.Get(ctx, 1); err != nil {
			t.Fatal(err)
		}
	}
	if got := dir.fetches.Load(); got != 1 {
		t.Errorf("full record fetched %d times, want 1", got)
	}

	// User 2 lands in minimal form and is refetched on every hit.
	for range 3 {
		u, err := c.Get(ctx, 2)
		if err != nil {
			t.Fatal(err)
		}
		if u.Email == "" {
			t.Error("minimal hit returned record without address")
		}
	}
	if got := dir.fetches.Load(); got != 4 {
		t.Errorf("total fetches = %d, want 4", got)
	}
	if full, minimal := c.Stats(); full != 1 || minimal != 1 {
		t.Errorf("Stats() = (%d, %d), want (1, 1)", full, minimal)
	}
}

func TestGetDoesNotLeakDirectoryPointer(t *testing.T) {
	dir := directoryOf(1)
	c := New(dir, &fakePrefs{}, 0, quietLogger())

	u, err := c.Get(context.Background(), 1)
	if err != nil {
		t.Fatal(err)
	}
	u.Email = "changed@example.com"
	if dir.users[1].Email != "user@example.com" {
		t.Error("cache returned the directory's own record")
	}
}

func TestGetUnknownUser(t *testing.T) {
	c := New(directoryOf(0), &fakePrefs{}, 0, quietLogger())
	_, err := c.Get(context.Background(), 42)
	if !errors.Is(err, ErrUserNotFound) {
		t.Errorf("Get(unknown) error = %v, want ErrUserNotFound", err)
	}
	if full, minimal := c.Stats(); full+minimal != 0 {
		t.Error("failed fetch was cached")
	}
}

func TestGetConcurrentPopulationFetchesOnce(t *testing.T) {
	dir := directoryOf(1)
	dir.delay = 20 * time.Millisecond
	c := New(dir, &fakePrefs{}, 0, quietLogger())

	var wg sync.WaitGroup
	for range 16 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Get(context.Background(), 1); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()

	if got := dir.fetches.Load(); got != 1 {
		t.Errorf("concurrent Get fetched %d times, want 1", got)
	}
}

func TestDigestMode(t *testing.T) {
	tests := []struct {
		name     string
		global   notifier.DigestMode
		override map[[2]int64]notifier.DigestMode
		prefErr  error
		want     notifier.DigestMode
	}{
		{
			name:   "global default without override",
			global: notifier.DigestSubjects,
			want:   notifier.DigestSubjects,
		},
		{
			name:     "forum override wins",
			global:   notifier.DigestOff,
			override: map[[2]int64]notifier.DigestMode{{1, 7}: notifier.DigestFull},
			want:     notifier.DigestFull,
		},
		{
			name:     "override of off beats digest default",
			global:   notifier.DigestFull,
			override: map[[2]int64]notifier.DigestMode{{1, 7}: notifier.DigestOff},
			want:     notifier.DigestOff,
		},
		{
			name:    "lookup error falls back to global default",
			global:  notifier.DigestFull,
			prefErr: errors.New("preference table missing"),
			want:    notifier.DigestFull,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dir := directoryOf(1)
			dir.users[1].MailDigest = tt.global
			prefs := &fakePrefs{modes: tt.override, err: tt.prefErr}
			c := New(dir, prefs, 0, quietLogger())

			for range 2 {
				got, err := c.DigestMode(context.Background(), 1, 7)
				if err != nil {
					t.Fatalf("DigestMode: %v", err)
				}
				if got != tt.want {
					t.Errorf("DigestMode = %v, want %v", got, tt.want)
				}
			}
			if calls := prefs.calls.Load(); calls != 1 {
				t.Errorf("preference lookups = %d, want 1", calls)
			}
		})
	}
}
