// Package memstore is an in-memory implementation of the host services the
// pipeline consumes. It backs local development mode and the tests.
package memstore

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"sort"
	"sync"
	"time"

	"forum-notifier/pkg/notifier"
	"forum-notifier/usercache"
)

type pair struct{ a, b int64 }

type capKey struct {
	user  int64
	forum int64
	cap   notifier.Capability
}

// Store is safe for concurrent use.
type Store struct {
	forums         map[int64]*notifier.Forum
	discussions    map[int64]*notifier.Discussion
	posts          map[int64]*notifier.Post
	users          map[int64]*notifier.UserRecord
	forumSubs      map[int64]map[int64]bool
	discussionSubs map[int64]map[int64]notifier.DiscussionSubscription
	enrolments     map[int64][]int64
	digestPrefs    map[pair]notifier.DigestMode
	grants         map[capKey]bool
	groups         map[pair]bool
	reads          map[pair]bool
	entries        map[int64]notifier.PendingDigestEntry

	// ClaimLimit, when positive, makes ClaimPosts flip at most that many posts
	// and then report an error, simulating a partial update.
	ClaimLimit int
	// FailQueue makes Enqueue and ConsumeDigest deletion fail.
	FailQueue bool

	lastDigest  time.Time
	lastCron    time.Time
	userFetches map[int64]int
	nextEntryID int64
	mu          sync.Mutex
}

// New creates an empty store.
func New() *Store {
	return &Store{
		forums:         make(map[int64]*notifier.Forum),
		discussions:    make(map[int64]*notifier.Discussion),
		posts:          make(map[int64]*notifier.Post),
		users:          make(map[int64]*notifier.UserRecord),
		forumSubs:      make(map[int64]map[int64]bool),
		discussionSubs: make(map[int64]map[int64]notifier.DiscussionSubscription),
		enrolments:     make(map[int64][]int64),
		digestPrefs:    make(map[pair]notifier.DigestMode),
		grants:         make(map[capKey]bool),
		groups:         make(map[pair]bool),
		reads:          make(map[pair]bool),
		entries:        make(map[int64]notifier.PendingDigestEntry),
		userFetches:    make(map[int64]int),
	}
}

// Seeding helpers.

func (s *Store) AddForum(f *notifier.Forum) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.forums[f.ID] = f
}

func (s *Store) AddDiscussion(d *notifier.Discussion) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.discussions[d.ID] = d
}

func (s *Store) AddPost(p *notifier.Post) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.posts[p.ID] = p
}

func (s *Store) AddUser(u *notifier.UserRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

func (s *Store) Enrol(courseID int64, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.enrolments[courseID] = append(s.enrolments[courseID], userIDs...)
}

func (s *Store) SubscribeForum(forumID int64, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.forumSubs[forumID] == nil {
		s.forumSubs[forumID] = make(map[int64]bool)
	}
	for _, id := range userIDs {
		s.forumSubs[forumID][id] = true
	}
}

// SubscribeDiscussion records an opt-in (subscribed=true) or opt-out.
func (s *Store) SubscribeDiscussion(discussionID, userID int64, subscribed bool, at time.Time) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.discussionSubs[discussionID] == nil {
		s.discussionSubs[discussionID] = make(map[int64]notifier.DiscussionSubscription)
	}
	s.discussionSubs[discussionID][userID] = notifier.DiscussionSubscription{
		UserID: userID, Subscribed: subscribed, SubscribedAt: at,
	}
}

func (s *Store) SetDigest(userID, forumID int64, mode notifier.DigestMode) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.digestPrefs[pair{userID, forumID}] = mode
}

// Grant sets a capability. forum:viewdiscussion is granted unless explicitly denied.
func (s *Store) Grant(userID, forumID int64, c notifier.Capability, allow bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.grants[capKey{userID, forumID, c}] = allow
}

func (s *Store) AddGroupMember(groupID int64, userIDs ...int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range userIDs {
		s.groups[pair{groupID, id}] = true
	}
}

// Inspection helpers.

// PostState returns the dispatch state of a post.
func (s *Store) PostState(id int64) notifier.DispatchState {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p, ok := s.posts[id]; ok {
		return p.State
	}
	return notifier.StatePending
}

// Entries returns the queued digest entries ordered by ID.
func (s *Store) Entries() []notifier.PendingDigestEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]notifier.PendingDigestEntry, 0, len(s.entries))
	for _, e := range s.entries {
		out = append(out, e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// IsRead reports whether markRead was recorded.
func (s *Store) IsRead(userID, postID int64) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.reads[pair{userID, postID}]
}

// UserFetches returns how often the directory was asked for a user.
func (s *Store) UserFetches(id int64) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.userFetches[id]
}

// Posts.

func (s *Store) item(p *notifier.Post) (*notifier.NotificationItem, bool) {
	d, ok := s.discussions[p.DiscussionID]
	if !ok {
		return nil, false
	}
	f, ok := s.forums[d.ForumID]
	if !ok {
		return nil, false
	}
	cp := *p
	return &notifier.NotificationItem{Post: &cp, Discussion: d, Forum: f}, true
}

func inWindow(t, start, end time.Time) bool {
	return !t.IsZero() && !t.Before(start) && t.Before(end)
}

// PendingPosts returns pending posts created in [start, end), flagged MailNow,
// or whose discussion is released within the window.
func (s *Store) PendingPosts(_ context.Context, start, end time.Time) ([]*notifier.NotificationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var items []*notifier.NotificationItem
	for _, p := range s.posts {
		if p.State != notifier.StatePending {
			continue
		}
		it, ok := s.item(p)
		if !ok {
			continue
		}
		if inWindow(p.Created, start, end) || p.MailNow || inWindow(it.Discussion.TimeStart, start, end) {
			items = append(items, it)
		}
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Post.ID < items[j].Post.ID })
	return items, nil
}

func (s *Store) ClaimPosts(_ context.Context, ids []int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var claimed []int64
	for _, id := range ids {
		if s.ClaimLimit > 0 && len(claimed) >= s.ClaimLimit {
			return claimed, fmt.Errorf("claim posts: update interrupted after %d rows", len(claimed))
		}
		p, ok := s.posts[id]
		if !ok || p.State != notifier.StatePending {
			continue
		}
		p.State = notifier.StateDispatching
		claimed = append(claimed, id)
	}
	return claimed, nil
}

func (s *Store) transition(ids []int64, from, to notifier.DispatchState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, id := range ids {
		if p, ok := s.posts[id]; ok && p.State == from {
			p.State = to
		}
	}
}

func (s *Store) ReleasePosts(_ context.Context, ids []int64) error {
	s.transition(ids, notifier.StateDispatching, notifier.StatePending)
	return nil
}

func (s *Store) MarkDispatched(_ context.Context, ids []int64) error {
	s.transition(ids, notifier.StateDispatching, notifier.StateDispatched)
	return nil
}

func (s *Store) MarkFailed(_ context.Context, ids []int64) error {
	s.transition(ids, notifier.StateDispatching, notifier.StateFailed)
	return nil
}

// Items returns the posts with their discussion and forum, keyed by post ID.
// Unknown IDs are omitted.
func (s *Store) Items(_ context.Context, postIDs []int64) (map[int64]*notifier.NotificationItem, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make(map[int64]*notifier.NotificationItem, len(postIDs))
	for _, id := range postIDs {
		p, ok := s.posts[id]
		if !ok {
			continue
		}
		if it, ok := s.item(p); ok {
			out[id] = it
		}
	}
	return out, nil
}

// Subscriptions.

func (s *Store) ForumSubscribers(_ context.Context, forumID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var ids []int64
	for id, ok := range s.forumSubs[forumID] {
		if ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) DiscussionSubscriptions(_ context.Context, discussionID int64) ([]notifier.DiscussionSubscription, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notifier.DiscussionSubscription
	for _, sub := range s.discussionSubs[discussionID] {
		out = append(out, sub)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UserID < out[j].UserID })
	return out, nil
}

func (s *Store) EnrolledUsers(_ context.Context, courseID int64) ([]int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.enrolments[courseID]), nil
}

// Users and preferences.

func (s *Store) User(_ context.Context, id int64) (*notifier.UserRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.userFetches[id]++
	u, ok := s.users[id]
	if !ok {
		return nil, usercache.ErrUserNotFound
	}
	cp := *u
	return &cp, nil
}

func (s *Store) ForumDigest(_ context.Context, userID, forumID int64) (notifier.DigestMode, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	mode, ok := s.digestPrefs[pair{userID, forumID}]
	return mode, ok, nil
}

// Capabilities.

func (s *Store) HasCapability(_ context.Context, userID int64, forum *notifier.Forum, c notifier.Capability) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	allow, ok := s.grants[capKey{userID, forum.ID, c}]
	if !ok {
		return c == notifier.CapViewDiscussion, nil
	}
	return allow, nil
}

func (s *Store) IsGroupMember(_ context.Context, userID, groupID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.groups[pair{groupID, userID}], nil
}

func (s *Store) HasPosted(_ context.Context, userID, discussionID int64) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, p := range s.posts {
		if p.DiscussionID == discussionID && p.AuthorID == userID {
			return true, nil
		}
	}
	return false, nil
}

// Read tracking.

func (s *Store) MarkRead(_ context.Context, userID, postID int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reads[pair{userID, postID}] = true
	return nil
}

// Digest queue.

var errQueue = errors.New("digest queue unavailable")

func (s *Store) Enqueue(_ context.Context, entries []notifier.PendingDigestEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailQueue {
		return errQueue
	}
	for _, e := range entries {
		s.nextEntryID++
		e.ID = s.nextEntryID
		s.entries[e.ID] = e
	}
	return nil
}

func (s *Store) PurgeDigest(_ context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var n int64
	for id, e := range s.entries {
		if e.EnqueuedAt.Before(before) {
			delete(s.entries, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) PendingDigest(_ context.Context, before time.Time) ([]notifier.PendingDigestEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []notifier.PendingDigestEntry
	for _, e := range s.entries {
		if e.EnqueuedAt.Before(before) {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// ConsumeDigest runs deliver and deletes the user's entries only if it succeeds.
func (s *Store) ConsumeDigest(ctx context.Context, userID int64, entryIDs []int64, deliver func(context.Context) error) error {
	if err := deliver(ctx); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.FailQueue {
		return errQueue
	}
	for _, id := range entryIDs {
		if e, ok := s.entries[id]; ok && e.UserID == userID {
			delete(s.entries, id)
		}
	}
	return nil
}

// Run state.

func (s *Store) LastDigestRun(context.Context) (time.Time, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastDigest, nil
}

func (s *Store) SetLastDigestRun(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastDigest = t
	return nil
}

func (s *Store) SetLastCronRun(_ context.Context, t time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastCron = t
	return nil
}

func (s *Store) LastCronRun() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastCron
}
