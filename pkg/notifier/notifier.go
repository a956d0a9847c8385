// Package notifier contains the core domain types for the forum notification service.
package notifier

import (
	"fmt"
	"strings"
	"time"
)

// DispatchState tracks a post through the mailing pipeline.
// Transitions: pending -> dispatching -> {dispatched, failed}.
type DispatchState int

const (
	StatePending DispatchState = iota
	StateDispatching
	StateDispatched
	StateFailed
)

func (s DispatchState) String() string {
	switch s {
	case StatePending:
		return "pending"
	case StateDispatching:
		return "dispatching"
	case StateDispatched:
		return "dispatched"
	case StateFailed:
		return "failed"
	default:
		return fmt.Sprintf("DispatchState(%d)", int(s))
	}
}

// DigestMode is a user's digest preference for a forum.
type DigestMode int

const (
	DigestOff      DigestMode = iota // one mail per post
	DigestFull                       // daily digest with full post content
	DigestSubjects                   // daily digest with subject lines only
)

func (m DigestMode) String() string {
	switch m {
	case DigestOff:
		return "off"
	case DigestFull:
		return "full"
	case DigestSubjects:
		return "subjects"
	default:
		return fmt.Sprintf("DigestMode(%d)", int(m))
	}
}

// ParseDigestMode accepts the names returned by String and the numeric codes
// used by the host tables (0, 1, 2).
func ParseDigestMode(s string) (DigestMode, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "off", "0", "":
		return DigestOff, nil
	case "full", "1":
		return DigestFull, nil
	case "subjects", "subject-only", "2":
		return DigestSubjects, nil
	default:
		return DigestOff, fmt.Errorf("unknown digest mode %q", s)
	}
}

// SubscriptionMode is the forum-wide subscription setting.
type SubscriptionMode int

const (
	SubscriptionOptional   SubscriptionMode = iota // users opt in
	SubscriptionForced                             // every enrolled member, no opt-out
	SubscriptionAuto                               // opted in on enrolment, may opt out
	SubscriptionDisallowed                         // nobody is subscribed
)

// ForumType distinguishes forums with special visibility rules.
type ForumType string

const (
	ForumGeneral ForumType = "general"
	ForumQandA   ForumType = "qanda"
	ForumNews    ForumType = "news"
)

// Forum is a container of discussions.
type Forum struct {
	ID           int64
	CourseID     int64
	Name         string
	Type         ForumType
	Subscription SubscriptionMode
}

// Discussion is a thread rooted at its first post.
type Discussion struct {
	TimeStart   time.Time // zero when not timed
	TimeEnd     time.Time // zero when open ended
	Name        string
	ID          int64
	ForumID     int64
	FirstPostID int64
	GroupID     int64 // 0 means visible to all groups
}

// Released reports whether the timed-release window is open at now.
func (d *Discussion) Released(now time.Time) bool {
	if !d.TimeStart.IsZero() && d.TimeStart.After(now) {
		return false
	}
	if !d.TimeEnd.IsZero() && !d.TimeEnd.After(now) {
		return false
	}
	return true
}

// Post is a single forum post.
type Post struct {
	Created      time.Time
	Modified     time.Time
	Subject      string
	Message      string // HTML
	AuthorName   string
	ID           int64
	DiscussionID int64
	ParentID     int64 // 0 for the discussion's first post
	AuthorID     int64
	MailNow      bool // bypass the editing delay
	State        DispatchState
}

// NotificationItem is a post together with its discussion and forum.
type NotificationItem struct {
	Post       *Post
	Discussion *Discussion
	Forum      *Forum
}

// DiscussionSubscription is a discussion-level subscription record.
// Subscribed=false is an explicit opt-out of a forum subscription.
type DiscussionSubscription struct {
	SubscribedAt time.Time // zero when unknown
	UserID       int64
	Subscribed   bool
}

// UserRecord is the projection of a user the pipeline needs.
// A minimal record carries only ID.
type UserRecord struct {
	Email        string
	FullName     string
	ID           int64
	MailDigest   DigestMode // global default when a forum has no override
	AutoMarkRead bool
	Suspended    bool
	Minimal      bool
}

// Deliverable reports whether mail can be sent to the user.
func (u *UserRecord) Deliverable() bool {
	return u != nil && !u.Minimal && !u.Suspended && u.Email != ""
}

// PendingDigestEntry is a post queued for a user's next digest.
type PendingDigestEntry struct {
	EnqueuedAt   time.Time
	ID           int64
	UserID       int64
	ForumID      int64
	DiscussionID int64
	PostID       int64
}

// DigestDiscussion is one discussion's section of a digest.
type DigestDiscussion struct {
	Forum      *Forum
	Discussion *Discussion
	Posts      []*Post // ascending by creation
	Mode       DigestMode
}

// Digest is the aggregated message for one user.
type Digest struct {
	Discussions []*DigestDiscussion
}

// PostCount returns the number of posts across all discussions.
func (d *Digest) PostCount() int {
	n := 0
	for _, dd := range d.Discussions {
		n += len(dd.Posts)
	}
	return n
}

// Capability names a permission checked against the host.
type Capability string

const (
	CapViewDiscussion          Capability = "forum:viewdiscussion"
	CapViewHiddenTimed         Capability = "forum:viewhiddentimedposts"
	CapAccessAllGroups         Capability = "site:accessallgroups"
	CapViewQandAWithoutPosting Capability = "forum:viewqandawithoutposting"
)
