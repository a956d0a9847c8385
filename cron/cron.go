// Package cron runs the notification batch: immediate delivery of newly
// collected posts followed by the daily digest.
package cron

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"forum-notifier/collect"
	"forum-notifier/digest"
	"forum-notifier/eligibility"
	"forum-notifier/metrics"
	"forum-notifier/pkg/notifier"
	"forum-notifier/resolve"
	"forum-notifier/route"
	"forum-notifier/usercache"

	"github.com/google/uuid"
)

// ErrRunInProgress is returned when Run is called while another run is active.
var ErrRunInProgress = errors.New("notification run already in progress")

// Store is the host as seen by one run.
type Store interface {
	collect.Store
	resolve.Subscriptions
	usercache.Directory
	usercache.Preferences
	eligibility.Capabilities
	eligibility.Groups
	eligibility.Posting
	route.Queue
	route.ReadTracker
	digest.Queue
	digest.Posts

	ReleasePosts(ctx context.Context, ids []int64) error
	MarkDispatched(ctx context.Context, ids []int64) error
	MarkFailed(ctx context.Context, ids []int64) error
}

// State persists run timestamps.
type State interface {
	digest.State
	SetLastCronRun(ctx context.Context, t time.Time) error
}

// Mailer renders and sends both kinds of message.
type Mailer interface {
	route.Mailer
	digest.Mailer
}

// Config controls a run.
type Config struct {
	MaxEditingTime time.Duration
	LookbackWindow time.Duration
	PhaseBudget    time.Duration
	SendTimeout    time.Duration
	Workers        int
	UserCacheSize  int
	AutoMarkRead   bool

	DigestLocation  *time.Location
	DigestHour      int
	DigestRetention time.Duration
}

// Report summarises one run.
type Report struct {
	RunID       string         `json:"run_id"`
	Started     time.Time      `json:"started"`
	WindowStart time.Time      `json:"window_start"`
	WindowEnd   time.Time      `json:"window_end"`
	Collected   int            `json:"collected"`
	Dispatched  int            `json:"dispatched"`
	Failed      int            `json:"failed"`
	Released    int            `json:"released"`
	Sent        int            `json:"sent"`
	Enqueued    int            `json:"enqueued"`
	SendFailed  int            `json:"send_failed"`
	Digest      *digest.Report `json:"digest,omitempty"`
	Duration    string         `json:"duration"`
}

// Runner executes at most one run at a time.
type Runner struct {
	store   Store
	state   State
	mailer  Mailer
	metrics *metrics.Metrics
	logger  *slog.Logger
	cfg     Config
	now     func() time.Time
	mu      sync.Mutex
}

// New creates a runner. m may be nil.
func New(store Store, state State, mailer Mailer, m *metrics.Metrics, cfg Config, logger *slog.Logger) *Runner {
	if cfg.PhaseBudget <= 0 {
		cfg.PhaseBudget = 10 * time.Minute
	}
	if cfg.DigestLocation == nil {
		cfg.DigestLocation = time.UTC
	}
	return &Runner{
		store:   store,
		state:   state,
		mailer:  mailer,
		metrics: m,
		logger:  logger,
		cfg:     cfg,
		now:     time.Now,
	}
}

// Run collects and delivers pending posts, then runs the digest phase.
// Only a failure to read pending posts or the digest state is returned.
func (r *Runner) Run(ctx context.Context) (*Report, error) {
	if !r.mu.TryLock() {
		return nil, ErrRunInProgress
	}
	defer r.mu.Unlock()

	began := time.Now()
	now := r.now()
	start, end := collect.Window(now, r.cfg.MaxEditingTime, r.cfg.LookbackWindow)
	rep := &Report{RunID: uuid.NewString(), Started: now, WindowStart: start, WindowEnd: end}
	logger := r.logger.With("run_id", rep.RunID)
	users := usercache.New(r.store, r.store, r.cfg.UserCacheSize, logger)

	logger.Info("Starting notification run", "window_start", start, "window_end", end)

	if err := r.immediate(ctx, now, users, rep, logger); err != nil {
		return nil, err
	}

	drep, err := r.digest(ctx, users, logger)
	rep.Digest = drep
	r.metrics.CacheSize(users.Stats())
	if err != nil {
		return rep, err
	}

	if err := r.state.SetLastCronRun(ctx, now); err != nil {
		logger.Error("Failed to save last cron run", "error", err)
	}
	rep.Duration = time.Since(began).Round(time.Millisecond).String()

	logger.Info("Notification run completed",
		"collected", rep.Collected, "dispatched", rep.Dispatched, "failed", rep.Failed,
		"released", rep.Released, "sent", rep.Sent, "enqueued", rep.Enqueued,
		"digest_ran", drep.Ran, "digest_sent", drep.Sent, "duration", rep.Duration)
	return rep, nil
}

func (r *Runner) immediate(ctx context.Context, now time.Time, users *usercache.Cache, rep *Report, logger *slog.Logger) error {
	defer r.metrics.Phase("immediate")()
	phaseCtx, cancel := context.WithTimeout(ctx, r.cfg.PhaseBudget)
	defer cancel()

	items, err := collect.New(r.store, logger).Collect(phaseCtx, rep.WindowStart, rep.WindowEnd, now)
	if err != nil {
		return fmt.Errorf("collect: %w", err)
	}
	rep.Collected = len(items)
	r.metrics.Collected(len(items))

	resolver := resolve.New(r.store, logger)
	filter := eligibility.New(users, r.store, r.store, r.store, now, logger)
	router := route.New(users, r.mailer, r.store, r.store, r.metrics, route.Config{
		SendTimeout:  r.cfg.SendTimeout,
		Workers:      r.cfg.Workers,
		AutoMarkRead: r.cfg.AutoMarkRead,
		Now:          r.now,
	}, logger)

	for i, item := range items {
		if phaseCtx.Err() != nil {
			logger.Warn("Immediate phase budget exhausted, releasing remaining posts",
				"remaining", len(items)-i, "budget", r.cfg.PhaseBudget)
			r.settle(ctx, items[i:], notifier.StatePending, rep, logger)
			break
		}
		r.dispatch(ctx, phaseCtx, item, resolver, filter, router, rep, logger)
	}
	return nil
}

// dispatch resolves, filters and routes one claimed item, then settles its state.
// Lookups run under phaseCtx. Sends and state writes use ctx so they survive
// an expired phase budget; each send is bounded by SendTimeout instead.
func (r *Runner) dispatch(ctx, phaseCtx context.Context, item *notifier.NotificationItem,
	resolver *resolve.Resolver, filter *eligibility.Filter, router *route.Router, rep *Report, logger *slog.Logger,
) {
	log := logger.With("post_id", item.Post.ID, "discussion_id", item.Discussion.ID)
	one := []*notifier.NotificationItem{item}

	recipients, err := resolver.Resolve(phaseCtx, item)
	if err != nil {
		log.Warn("Failed to resolve recipients, releasing post", "error", err)
		r.settle(ctx, one, notifier.StatePending, rep, log)
		return
	}
	eligible := filter.Eligible(phaseCtx, item, recipients)
	if err := phaseCtx.Err(); err != nil {
		// Lookups cut short by the budget exclude users wrongly.
		log.Warn("Phase budget expired during eligibility checks, releasing post", "error", err)
		r.settle(ctx, one, notifier.StatePending, rep, log)
		return
	}
	if len(eligible) == 0 {
		log.Info("No eligible recipients", "subscribers", len(recipients))
		r.settle(ctx, one, notifier.StateDispatched, rep, log)
		return
	}

	// Once sending starts the item runs to completion; a send cut off by the
	// budget would leave the post neither delivered nor safe to retry.
	res, err := router.Route(ctx, item, eligible)
	if err != nil {
		log.Warn("Routing interrupted before delivery, releasing post", "error", err)
		r.settle(ctx, one, notifier.StatePending, rep, log)
		return
	}
	rep.Sent += res.Sent
	rep.Enqueued += res.Enqueued
	rep.SendFailed += res.Failed

	if res.Delivered() {
		r.settle(ctx, one, notifier.StateDispatched, rep, log)
	} else {
		log.Warn("Every delivery attempt failed", "recipients", len(eligible))
		r.settle(ctx, one, notifier.StateFailed, rep, log)
	}
}

// settle moves dispatching items to state. A failed write leaves them dispatching.
func (r *Runner) settle(ctx context.Context, items []*notifier.NotificationItem, state notifier.DispatchState, rep *Report, logger *slog.Logger) {
	ids := make([]int64, len(items))
	for i, it := range items {
		ids[i] = it.Post.ID
	}

	var err error
	switch state {
	case notifier.StateDispatched:
		err = r.store.MarkDispatched(ctx, ids)
	case notifier.StateFailed:
		err = r.store.MarkFailed(ctx, ids)
	default:
		err = r.store.ReleasePosts(ctx, ids)
	}
	if err != nil {
		logger.Error("Failed to update post state", "post_ids", ids, "state", state.String(), "error", err)
		return
	}

	for _, it := range items {
		it.Post.State = state
		r.metrics.Outcome(state.String())
	}
	switch state {
	case notifier.StateDispatched:
		rep.Dispatched += len(items)
	case notifier.StateFailed:
		rep.Failed += len(items)
	default:
		rep.Released += len(items)
	}
}

func (r *Runner) digest(ctx context.Context, users *usercache.Cache, logger *slog.Logger) (*digest.Report, error) {
	defer r.metrics.Phase("digest")()
	phaseCtx, cancel := context.WithTimeout(ctx, r.cfg.PhaseBudget)
	defer cancel()

	agg := digest.New(r.store, r.store, r.state, users, r.mailer, r.store, r.metrics, digest.Config{
		Location:     r.cfg.DigestLocation,
		Hour:         r.cfg.DigestHour,
		Retention:    r.cfg.DigestRetention,
		SendTimeout:  r.cfg.SendTimeout,
		Workers:      r.cfg.Workers,
		AutoMarkRead: r.cfg.AutoMarkRead,
	}, logger)

	drep, err := agg.Run(phaseCtx, r.now())
	if err != nil {
		return nil, fmt.Errorf("digest: %w", err)
	}
	return drep, nil
}

// Start triggers Run every interval until ctx is cancelled.
func (r *Runner) Start(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	r.logger.Info("Cron ticker started", "interval", interval)
	for {
		select {
		case <-ctx.Done():
			r.logger.Info("Cron ticker stopped")
			return
		case <-ticker.C:
			if _, err := r.Run(ctx); err != nil {
				if errors.Is(err, ErrRunInProgress) {
					r.logger.Debug("Skipping tick, run in progress")
					continue
				}
				r.logger.Error("Notification run failed", "error", err)
			}
		}
	}
}
