// Package storage persists pipeline run state.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"cloud.google.com/go/storage"
	"github.com/codeGROOVE-dev/retry"
)

// StateKey is the object name of the run state.
const StateKey = "run-state.json"

// ErrNotFound is returned when no state has been written yet.
var ErrNotFound = errors.New("storage: object doesn't exist")

// RunState records when the pipeline phases last completed.
type RunState struct {
	LastDigestRun time.Time `json:"last_digest_run"`
	LastCronRun   time.Time `json:"last_cron_run"`
}

// Store keeps the run state in Cloud Storage, or in a local directory when
// localPath is set.
type Store struct {
	client    *storage.Client
	logger    *slog.Logger
	localPath string
	bucket    string
	mu        sync.Mutex
}

// New creates a store. client may be nil when localPath is set.
func New(client *storage.Client, bucket string, localPath string, logger *slog.Logger) *Store {
	return &Store{
		client:    client,
		logger:    logger,
		localPath: localPath,
		bucket:    bucket,
	}
}

// Load reads the run state. A missing object yields the zero state.
func (s *Store) Load(ctx context.Context) (*RunState, error) {
	data, err := s.read(ctx)
	if errors.Is(err, ErrNotFound) {
		return &RunState{}, nil
	}
	if err != nil {
		return nil, err
	}

	var st RunState
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	return &st, nil
}

// Save writes the run state.
func (s *Store) Save(ctx context.Context, st *RunState) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := s.write(ctx, data); err != nil {
		return err
	}
	s.logger.Debug("Run state saved", "last_digest_run", st.LastDigestRun, "last_cron_run", st.LastCronRun)
	return nil
}

// update applies fn to the stored state under the store's lock.
func (s *Store) update(ctx context.Context, fn func(*RunState)) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	st, err := s.Load(ctx)
	if err != nil {
		return err
	}
	fn(st)
	return s.Save(ctx, st)
}

func (s *Store) LastDigestRun(ctx context.Context) (time.Time, error) {
	st, err := s.Load(ctx)
	if err != nil {
		return time.Time{}, err
	}
	return st.LastDigestRun, nil
}

func (s *Store) SetLastDigestRun(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(st *RunState) { st.LastDigestRun = t })
}

func (s *Store) SetLastCronRun(ctx context.Context, t time.Time) error {
	return s.update(ctx, func(st *RunState) { st.LastCronRun = t })
}

func (s *Store) read(ctx context.Context) ([]byte, error) {
	if s.localPath != "" {
		data, err := os.ReadFile(filepath.Join(s.localPath, StateKey))
		if err != nil {
			if os.IsNotExist(err) {
				return nil, ErrNotFound
			}
			return nil, fmt.Errorf("read from local storage: %w", err)
		}
		return data, nil
	}

	var data []byte
	notFound := false
	err := retry.Do(
		func() error {
			r, openErr := s.client.Bucket(s.bucket).Object(StateKey).NewReader(ctx)
			if openErr != nil {
				if errors.Is(openErr, storage.ErrObjectNotExist) {
					notFound = true
					return retry.Unrecoverable(ErrNotFound)
				}
				return fmt.Errorf("open storage reader: %w", openErr)
			}
			defer func() {
				if closeErr := r.Close(); closeErr != nil {
					s.logger.Warn("Failed to close storage reader", "error", closeErr)
				}
			}()

			var readErr error
			data, readErr = io.ReadAll(r)
			if readErr != nil {
				return fmt.Errorf("read from storage: %w", readErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying run state load after error", "attempt", n, "error", retryErr)
		}),
	)
	if notFound {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load after retries: %w", err)
	}
	return data, nil
}

func (s *Store) write(ctx context.Context, data []byte) error {
	if s.localPath != "" {
		if err := os.MkdirAll(s.localPath, 0o700); err != nil {
			return fmt.Errorf("create local storage directory: %w", err)
		}
		// Write then rename so a crash never leaves a truncated state file.
		path := filepath.Join(s.localPath, StateKey)
		tmp := path + ".tmp"
		if err := os.WriteFile(tmp, data, 0o600); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		if err := os.Rename(tmp, path); err != nil {
			return fmt.Errorf("write to local storage: %w", err)
		}
		return nil
	}

	err := retry.Do(
		func() error {
			w := s.client.Bucket(s.bucket).Object(StateKey).NewWriter(ctx)
			w.ContentType = "application/json"
			if _, writeErr := w.Write(data); writeErr != nil {
				if closeErr := w.Close(); closeErr != nil {
					s.logger.Warn("Failed to close writer after error", "error", closeErr)
				}
				return fmt.Errorf("write to storage: %w", writeErr)
			}
			if closeErr := w.Close(); closeErr != nil {
				return fmt.Errorf("close storage writer: %w", closeErr)
			}
			return nil
		},
		retry.Attempts(3),
		retry.Delay(time.Second),
		retry.MaxDelay(2*time.Minute),
		retry.MaxJitter(10*time.Second),
		retry.Context(ctx),
		retry.OnRetry(func(n uint, retryErr error) {
			s.logger.Info("Retrying run state save after error", "attempt", n, "error", retryErr)
		}),
	)
	if err != nil {
		return fmt.Errorf("save after retries: %w", err)
	}
	return nil
}

// IsNotFound reports whether err means no state exists.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
