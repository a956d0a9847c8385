package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"strings"
	"testing"

	"forum-notifier/cron"
	"forum-notifier/metrics"

	"github.com/prometheus/client_golang/prometheus"
)

type fakeRunner struct {
	rep *cron.Report
	err error
}

func (f *fakeRunner) Run(context.Context) (*cron.Report, error) {
	return f.rep, f.err
}

func newTestServer(r Runner, g prometheus.Gatherer) http.Handler {
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	return New(&Config{Runner: r, Gatherer: g, Logger: logger}).Handler()
}

func TestHandleCron(t *testing.T) {
	tests := []struct {
		name   string
		method string
		runner *fakeRunner
		want   int
	}{
		{"report", http.MethodPost, &fakeRunner{rep: &cron.Report{Collected: 3, Dispatched: 2, Released: 1}}, http.StatusOK},
		{"busy", http.MethodPost, &fakeRunner{err: cron.ErrRunInProgress}, http.StatusConflict},
		{"aborted", http.MethodPost, &fakeRunner{err: errors.New("collect: connection reset")}, http.StatusInternalServerError},
		{"wrong method", http.MethodGet, &fakeRunner{}, http.StatusMethodNotAllowed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := httptest.NewRecorder()
			newTestServer(tt.runner, nil).ServeHTTP(rec, httptest.NewRequest(tt.method, "/cronz", nil))
			if rec.Code != tt.want {
				t.Fatalf("status = %d, want %d", rec.Code, tt.want)
			}
			if tt.want != http.StatusOK {
				return
			}
			var got cron.Report
			if err := json.NewDecoder(rec.Body).Decode(&got); err != nil {
				t.Fatal(err)
			}
			if got.Collected != 3 || got.Dispatched != 2 || got.Released != 1 {
				t.Errorf("report = %+v", got)
			}
		})
	}
}

func TestHealthAndMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	m, err := metrics.New(reg)
	if err != nil {
		t.Fatal(err)
	}
	m.Collected(4)
	h := newTestServer(&fakeRunner{}, reg)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	if rec.Code != http.StatusOK || !strings.Contains(rec.Body.String(), "healthy") {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))
	if !strings.Contains(rec.Body.String(), "forum_notifier_items_collected_total 4") {
		t.Errorf("metrics output missing collected counter:\n%s", rec.Body.String())
	}
}
