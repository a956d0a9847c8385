package digest

import (
	"testing"
	"time"
)

func TestTargetTime(t *testing.T) {
	ny, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}

	tests := []struct {
		name string
		now  time.Time
		loc  *time.Location
		hour int
		want time.Time
	}{
		{
			name: "utc afternoon",
			now:  time.Date(2024, 3, 10, 18, 30, 0, 0, time.UTC),
			loc:  time.UTC,
			hour: 17,
			want: time.Date(2024, 3, 10, 17, 0, 0, 0, time.UTC),
		},
		{
			name: "local day differs from utc day",
			now:  time.Date(2024, 1, 15, 3, 0, 0, 0, time.UTC), // 22:00 on the 14th in New York
			loc:  ny,
			hour: 17,
			want: time.Date(2024, 1, 14, 17, 0, 0, 0, ny),
		},
		{
			name: "spring forward keeps wall clock hour",
			now:  time.Date(2024, 3, 10, 23, 0, 0, 0, time.UTC),
			loc:  ny,
			hour: 17,
			want: time.Date(2024, 3, 10, 21, 0, 0, 0, time.UTC),
		},
		{
			name: "midnight",
			now:  time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
			loc:  time.UTC,
			hour: 0,
			want: time.Date(2024, 3, 10, 0, 0, 0, 0, time.UTC),
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := TargetTime(tt.now, tt.loc, tt.hour); !got.Equal(tt.want) {
				t.Errorf("TargetTime = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestDue(t *testing.T) {
	target := time.Date(2024, 3, 10, 17, 0, 0, 0, time.UTC)

	tests := []struct {
		name string
		last time.Time
		now  time.Time
		want bool
	}{
		{"never ran, after target", time.Time{}, target.Add(time.Minute), true},
		{"never ran, at target", time.Time{}, target, true},
		{"before target", time.Time{}, target.Add(-time.Minute), false},
		{"ran yesterday", target.Add(-23 * time.Hour), target.Add(time.Hour), true},
		{"already ran today", target.Add(time.Minute), target.Add(time.Hour), false},
		{"ran exactly at target", target, target.Add(time.Hour), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Due(tt.last, tt.now, time.UTC, 17); got != tt.want {
				t.Errorf("Due = %v, want %v", got, tt.want)
			}
		})
	}
}
