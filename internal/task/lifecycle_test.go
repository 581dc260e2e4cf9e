package task

import (
	"errors"
	"testing"
	"time"
)

func newTestTask(status Status, tries int) *Task {
	return &Task{
		ID:           1,
		PID:          "urn:uuid:abc",
		Status:       status,
		TryCount:     tries,
		Priority:     PriorityAdd,
		TaskModified: baseTime.Add(-time.Hour),
	}
}

func TestMarkInProgress(t *testing.T) {
	l := Lifecycle{Retries: 2, Now: fixedClock(baseTime)}

	tests := []struct {
		name    string
		from    Status
		wantErr bool
	}{
		{"from new", StatusNew, false},
		{"from failed", StatusFailed, false},
		{"from in process", StatusInProcess, true},
		{"from complete", StatusComplete, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestTask(tt.from, 1)
			err := l.MarkInProgress(tk)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidTransition) {
					t.Fatalf("MarkInProgress() error = %v, want ErrInvalidTransition", err)
				}
				if tk.Status != tt.from || tk.TryCount != 1 {
					t.Errorf("rejected transition mutated task: %v", tk)
				}
				return
			}
			if err != nil {
				t.Fatalf("MarkInProgress() error = %v", err)
			}
			if tk.Status != StatusInProcess {
				t.Errorf("Status = %v, want %v", tk.Status, StatusInProcess)
			}
			if tk.TryCount != 2 {
				t.Errorf("TryCount = %d, want 2", tk.TryCount)
			}
			if !tk.TaskModified.Equal(baseTime) {
				t.Errorf("TaskModified = %v, want %v", tk.TaskModified, baseTime)
			}
		})
	}
}

func TestMarkComplete(t *testing.T) {
	l := Lifecycle{Retries: 2, Now: fixedClock(baseTime)}

	tk := newTestTask(StatusInProcess, 1)
	if err := l.MarkComplete(tk); err != nil {
		t.Fatalf("MarkComplete() error = %v", err)
	}
	if tk.Status != StatusComplete {
		t.Errorf("Status = %v, want %v", tk.Status, StatusComplete)
	}
	if !tk.TaskModified.Equal(baseTime) {
		t.Errorf("TaskModified = %v, want %v", tk.TaskModified, baseTime)
	}

	for _, from := range []Status{StatusNew, StatusFailed, StatusComplete} {
		tk := newTestTask(from, 0)
		if err := l.MarkComplete(tk); !errors.Is(err, ErrInvalidTransition) {
			t.Errorf("MarkComplete() from %v error = %v, want ErrInvalidTransition", from, err)
		}
	}
}

func TestMarkFailedBelowThreshold(t *testing.T) {
	l := Lifecycle{Retries: 2, Now: fixedClock(baseTime)}

	tk := newTestTask(StatusInProcess, 1)
	l.MarkFailed(tk)
	if tk.Status != StatusFailed {
		t.Errorf("Status = %v, want %v", tk.Status, StatusFailed)
	}
	if !tk.NextEligible.IsZero() {
		t.Errorf("NextEligible = %v, want zero below threshold", tk.NextEligible)
	}
}

func TestMarkFailedBackoffProgression(t *testing.T) {
	l := Lifecycle{Retries: 2, Now: fixedClock(baseTime)}

	tests := []struct {
		tryCount int
		want     time.Duration
	}{
		{2, 20 * time.Minute},
		{3, 2 * time.Hour},
		{4, 8 * time.Hour},
		{9, 24 * time.Hour},
		{10, 7 * 24 * time.Hour},
	}

	for _, tt := range tests {
		tk := newTestTask(StatusInProcess, tt.tryCount)
		l.MarkFailed(tk)
		if got := tk.NextEligible.Sub(baseTime); got != tt.want {
			t.Errorf("tryCount %d: backoff = %v, want %v", tt.tryCount, got, tt.want)
		}
	}
}

func TestMarkNew(t *testing.T) {
	l := Lifecycle{Retries: 2, Now: fixedClock(baseTime)}

	tests := []struct {
		name       string
		from       Status
		tries      int
		wantStatus Status
		wantDelay  time.Duration
	}{
		{"below threshold from failed", StatusFailed, 1, StatusNew, 0},
		{"below threshold from in process", StatusInProcess, 0, StatusNew, 0},
		{"at threshold from failed", StatusFailed, 2, StatusFailed, 20 * time.Minute},
		{"at threshold from in process", StatusInProcess, 2, StatusFailed, 20 * time.Minute},
		{"past threshold from new", StatusNew, 4, StatusFailed, 8 * time.Hour},
		{"past threshold from complete", StatusComplete, 3, StatusFailed, 2 * time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tk := newTestTask(tt.from, tt.tries)
			l.MarkNew(tk)
			if tk.Status != tt.wantStatus {
				t.Errorf("Status = %v, want %v", tk.Status, tt.wantStatus)
			}
			if tt.wantDelay == 0 {
				if !tk.NextEligible.IsZero() {
					t.Errorf("NextEligible = %v, want zero", tk.NextEligible)
				}
				return
			}
			if got := tk.NextEligible.Sub(baseTime); got != tt.wantDelay {
				t.Errorf("backoff = %v, want %v", got, tt.wantDelay)
			}
			if !tk.NextEligible.After(baseTime) {
				t.Errorf("NextEligible = %v, want after %v", tk.NextEligible, baseTime)
			}
		})
	}
}

func TestMarkNewNeverResetsExhaustedTask(t *testing.T) {
	l := Lifecycle{Retries: 2, Now: fixedClock(baseTime)}
	for tries := 2; tries < 20; tries++ {
		tk := newTestTask(StatusFailed, tries)
		l.MarkNew(tk)
		if tk.Status == StatusNew {
			t.Fatalf("tryCount %d: MarkNew() left task NEW", tries)
		}
		if !tk.NextEligible.After(baseTime) {
			t.Fatalf("tryCount %d: NextEligible = %v, want future", tries, tk.NextEligible)
		}
	}
}

func TestBackoffWindowEligibility(t *testing.T) {
	now := baseTime
	l := Lifecycle{Retries: 2, Now: func() time.Time { return now }}

	tk := newTestTask(StatusNew, 1)
	if err := l.MarkInProgress(tk); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	l.MarkFailed(tk)

	if want := baseTime.Add(20 * time.Minute); !tk.NextEligible.Equal(want) {
		t.Fatalf("NextEligible = %v, want %v", tk.NextEligible, want)
	}
	if tk.Eligible(StatusFailed, baseTime.Add(10*time.Minute), 10) {
		t.Error("Eligible() at T+10m = true, want false")
	}
	if !tk.Eligible(StatusFailed, baseTime.Add(21*time.Minute), 10) {
		t.Error("Eligible() at T+21m = false, want true")
	}
	if tk.Eligible(StatusFailed, baseTime.Add(21*time.Minute), 2) {
		t.Error("Eligible() with limit 2 = true, want false")
	}
}

func TestNewLifecycleUsesWallClock(t *testing.T) {
	l := NewLifecycle(DefaultRetryThreshold)
	before := time.Now()
	tk := newTestTask(StatusNew, 0)
	if err := l.MarkInProgress(tk); err != nil {
		t.Fatalf("MarkInProgress() error = %v", err)
	}
	if tk.TaskModified.Before(before) {
		t.Errorf("TaskModified = %v, want >= %v", tk.TaskModified, before)
	}
}
