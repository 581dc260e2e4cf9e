package main

import (
	"testing"
	"time"

	"github.com/austindbirch/indexhook/internal/config"
)

func TestDispatcherConfig(t *testing.T) {
	tests := []struct {
		name  string
		tasks config.Tasks
	}{
		{
			name: "defaults from env",
			tasks: config.Tasks{
				TryCountLimit: 12,
				BatchSize:     100,
				Concurrency:   4,
				PollInterval:  5 * time.Second,
			},
		},
		{
			name: "custom values",
			tasks: config.Tasks{
				TryCountLimit: 3,
				BatchSize:     10,
				Concurrency:   1,
				PollInterval:  time.Second,
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := dispatcherConfig(tt.tasks)
			if got.TryCountLimit != tt.tasks.TryCountLimit {
				t.Errorf("TryCountLimit = %d, want %d", got.TryCountLimit, tt.tasks.TryCountLimit)
			}
			if got.BatchSize != tt.tasks.BatchSize {
				t.Errorf("BatchSize = %d, want %d", got.BatchSize, tt.tasks.BatchSize)
			}
			if got.Concurrency != tt.tasks.Concurrency {
				t.Errorf("Concurrency = %d, want %d", got.Concurrency, tt.tasks.Concurrency)
			}
			if got.PollInterval != tt.tasks.PollInterval {
				t.Errorf("PollInterval = %v, want %v", got.PollInterval, tt.tasks.PollInterval)
			}
		})
	}
}
