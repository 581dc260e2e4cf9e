package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/austindbirch/indexhook/internal/logging"
	"github.com/austindbirch/indexhook/internal/metrics"
)

// nsqStats is the part of the nsqd /stats response we read
type nsqStats struct {
	Topics []struct {
		TopicName string `json:"topic_name"`
		Channels  []struct {
			ChannelName   string `json:"channel_name"`
			Depth         int64  `json:"depth"`
			InFlightCount int64  `json:"in_flight_count"`
		} `json:"channels"`
	} `json:"topics"`
}

// BacklogMonitor polls nsqd for the depth of the generator channel
type BacklogMonitor struct {
	HTTPAddr string // nsqd HTTP address, host:port
	Topic    string
	Channel  string
	Interval time.Duration

	client *http.Client
	logger *logging.Logger
}

// NewBacklogMonitor returns a monitor polling every 15s
func NewBacklogMonitor(httpAddr, topic, channel string, logger *logging.Logger) *BacklogMonitor {
	if logger == nil {
		logger = logging.Discard()
	}
	return &BacklogMonitor{
		HTTPAddr: httpAddr,
		Topic:    topic,
		Channel:  channel,
		Interval: 15 * time.Second,
		client:   &http.Client{Timeout: 5 * time.Second},
		logger:   logger,
	}
}

// Poll fetches stats once, updates the depth gauges and returns the depth of
// the monitored channel. With no channel set only per-channel depths are
// recorded.
func (b *BacklogMonitor) Poll(ctx context.Context) (int64, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		fmt.Sprintf("http://%s/stats?format=json&topic=%s", b.HTTPAddr, b.Topic), nil)
	if err != nil {
		return 0, err
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("get nsq stats: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return 0, fmt.Errorf("get nsq stats: status %d", resp.StatusCode)
	}

	var stats nsqStats
	if err := json.NewDecoder(resp.Body).Decode(&stats); err != nil {
		return 0, fmt.Errorf("decode nsq stats: %w", err)
	}

	var depth int64
	for _, topic := range stats.Topics {
		if topic.TopicName != b.Topic {
			continue
		}
		for _, ch := range topic.Channels {
			metrics.UpdateNSQTopicDepth(topic.TopicName, ch.ChannelName, float64(ch.Depth))
			if ch.ChannelName == b.Channel {
				depth = ch.Depth + ch.InFlightCount
			}
		}
	}
	if b.Channel != "" {
		metrics.UpdateIntakeBacklog(float64(depth))
	}
	return depth, nil
}

// Run polls until ctx is done
func (b *BacklogMonitor) Run(ctx context.Context) {
	ticker := time.NewTicker(b.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if _, err := b.Poll(ctx); err != nil {
				b.logger.Plain().WithError(err).Warn("Failed to update intake backlog")
			}
		}
	}
}
