package redis

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/austindbirch/indexhook/internal/store"
	"github.com/austindbirch/indexhook/internal/store/storetest"
	"github.com/austindbirch/indexhook/internal/task"
)

func TestStoreContract(t *testing.T) {
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set")
	}
	client := goredis.NewClient(&goredis.Options{Addr: addr, DB: 15})
	t.Cleanup(func() { client.Close() })
	require.NoError(t, client.Ping(context.Background()).Err())

	storetest.Run(t, func(t *testing.T) store.TaskStore {
		require.NoError(t, client.FlushDB(context.Background()).Err())
		return New(client)
	})
}

func TestCodecRoundTrip(t *testing.T) {
	in := &task.Task{
		ID:             12,
		Version:        3,
		PID:            "urn:uuid:codec",
		FormatID:       task.FormatResourceMap,
		Metadata:       []byte("<systemMetadata/>"),
		ObjectPath:     "/objects/codec",
		SourceModified: time.Date(2024, 5, 1, 0, 0, 0, 0, time.UTC),
		TaskModified:   time.Date(2024, 5, 2, 3, 4, 5, 6000, time.UTC),
		NextEligible:   time.Date(2024, 5, 2, 3, 24, 5, 0, time.UTC),
		TryCount:       2,
		Deleted:        true,
		Priority:       task.PriorityUpdateResourceMap,
		Status:         task.StatusFailed,
	}

	raw := map[string]string{}
	for k, v := range taskToMap(in) {
		raw[k] = toString(v)
	}
	out, err := mapToTask(raw)
	require.NoError(t, err)
	assert.Equal(t, in, out)
}

func TestCodecZeroTimes(t *testing.T) {
	raw := map[string]string{}
	for k, v := range taskToMap(&task.Task{ID: 1, Version: 1, PID: "p", Status: task.StatusNew}) {
		raw[k] = toString(v)
	}
	out, err := mapToTask(raw)
	require.NoError(t, err)
	assert.True(t, out.NextEligible.IsZero())
	assert.True(t, out.SourceModified.IsZero())
	assert.Nil(t, out.Metadata)
}

func TestCodecRejectsCorruptHash(t *testing.T) {
	_, err := mapToTask(map[string]string{"id": "x"})
	assert.Error(t, err)
}

func TestEligibleScoreOrdersByPriorityThenTime(t *testing.T) {
	ts := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	urgentLate := &task.Task{Priority: 1, TaskModified: ts.Add(24 * time.Hour)}
	lazyEarly := &task.Task{Priority: 2, TaskModified: ts}
	lazyLate := &task.Task{Priority: 2, TaskModified: ts.Add(time.Millisecond)}

	assert.Less(t, eligibleScore(urgentLate), eligibleScore(lazyEarly))
	assert.Less(t, eligibleScore(lazyEarly), eligibleScore(lazyLate))
}

func TestKeys(t *testing.T) {
	assert.Equal(t, "indexhook:task:42", taskKey(42))
	assert.Equal(t, "indexhook:status:IN PROCESS", statusKey(task.StatusInProcess))
	assert.Equal(t, "indexhook:modified:NEW", modifiedKey(task.StatusNew))
	assert.Equal(t, "indexhook:pid:urn:uuid:1", pidKey("urn:uuid:1"))
}

// toString mimics how Redis hands hash values back
func toString(v any) string {
	return fmt.Sprint(v)
}
