package broadcaster

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"sitesense-alarm/internal/models"
)

func setupStream(t *testing.T) (*redis.Client, *RedisBroadcaster) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	b := NewRedisBroadcaster(client, "alarm:events:", zap.NewNop())
	return client, b
}

func streamEvent(eventType string) Event {
	return Event{
		Type:     eventType,
		TenantID: "tenant-1",
		DeviceID: "dev-1",
		Alert: models.Alert{
			AlertID:         "alert-1",
			TenantID:        "tenant-1",
			DeviceID:        "dev-1",
			ConditionKey:    "temperature",
			Severity:        "EMERGENCY",
			AlarmStatus:     models.AlertStatusActive,
			EscalationLevel: 1,
		},
		At: time.Now().UTC(),
	}
}

func TestRedisBroadcaster_PublishAppendsToTenantStream(t *testing.T) {
	client, b := setupStream(t)
	ctx := context.Background()

	require.NoError(t, b.Publish(ctx, streamEvent(EventAlarmCreated)))
	require.NoError(t, b.Publish(ctx, streamEvent(EventAlarmEscalated)))

	entries, err := client.XRange(ctx, "alarm:events:tenant-1", "-", "+").Result()
	require.NoError(t, err)
	require.Len(t, entries, 2)

	assert.Equal(t, EventAlarmCreated, entries[0].Values["type"])
	assert.Equal(t, "alert-1", entries[0].Values["alert_id"])
	assert.Equal(t, EventAlarmEscalated, entries[1].Values["type"])
	assert.Contains(t, entries[1].Values["payload"], `"condition_key":"temperature"`)
}

// 不同租户的事件进不同的流
func TestRedisBroadcaster_StreamPerTenant(t *testing.T) {
	client, b := setupStream(t)
	ctx := context.Background()

	event := streamEvent(EventAlarmCreated)
	require.NoError(t, b.Publish(ctx, event))

	other := streamEvent(EventAlarmCreated)
	other.TenantID = "tenant-2"
	require.NoError(t, b.Publish(ctx, other))

	n1, err := client.XLen(ctx, "alarm:events:tenant-1").Result()
	require.NoError(t, err)
	n2, err := client.XLen(ctx, "alarm:events:tenant-2").Result()
	require.NoError(t, err)
	assert.Equal(t, int64(1), n1)
	assert.Equal(t, int64(1), n2)
}
