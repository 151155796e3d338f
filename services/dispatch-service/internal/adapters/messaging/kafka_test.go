package messaging

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestKafkaMessageCarriesTenant(t *testing.T) {
	now := time.Date(2026, 3, 2, 10, 0, 0, 0, time.UTC)

	km := messageToKafkaMessage("task-events", []byte(`{"type":"task_completed"}`), "tenant-1",
		map[string]string{headerTenantID: "tenant-1"}, now)

	require.NotNil(t, km.TopicPartition.Topic)
	assert.Equal(t, "task-events", *km.TopicPartition.Topic)
	assert.Equal(t, []byte("tenant-1"), km.Key)

	msg := kafkaMessageToMessage(km)
	assert.Equal(t, "tenant-1", msg.TenantID)
	assert.Equal(t, "task-events", msg.Topic)
	assert.NotEmpty(t, msg.ID)
	assert.True(t, msg.PublishedAt.Equal(now))
}

func TestKafkaMessageWithoutKey(t *testing.T) {
	km := messageToKafkaMessage("task-events", []byte("x"), "", nil, time.Now())
	assert.Nil(t, km.Key)

	msg := kafkaMessageToMessage(km)
	assert.Empty(t, msg.TenantID)
	assert.Empty(t, msg.Key)
}
