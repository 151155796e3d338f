package models

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestQuotaLiveDropsExpiredAndSorts(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := Quota{MaxActions: 3, Window: time.Hour}

	entries := []time.Time{
		now.Add(-10 * time.Minute),
		now.Add(-2 * time.Hour),
		now.Add(-time.Hour), // ровно на границе окна уже не считается
		now.Add(-30 * time.Minute),
	}

	live := q.Live(entries, now)
	assert.Equal(t, []time.Time{now.Add(-30 * time.Minute), now.Add(-10 * time.Minute)}, live)
}

func TestQuotaRetryAfter(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	q := Quota{MaxActions: 2, Window: time.Hour}
	live := []time.Time{now.Add(-50 * time.Minute), now.Add(-5 * time.Minute)}

	assert.Equal(t, 10*time.Minute, q.RetryAfter(live, 0, 1, now))
	assert.Equal(t, 55*time.Minute, q.RetryAfter(live, 0, 2, now))
	assert.Equal(t, time.Hour, q.RetryAfter(live, 0, 3, now))
	assert.Equal(t, time.Duration(0), q.RetryAfter(live[:1], 0, 1, now))
	assert.Equal(t, 10*time.Minute, q.RetryAfter(live[:1], 1, 1, now))
	assert.Equal(t, time.Hour, q.RetryAfter(nil, 2, 1, now))
}

func TestSchemaNameFor(t *testing.T) {
	schema, ok := SchemaNameFor("6F1C2A40-2B7E-4C1A-9D55-0E7D3C9B8A11")
	assert.True(t, ok)
	assert.Equal(t, "t_6f1c2a40_2b7e_4c1a_9d55_0e7d3c9b8a11", schema)

	_, ok = SchemaNameFor("tenant-a")
	assert.False(t, ok)
}
