package blob

import (
	"context"
	"net/url"
	"testing"
	"time"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/adapters/logger"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestStore(t *testing.T) *S3PhotoStore {
	t.Helper()
	store, err := NewS3PhotoStore(context.Background(), S3Options{
		Bucket:       "photos",
		Region:       "eu-west-1",
		Endpoint:     "http://localhost:9000",
		AccessKey:    "test-key",
		SecretKey:    "test-secret",
		UsePathStyle: true,
	}, logger.NewNopLogger())
	require.NoError(t, err)
	return store
}

func TestNewS3PhotoStoreRequiresBucket(t *testing.T) {
	_, err := NewS3PhotoStore(context.Background(), S3Options{}, logger.NewNopLogger())
	require.Error(t, err)
}

func TestPresignGet(t *testing.T) {
	store := newTestStore(t)

	raw, err := store.PresignGet(context.Background(), "/tenant-1/photo.jpg", 15*time.Minute)
	require.NoError(t, err)

	u, err := url.Parse(raw)
	require.NoError(t, err)
	assert.Equal(t, "localhost:9000", u.Host)
	assert.Equal(t, "/photos/tenant-1/photo.jpg", u.Path)
	assert.Equal(t, "900", u.Query().Get("X-Amz-Expires"))
}

func TestPresignGetValidation(t *testing.T) {
	store := newTestStore(t)

	_, err := store.PresignGet(context.Background(), "", time.Minute)
	assert.Error(t, err)

	_, err = store.PresignGet(context.Background(), "a.jpg", 0)
	assert.Error(t, err)
}
