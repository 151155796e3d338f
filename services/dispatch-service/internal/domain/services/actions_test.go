package services

import (
	"testing"

	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/domain/models"
	"github.com/athebyme/crosslist-platform/services/dispatch-service/internal/utils"
	"github.com/go-playground/validator/v10"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDedupKeyUsesKeyParamsOnly(t *testing.T) {
	a, err := DedupKey("t1", models.MarketplaceEbay, models.ActionUpdateListing, []byte(`{"external_id":"e-1","title":"Old"}`))
	require.NoError(t, err)
	b, err := DedupKey("t1", models.MarketplaceEbay, models.ActionUpdateListing, []byte(`{"title":"New",  "external_id" : "e-1"}`))
	require.NoError(t, err)
	assert.Equal(t, a, b)

	other, err := DedupKey("t1", models.MarketplaceEbay, models.ActionUpdateListing, []byte(`{"external_id":"e-2"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, other)

	otherTenant, err := DedupKey("t2", models.MarketplaceEbay, models.ActionUpdateListing, []byte(`{"external_id":"e-1"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, otherTenant)

	otherMarketplace, err := DedupKey("t1", models.MarketplaceEtsy, models.ActionUpdateListing, []byte(`{"external_id":"e-1"}`))
	require.NoError(t, err)
	assert.NotEqual(t, a, otherMarketplace)
}

func TestValidateParams(t *testing.T) {
	v := validator.New()

	tests := []struct {
		name   string
		action models.Action
		params string
		valid  bool
	}{
		{"empty fetch", models.ActionFetchListings, ``, true},
		{"fetch with limit", models.ActionFetchListings, `{"max_pages":3}`, true},
		{"create", models.ActionCreateListing, `{"title":"Lamp","price":"10.5","currency":"EUR"}`, true},
		{"create without price", models.ActionCreateListing, `{"title":"Lamp","currency":"EUR"}`, false},
		{"create bad currency", models.ActionCreateListing, `{"title":"Lamp","price":"10","currency":"EURO"}`, false},
		{"delete without id", models.ActionDeleteListing, `{}`, false},
		{"unknown field", models.ActionFetchStats, `{"since":"yesterday"}`, false},
		{"photo", models.ActionUploadPhoto, `{"photo_key":"a.jpg","content_type":"image/png"}`, true},
		{"photo bad type", models.ActionUploadPhoto, `{"photo_key":"a.gif","content_type":"image/gif"}`, false},
		{"not json", models.ActionDeleteListing, `external_id=1`, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := ValidateParams(v, tt.action, []byte(tt.params))
			if tt.valid {
				assert.NoError(t, err)
			} else {
				assert.ErrorIs(t, err, utils.ErrInvalidParams)
			}
		})
	}

	assert.ErrorIs(t, ValidateParams(v, "repost", nil), utils.ErrInvalidAction)
}

func TestMutatingActions(t *testing.T) {
	assert.ElementsMatch(t, []models.Action{
		models.ActionCreateListing,
		models.ActionUpdateListing,
		models.ActionDeleteListing,
		models.ActionUpdatePrice,
	}, MutatingActions())

	for _, a := range models.Actions {
		_, ok := SpecFor(a)
		assert.True(t, ok, a)
	}
}
