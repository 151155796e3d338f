package models

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseMarketplace(t *testing.T) {
	for _, m := range Marketplaces {
		got, err := ParseMarketplace(string(m))
		require.NoError(t, err)
		assert.Equal(t, m, got)
	}

	_, err := ParseMarketplace("craigslist")
	assert.Error(t, err)
}

func TestActionsAreValid(t *testing.T) {
	assert.Len(t, Actions, 7)
	for _, a := range Actions {
		assert.True(t, a.Valid(), a)
	}
	assert.Contains(t, Actions, ActionUploadPhoto)
	assert.False(t, Action("repost").Valid())
}
