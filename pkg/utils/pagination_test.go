package utils

import (
	"net/url"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestNewPaginationClamps(t *testing.T) {
	p := NewPagination(0, 1000, "", false)
	assert.Equal(t, 1, p.Page)
	assert.Equal(t, MaxPageSize, p.PageSize)

	p = NewPagination(3, 0, "", false)
	assert.Equal(t, DefaultPageSize, p.PageSize)
	assert.Equal(t, 40, p.GetOffset())
}

func TestSetTotal(t *testing.T) {
	p := NewPagination(2, 10, "", false)
	p.SetTotal(25)

	assert.Equal(t, 3, p.TotalPages)
	assert.True(t, p.HasNext)
	assert.True(t, p.HasPrev)
}

func TestGetSortOrderWhitelist(t *testing.T) {
	allowed := map[string]string{"price": "price", "updated": "updated_at"}

	p := NewPagination(1, 10, "updated", true)
	assert.Equal(t, "updated_at DESC", p.GetSortOrder(allowed, "created_at DESC"))

	p = NewPagination(1, 10, "id; DROP TABLE x", false)
	assert.Equal(t, "created_at DESC", p.GetSortOrder(allowed, "created_at DESC"))
}

func TestPaginationFromQuery(t *testing.T) {
	q := url.Values{}
	q.Set("page", "2")
	q.Set("page_size", "5")
	q.Set("sort_by", "price")
	q.Set("sort_desc", "true")

	p := PaginationFromQuery(q.Get)
	assert.Equal(t, 2, p.Page)
	assert.Equal(t, 5, p.PageSize)
	assert.Equal(t, "price", p.SortBy)
	assert.True(t, p.SortDesc)
}
