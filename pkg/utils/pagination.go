package utils

import "strconv"

const (
	DefaultPageSize = 20
	MaxPageSize     = 100
)

// Pagination представляет модель для пагинации
type Pagination struct {
	Page       int    `json:"page"`
	PageSize   int    `json:"page_size"`
	TotalItems int64  `json:"total_items"`
	TotalPages int    `json:"total_pages"`
	SortBy     string `json:"sort_by,omitempty"`
	SortDesc   bool   `json:"sort_desc"`
	HasNext    bool   `json:"has_next"`
	HasPrev    bool   `json:"has_prev"`
}

// NewPagination создает Pagination, приводя параметры к допустимым значениям
func NewPagination(page, pageSize int, sortBy string, sortDesc bool) *Pagination {
	if page < 1 {
		page = 1
	}

	if pageSize < 1 {
		pageSize = DefaultPageSize
	}
	if pageSize > MaxPageSize {
		pageSize = MaxPageSize
	}

	return &Pagination{
		Page:     page,
		PageSize: pageSize,
		SortBy:   sortBy,
		SortDesc: sortDesc,
	}
}

// PaginationFromQuery разбирает page, page_size, sort_by и sort_desc из строки запроса
func PaginationFromQuery(get func(string) string) *Pagination {
	page, _ := strconv.Atoi(get("page"))
	pageSize, _ := strconv.Atoi(get("page_size"))
	sortDesc, _ := strconv.ParseBool(get("sort_desc"))
	return NewPagination(page, pageSize, get("sort_by"), sortDesc)
}

// SetTotal устанавливает общее количество элементов и пересчитывает зависимые поля
func (p *Pagination) SetTotal(totalItems int64) {
	p.TotalItems = totalItems
	p.TotalPages = int((totalItems + int64(p.PageSize) - 1) / int64(p.PageSize))
	p.HasNext = p.Page < p.TotalPages
	p.HasPrev = p.Page > 1
}

// GetOffset возвращает смещение для SQL запроса
func (p *Pagination) GetOffset() int {
	return (p.Page - 1) * p.PageSize
}

// GetLimit возвращает лимит для SQL запроса
func (p *Pagination) GetLimit() int {
	return p.PageSize
}

// GetSortOrder возвращает ORDER BY для SQL запроса.
// Поле сортировки принимается только из allowed, иначе используется fallback.
func (p *Pagination) GetSortOrder(allowed map[string]string, fallback string) string {
	column, ok := allowed[p.SortBy]
	if !ok {
		return fallback
	}

	direction := "ASC"
	if p.SortDesc {
		direction = "DESC"
	}

	return column + " " + direction
}

// PagedResult представляет результат запроса с пагинацией
type PagedResult struct {
	Items      interface{} `json:"items"`
	Pagination *Pagination `json:"pagination"`
}

// NewPagedResult создает новый результат с пагинацией
func NewPagedResult(items interface{}, pagination *Pagination) *PagedResult {
	return &PagedResult{
		Items:      items,
		Pagination: pagination,
	}
}
