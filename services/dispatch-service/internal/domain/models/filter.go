package models

// InventoryFilter фильтр списка объявлений
type InventoryFilter struct {
	Marketplace    Marketplace `json:"marketplace,omitempty"`
	Status         ItemStatus  `json:"status,omitempty"`
	Search         string      `json:"search,omitempty"`
	IncludeRemoved bool        `json:"include_removed,omitempty"`
}

// ToMap преобразует фильтр в map для логов
func (f *InventoryFilter) ToMap() map[string]interface{} {
	result := make(map[string]interface{})

	if f.Marketplace != "" {
		result["marketplace"] = f.Marketplace
	}
	if f.Status != "" {
		result["status"] = f.Status
	}
	if f.Search != "" {
		result["search"] = f.Search
	}
	if f.IncludeRemoved {
		result["include_removed"] = true
	}

	return result
}
