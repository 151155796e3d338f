package models

import "github.com/shopspring/decimal"

// Параметры действий. Расширение получает их как есть в поле params задачи.

// FetchListingsParams параметры fetch_listings
type FetchListingsParams struct {
	// MaxPages ограничивает чтение каталога, 0 означает весь каталог
	MaxPages int `json:"max_pages,omitempty" validate:"min=0,max=1000"`
}

// CreateListingParams параметры create_listing
type CreateListingParams struct {
	ItemID      string            `json:"item_id,omitempty" validate:"omitempty,uuid"`
	Title       string            `json:"title" validate:"required,max=512"`
	Description string            `json:"description,omitempty" validate:"max=10000"`
	Price       decimal.Decimal   `json:"price"`
	Currency    string            `json:"currency" validate:"required,len=3,alpha"`
	PhotoKeys   []string          `json:"photo_keys,omitempty" validate:"max=20,dive,required"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// UpdateListingParams параметры update_listing
type UpdateListingParams struct {
	ExternalID  string            `json:"external_id" validate:"required,max=128"`
	Title       *string           `json:"title,omitempty" validate:"omitempty,max=512"`
	Description *string           `json:"description,omitempty" validate:"omitempty,max=10000"`
	Status      string            `json:"status,omitempty" validate:"omitempty,oneof=active reserved hidden"`
	Attributes  map[string]string `json:"attributes,omitempty"`
}

// DeleteListingParams параметры delete_listing
type DeleteListingParams struct {
	ExternalID string `json:"external_id" validate:"required,max=128"`
}

// UpdatePriceParams параметры update_price
type UpdatePriceParams struct {
	ExternalID string          `json:"external_id" validate:"required,max=128"`
	Price      decimal.Decimal `json:"price"`
	Currency   string          `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
}

// FetchStatsParams параметры fetch_stats
type FetchStatsParams struct {
	ExternalIDs []string `json:"external_ids,omitempty" validate:"max=500,dive,required"`
}

// UploadPhotoParams параметры upload_photo.
// PhotoURL заполняется сервером при выдаче задачи.
type UploadPhotoParams struct {
	PhotoKey    string `json:"photo_key" validate:"required,max=1024"`
	ExternalID  string `json:"external_id,omitempty" validate:"max=128"`
	ContentType string `json:"content_type,omitempty" validate:"omitempty,oneof=image/jpeg image/png image/webp"`
	PhotoURL    string `json:"photo_url,omitempty"`
}
