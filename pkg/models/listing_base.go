package models

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
)

// RemoteListing объявление в том виде, в каком его видит расширение на площадке
type RemoteListing struct {
	ExternalID string            `json:"external_id" validate:"required,max=128"`
	Title      string            `json:"title" validate:"required,max=512"`
	Status     string            `json:"status,omitempty" validate:"omitempty,oneof=active reserved sold hidden draft"`
	Price      decimal.Decimal   `json:"price"`
	Currency   string            `json:"currency,omitempty" validate:"omitempty,len=3,alpha"`
	Views      int               `json:"views" validate:"min=0"`
	Favorites  int               `json:"favorites" validate:"min=0"`
	PhotoCount int               `json:"photo_count" validate:"min=0"`
	URL        string            `json:"url,omitempty" validate:"omitempty,url"`
	Attributes map[string]string `json:"attributes,omitempty"`
}

// ListingSnapshot результат fetch_listings.
// Каждое объявление передается отдельным JSON-значением, чтобы ошибка
// разбора одного объявления не отменяла весь снимок.
// Complete=false означает, что расширение прочитало не все страницы каталога.
type ListingSnapshot struct {
	Listings []json.RawMessage `json:"listings"`
	Complete bool              `json:"complete"`
}

// NewSnapshot собирает снимок из готовых объявлений
func NewSnapshot(complete bool, listings ...RemoteListing) (ListingSnapshot, error) {
	snapshot := ListingSnapshot{Complete: complete, Listings: make([]json.RawMessage, 0, len(listings))}
	for _, l := range listings {
		raw, err := json.Marshal(l)
		if err != nil {
			return ListingSnapshot{}, fmt.Errorf("failed to marshal listing %s: %w", l.ExternalID, err)
		}
		snapshot.Listings = append(snapshot.Listings, raw)
	}
	return snapshot, nil
}

// RemoteStats счетчики объявления, результат fetch_stats
type RemoteStats struct {
	ExternalID string `json:"external_id" validate:"required,max=128"`
	Views      int    `json:"views" validate:"min=0"`
	Favorites  int    `json:"favorites" validate:"min=0"`
}

// StatsSnapshot результат fetch_stats
type StatsSnapshot struct {
	Account string        `json:"account,omitempty"`
	Items   []RemoteStats `json:"items"`
}
