package models

import "fmt"

// Marketplace площадка, на которой арендатор публикует объявления
type Marketplace string

const (
	MarketplaceVinted    Marketplace = "vinted"
	MarketplaceEbay      Marketplace = "ebay"
	MarketplaceEtsy      Marketplace = "etsy"
	MarketplaceLeboncoin Marketplace = "leboncoin"
	MarketplaceDepop     Marketplace = "depop"
)

// Marketplaces все поддерживаемые площадки
var Marketplaces = []Marketplace{
	MarketplaceVinted,
	MarketplaceEbay,
	MarketplaceEtsy,
	MarketplaceLeboncoin,
	MarketplaceDepop,
}

// Valid проверяет, что площадка входит в закрытый список
func (m Marketplace) Valid() bool {
	for _, known := range Marketplaces {
		if m == known {
			return true
		}
	}
	return false
}

// ParseMarketplace разбирает строку в Marketplace
func ParseMarketplace(s string) (Marketplace, error) {
	m := Marketplace(s)
	if !m.Valid() {
		return "", fmt.Errorf("unknown marketplace %q", s)
	}
	return m, nil
}

// Action действие, которое расширение браузера выполняет на площадке
type Action string

const (
	ActionFetchListings Action = "fetch_listings"
	ActionCreateListing Action = "create_listing"
	ActionUpdateListing Action = "update_listing"
	ActionDeleteListing Action = "delete_listing"
	ActionUpdatePrice   Action = "update_price"
	ActionFetchStats    Action = "fetch_stats"
	ActionUploadPhoto   Action = "upload_photo"
)

// Actions все действия протокола
var Actions = []Action{
	ActionFetchListings,
	ActionCreateListing,
	ActionUpdateListing,
	ActionDeleteListing,
	ActionUpdatePrice,
	ActionFetchStats,
	ActionUploadPhoto,
}

// Valid проверяет, что действие входит в закрытый список
func (a Action) Valid() bool {
	for _, known := range Actions {
		if a == known {
			return true
		}
	}
	return false
}
