package models

import (
	base "github.com/athebyme/crosslist-platform/pkg/models"
)

type (
	Marketplace   = base.Marketplace
	Action        = base.Action
	RemoteListing = base.RemoteListing
	RemoteStats   = base.RemoteStats

	ListingSnapshot = base.ListingSnapshot
	StatsSnapshot   = base.StatsSnapshot
)

const (
	MarketplaceVinted    = base.MarketplaceVinted
	MarketplaceEbay      = base.MarketplaceEbay
	MarketplaceEtsy      = base.MarketplaceEtsy
	MarketplaceLeboncoin = base.MarketplaceLeboncoin
	MarketplaceDepop     = base.MarketplaceDepop

	ActionFetchListings = base.ActionFetchListings
	ActionCreateListing = base.ActionCreateListing
	ActionUpdateListing = base.ActionUpdateListing
	ActionDeleteListing = base.ActionDeleteListing
	ActionUpdatePrice   = base.ActionUpdatePrice
	ActionFetchStats    = base.ActionFetchStats
	ActionUploadPhoto   = base.ActionUploadPhoto
)

var (
	Marketplaces     = base.Marketplaces
	Actions          = base.Actions
	ParseMarketplace = base.ParseMarketplace
)
