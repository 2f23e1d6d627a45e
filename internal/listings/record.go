// Package listings enriches sale and rental listings with property data and
// upserts them into the listings index.
package listings

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbrd/green-home-search/internal/epc"
)

// Listing errors
var (
	ErrInvalidRecord     = errors.New("invalid listing record")
	ErrDanglingReference = errors.New("dangling property reference")
)

// DefaultCurrency applies to records without a currency
const DefaultCurrency = "GBP"

// Listing statuses
const (
	StatusActive  = "active"
	StatusExpired = "expired"
)

// Record is one listing as delivered by a feed. Only listing_id (or source
// plus external_id) and property_id are required.
type Record struct {
	ListingID   string          `json:"listing_id" bson:"listing_id"`
	PropertyID  epc.ID          `json:"property_id" bson:"-"`
	Source      string          `json:"source,omitempty" bson:"source,omitempty"`
	ExternalID  string          `json:"external_id,omitempty" bson:"external_id,omitempty"`
	Status      string          `json:"status,omitempty" bson:"status,omitempty"`
	IsActive    *bool           `json:"is_active,omitempty" bson:"is_active,omitempty"`
	ListedAt    *time.Time      `json:"listed_at,omitempty" bson:"listed_at,omitempty"`
	ExpiresAt   *time.Time      `json:"expires_at,omitempty" bson:"expires_at,omitempty"`
	Price       *int64          `json:"price,omitempty" bson:"price,omitempty"`
	Currency    string          `json:"currency,omitempty" bson:"currency,omitempty"`
	Bedrooms    *int            `json:"bedrooms,omitempty" bson:"bedrooms,omitempty"`
	Bathrooms   *int            `json:"bathrooms,omitempty" bson:"bathrooms,omitempty"`
	Tenure      string          `json:"tenure,omitempty" bson:"tenure,omitempty"`
	AddressLine string          `json:"address_line,omitempty" bson:"address_line,omitempty"`
	Postcode    string          `json:"postcode,omitempty" bson:"postcode,omitempty"`
	Location    epc.RawLocation `json:"location" bson:"-"`
	URL         string          `json:"url,omitempty" bson:"url,omitempty"`
	MediaURLs   []string        `json:"media_urls,omitempty" bson:"media_urls,omitempty"`
}

// Validate derives the listing id when it is missing and rejects records
// that cannot be keyed or linked to a property
func (r *Record) Validate() error {
	r.ListingID = strings.TrimSpace(r.ListingID)
	if r.ListingID == "" && r.Source != "" && r.ExternalID != "" {
		r.ListingID = r.Source + ":" + r.ExternalID
	}
	if r.ListingID == "" {
		return fmt.Errorf("%w: missing listing_id", ErrInvalidRecord)
	}
	if strings.TrimSpace(r.PropertyID.String()) == "" {
		return fmt.Errorf("%w: listing %s has no property_id", ErrInvalidRecord, r.ListingID)
	}
	if r.Price != nil && *r.Price < 0 {
		return fmt.Errorf("%w: listing %s has a negative price", ErrInvalidRecord, r.ListingID)
	}
	if r.ListedAt != nil && r.ExpiresAt != nil && r.ExpiresAt.Before(*r.ListedAt) {
		return fmt.Errorf("%w: listing %s expires before it is listed", ErrInvalidRecord, r.ListingID)
	}
	return nil
}

// Listing is the listings index document. The EPC fields are a snapshot of
// the linked property at enrichment time.
type Listing struct {
	ListingID    string        `json:"listing_id"`
	PropertyID   string        `json:"property_id"`
	Source       string        `json:"source,omitempty"`
	ExternalID   string        `json:"external_id,omitempty"`
	Status       string        `json:"status"`
	IsActive     bool          `json:"is_active"`
	ListedAt     *time.Time    `json:"listed_at,omitempty"`
	ExpiresAt    *time.Time    `json:"expires_at,omitempty"`
	Price        *int64        `json:"price,omitempty"`
	Currency     string        `json:"currency"`
	Bedrooms     *int          `json:"bedrooms,omitempty"`
	Bathrooms    *int          `json:"bathrooms,omitempty"`
	Tenure       string        `json:"tenure,omitempty"`
	PropertyType string        `json:"property_type,omitempty"`
	AddressLine  string        `json:"address_line,omitempty"`
	Postcode     string        `json:"postcode,omitempty"`
	Location     *epc.GeoPoint `json:"location,omitempty"`
	URL          string        `json:"url,omitempty"`
	MediaURLs    []string      `json:"media_urls,omitempty"`

	MainFuel           string     `json:"main_fuel,omitempty"`
	EPCRating          epc.Rating `json:"epc_rating,omitempty"`
	EPCScore           *int       `json:"epc_score,omitempty"`
	SolarPanels        bool       `json:"solar_panels"`
	SolarWaterHeating  bool       `json:"solar_water_heating"`
	RunningCostAnnual  *int64     `json:"running_cost_annual,omitempty"`
	RunningCostMonthly *float64   `json:"running_cost_monthly,omitempty"`
}
