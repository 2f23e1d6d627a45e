package listings

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/retry"
	"github.com/tbrd/green-home-search/internal/search"
)

// PropertyResolver looks up the current property document of a UPRN. A
// missing property is reported as search.ErrNotFound.
type PropertyResolver interface {
	Resolve(ctx context.Context, uprn string) (*epc.Property, error)
}

// Getter is the part of the store a StoreResolver reads through
type Getter interface {
	Get(ctx context.Context, index, id string) (json.RawMessage, error)
}

// StoreResolver reads properties from the properties index or alias
type StoreResolver struct {
	store Getter
	index string
	retry retry.Policy
}

// NewStoreResolver creates a resolver over index. Transient store errors are
// retried with policy.
func NewStoreResolver(store Getter, index string, policy retry.Policy) *StoreResolver {
	if policy.Retryable == nil {
		policy.Retryable = search.IsTransient
	}
	return &StoreResolver{store: store, index: index, retry: policy}
}

// Resolve fetches and decodes one property
func (r *StoreResolver) Resolve(ctx context.Context, uprn string) (*epc.Property, error) {
	var raw json.RawMessage
	err := r.retry.Do(ctx, "resolve property "+uprn, func(ctx context.Context) error {
		var err error
		raw, err = r.store.Get(ctx, r.index, uprn)
		return err
	})
	if err != nil {
		return nil, err
	}

	var prop epc.Property
	if err := json.Unmarshal(raw, &prop); err != nil {
		return nil, fmt.Errorf("failed to decode property %s: %w", uprn, err)
	}
	return &prop, nil
}

// Enricher turns feed records into listing documents
type Enricher struct {
	resolver PropertyResolver
	now      func() time.Time
}

// NewEnricher creates an enricher resolving properties through resolver
func NewEnricher(resolver PropertyResolver) *Enricher {
	return &Enricher{resolver: resolver, now: time.Now}
}

// Enrich validates rec, resolves its property and builds the full listing.
// Records without a resolvable property fail with ErrDanglingReference.
func (e *Enricher) Enrich(ctx context.Context, rec *Record) (*Listing, error) {
	if err := rec.Validate(); err != nil {
		return nil, err
	}

	uprn := strings.TrimSpace(rec.PropertyID.String())
	prop, err := e.resolver.Resolve(ctx, uprn)
	if errors.Is(err, search.ErrNotFound) {
		return nil, fmt.Errorf("%w: listing %s references property %s", ErrDanglingReference, rec.ListingID, uprn)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to resolve property %s: %w", uprn, err)
	}

	return e.build(rec, uprn, prop), nil
}

func (e *Enricher) build(rec *Record, uprn string, prop *epc.Property) *Listing {
	listing := &Listing{
		ListingID:   rec.ListingID,
		PropertyID:  uprn,
		Source:      rec.Source,
		ExternalID:  rec.ExternalID,
		ListedAt:    rec.ListedAt,
		ExpiresAt:   rec.ExpiresAt,
		Price:       rec.Price,
		Currency:    rec.Currency,
		Bedrooms:    rec.Bedrooms,
		Bathrooms:   rec.Bathrooms,
		Tenure:      rec.Tenure,
		AddressLine: rec.AddressLine,
		Postcode:    rec.Postcode,
		URL:         rec.URL,
		MediaURLs:   rec.MediaURLs,
	}
	if listing.Currency == "" {
		listing.Currency = DefaultCurrency
	}

	listing.IsActive = e.active(rec)
	listing.Status = rec.Status
	if listing.Status == "" {
		listing.Status = StatusExpired
		if listing.IsActive {
			listing.Status = StatusActive
		}
	}

	// The listing's own coordinates win over the property's
	listing.Location = rec.Location.Normalize()
	if listing.Location == nil {
		listing.Location = prop.Location
	}
	if listing.AddressLine == "" {
		listing.AddressLine = prop.Address.Address
	}
	if listing.Postcode == "" {
		listing.Postcode = prop.Address.Postcode
	}

	latest := prop.LatestEPC
	listing.PropertyType = latest.PropertyType
	listing.MainFuel = latest.MainFuel
	listing.EPCRating = latest.Rating
	listing.EPCScore = latest.Score
	listing.SolarPanels = latest.SolarPanels
	listing.SolarWaterHeating = latest.SolarWaterHeating
	if annual := prop.EstimatedRunningCost; annual > 0 {
		monthly := epc.MonthlyCost(annual)
		listing.RunningCostAnnual = &annual
		listing.RunningCostMonthly = &monthly
	}

	return listing
}

// active is the record's own flag, or whether it has not yet expired
func (e *Enricher) active(rec *Record) bool {
	if rec.IsActive != nil {
		return *rec.IsActive
	}
	if rec.ExpiresAt == nil {
		return true
	}
	return e.now().Before(*rec.ExpiresAt)
}
