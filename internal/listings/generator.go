package listings

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log"
	"math"
	"math/rand"
	"strings"
	"time"

	"github.com/tbrd/green-home-search/internal/epc"
	"github.com/tbrd/green-home-search/internal/paginator"
	"github.com/tbrd/green-home-search/internal/search"
)

// DefaultGeneratorSource names generated listings
const DefaultGeneratorSource = "dummy_gen"

// Generated listings are live this long
const listingLifetime = 90 * 24 * time.Hour

var basePrices = map[string]float64{
	"House":      350000,
	"Flat":       250000,
	"Maisonette": 275000,
	"Bungalow":   320000,
	"Park home":  150000,
}

var ratingMultipliers = map[epc.Rating]float64{
	"A": 1.15,
	"B": 1.10,
	"C": 1.05,
	"D": 1.0,
	"E": 0.95,
	"F": 0.90,
	"G": 0.85,
}

// GeneratorConfig configures synthetic listing generation
type GeneratorConfig struct {
	PropertiesIndex string
	// SampleRate is the percentage of properties that get a listing, 0-100
	SampleRate float64
	// Seed makes sampling and synthesized values reproducible; 0 seeds from
	// the clock
	Seed       int64
	SourceName string
	Pages      paginator.Options
}

// GeneratorStore is the part of the store the generator reads
type GeneratorStore interface {
	paginator.TermsPager
	Getter
}

// Generator is a Source synthesizing plausible listings for a sample of the
// properties index. Its values are demo data only.
type Generator struct {
	store    GeneratorStore
	cfg      GeneratorConfig
	resolver *StoreResolver
	pages    *paginator.Paginator
	rng      *rand.Rand
	now      func() time.Time

	sampled int
}

// NewGenerator creates a generator over the properties index
func NewGenerator(store GeneratorStore, cfg GeneratorConfig) *Generator {
	if cfg.SourceName == "" {
		cfg.SourceName = DefaultGeneratorSource
	}
	seed := cfg.Seed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}
	return &Generator{
		store:    store,
		cfg:      cfg,
		resolver: NewStoreResolver(store, cfg.PropertiesIndex, cfg.Pages.Retry),
		pages:    paginator.New(store, cfg.PropertiesIndex, "uprn", cfg.Pages),
		rng:      rand.New(rand.NewSource(seed)),
		now:      time.Now,
	}
}

// Next returns the record of the next sampled property
func (g *Generator) Next(ctx context.Context) (*Record, error) {
	for g.pages.Next(ctx) {
		if g.rng.Float64()*100 >= g.cfg.SampleRate {
			continue
		}

		uprn := g.pages.Value()
		prop, err := g.resolver.Resolve(ctx, uprn)
		if errors.Is(err, search.ErrNotFound) {
			// Deleted since it was paged
			continue
		}
		if err != nil {
			return nil, err
		}

		g.sampled++
		return g.recordFor(prop), nil
	}

	if err := g.pages.Err(); err != nil {
		return nil, fmt.Errorf("failed to page properties: %w", err)
	}
	log.Printf("Generated %d listings from %s", g.sampled, g.cfg.PropertiesIndex)
	return nil, io.EOF
}

// Close is a no-op
func (g *Generator) Close() error {
	return nil
}

func (g *Generator) recordFor(prop *epc.Property) *Record {
	listedAt := g.now().UTC().Add(-time.Duration(g.rng.Intn(31)) * 24 * time.Hour)
	expiresAt := listedAt.Add(listingLifetime)

	price := g.price(prop)
	bedrooms := bedroomsFor(prop, g.rng)
	bathrooms := bathroomsFor(bedrooms)

	return &Record{
		ListingID:   g.cfg.SourceName + ":" + prop.UPRN,
		PropertyID:  epc.ID(prop.UPRN),
		Source:      g.cfg.SourceName,
		ExternalID:  prop.UPRN,
		ListedAt:    &listedAt,
		ExpiresAt:   &expiresAt,
		Price:       &price,
		Currency:    DefaultCurrency,
		Bedrooms:    &bedrooms,
		Bathrooms:   &bathrooms,
		Tenure:      tenureFor(prop.LatestEPC.PropertyType),
		AddressLine: addressLine(prop.Address),
		Postcode:    prop.Address.Postcode,
	}
}

// price derives from type, floor area and rating, with ±10% noise, rounded to
// the nearest thousand
func (g *Generator) price(prop *epc.Property) int64 {
	latest := prop.LatestEPC

	base, ok := basePrices[latest.PropertyType]
	if !ok {
		base = 300000
	}
	if area := latest.TotalFloorArea; area != nil && *area > 0 {
		perSquareMetre := 3500.0
		if latest.PropertyType == "House" {
			perSquareMetre = 3000
		}
		base = *area * perSquareMetre
	}
	if multiplier, ok := ratingMultipliers[latest.Rating]; ok {
		base *= multiplier
	}

	price := base * (0.9 + 0.2*g.rng.Float64())
	rounded := int64(math.Round(price/1000) * 1000)
	if rounded < 50000 {
		return 50000
	}
	return rounded
}

func bedroomsFor(prop *epc.Property, rng *rand.Rand) int {
	area := prop.LatestEPC.TotalFloorArea
	if area == nil || *area <= 0 {
		return 2 + rng.Intn(3)
	}
	switch {
	case *area < 50:
		return 1
	case *area < 70:
		return 2
	case *area < 100:
		return 3
	case *area < 150:
		return 4
	default:
		return 5
	}
}

func bathroomsFor(bedrooms int) int {
	switch {
	case bedrooms <= 2:
		return 1
	case bedrooms <= 4:
		return 2
	default:
		return 3
	}
}

func tenureFor(propertyType string) string {
	switch propertyType {
	case "Flat", "Maisonette":
		return "leasehold"
	default:
		return "freehold"
	}
}

func addressLine(addr epc.Address) string {
	var parts []string
	for _, part := range []string{addr.Address1, addr.Address2, addr.Address3} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}
	if len(parts) == 0 {
		return addr.Address
	}
	return strings.Join(parts, ", ")
}
