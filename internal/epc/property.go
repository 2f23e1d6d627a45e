package epc

import (
	"errors"
	"math"
	"sort"
	"strings"
	"time"
)

// ErrNoCertificates is returned when a property has no certificates to fold
var ErrNoCertificates = errors.New("no certificates for property")

// Property is the per-property search document
type Property struct {
	UPRN                 string       `json:"uprn"`
	Address              Address      `json:"address"`
	Location             *GeoPoint    `json:"location,omitempty"`
	LatestEPC            LatestEPC    `json:"latest_epc"`
	EPCs                 []EPCSummary `json:"epcs"`
	EstimatedRunningCost int64        `json:"estimated_running_cost"`
	CreatedAt            time.Time    `json:"created_at"`
}

// Address is the assembled postal address of a property
type Address struct {
	Address  string   `json:"address"`
	Address1 string   `json:"address1,omitempty"`
	Address2 string   `json:"address2,omitempty"`
	Address3 string   `json:"address3,omitempty"`
	Postcode string   `json:"postcode,omitempty"`
	Lat      *float64 `json:"lat,omitempty"`
	Long     *float64 `json:"long,omitempty"`
}

// LatestEPC is the attribute snapshot of the most recent certificate
type LatestEPC struct {
	LMKKey                   string   `json:"LMK_KEY"`
	Rating                   Rating   `json:"rating,omitempty"`
	Score                    *int     `json:"score,omitempty"`
	InspectionDate           string   `json:"inspection_date,omitempty"`
	LodgementDate            string   `json:"lodgement_date,omitempty"`
	PropertyType             string   `json:"property_type,omitempty"`
	BuiltForm                string   `json:"built_form,omitempty"`
	ConstructionAgeBand      string   `json:"construction_age_band,omitempty"`
	TotalFloorArea           *float64 `json:"total_floor_area,omitempty"`
	HeatingType              string   `json:"heating_type,omitempty"`
	SolarPanels              bool     `json:"solar_panels"`
	SolarWaterHeating        bool     `json:"solar_water_heating"`
	WallInsulation           string   `json:"wall_insulation,omitempty"`
	RoofDescription          string   `json:"roof_description,omitempty"`
	WindowsDescription       string   `json:"windows_description,omitempty"`
	MainFuel                 string   `json:"main_fuel,omitempty"`
	WindTurbineCount         *int     `json:"wind_turbine_count,omitempty"`
	CO2EmissionsCurrent      *float64 `json:"co2_emissions_current,omitempty"`
	EnergyConsumptionCurrent *float64 `json:"energy_consumption_current,omitempty"`
	HeatingCostCurrent       *float64 `json:"heating_cost_current,omitempty"`
	HotWaterCostCurrent      *float64 `json:"hot_water_cost_current,omitempty"`
	LightingCostCurrent      *float64 `json:"lighting_cost_current,omitempty"`
}

// EPCSummary is one entry of a property's certificate history
type EPCSummary struct {
	LMKKey         string `json:"LMK_KEY"`
	Rating         Rating `json:"rating,omitempty"`
	Score          *int   `json:"score,omitempty"`
	InspectionDate string `json:"inspection_date,omitempty"`
	LodgementDate  string `json:"lodgement_date,omitempty"`
}

// BuildProperty folds the certificates of one property into its document.
// Certificates are ordered newest first by lodgement; the order of equal or
// undated certificates is kept as given. Duplicate certificate ids keep
// their most recent occurrence.
func BuildProperty(uprn string, certs []Certificate, now time.Time) (*Property, error) {
	if len(certs) == 0 {
		return nil, ErrNoCertificates
	}

	ordered := orderByLodgement(certs)

	latest := &ordered[0]
	prop := &Property{
		UPRN:                 uprn,
		Address:              buildAddress(latest),
		Location:             latest.Location.Normalize(),
		LatestEPC:            latestFrom(latest),
		EPCs:                 make([]EPCSummary, 0, len(ordered)),
		EstimatedRunningCost: latest.RunningCost(),
		CreatedAt:            now.UTC(),
	}
	if prop.Location != nil {
		lat, lon := prop.Location.Lat, prop.Location.Lon
		prop.Address.Lat = &lat
		prop.Address.Long = &lon
	}

	for i := range ordered {
		prop.EPCs = append(prop.EPCs, summaryFrom(&ordered[i]))
	}

	return prop, nil
}

func orderByLodgement(certs []Certificate) []Certificate {
	type dated struct {
		cert  Certificate
		at    time.Time
		dated bool
	}

	items := make([]dated, len(certs))
	for i := range certs {
		at, ok := certs[i].LodgedAt()
		items[i] = dated{cert: certs[i], at: at, dated: ok}
	}

	// Undated certificates sort last, mirroring missing-last store sorting
	sort.SliceStable(items, func(i, j int) bool {
		if items[i].dated != items[j].dated {
			return items[i].dated
		}
		return items[i].at.After(items[j].at)
	})

	seen := make(map[string]bool, len(items))
	ordered := make([]Certificate, 0, len(items))
	for _, item := range items {
		key := item.cert.LMKKey
		if key != "" {
			if seen[key] {
				continue
			}
			seen[key] = true
		}
		ordered = append(ordered, item.cert)
	}
	return ordered
}

func buildAddress(c *Certificate) Address {
	parts := make([]string, 0, 4)
	for _, part := range []string{c.Address1, c.Address2, c.Address3, c.Postcode} {
		if part = strings.TrimSpace(part); part != "" {
			parts = append(parts, part)
		}
	}

	return Address{
		Address:  strings.Join(parts, ", "),
		Address1: strings.TrimSpace(c.Address1),
		Address2: strings.TrimSpace(c.Address2),
		Address3: strings.TrimSpace(c.Address3),
		Postcode: strings.TrimSpace(c.Postcode),
	}
}

func latestFrom(c *Certificate) LatestEPC {
	return LatestEPC{
		LMKKey:                   c.LMKKey,
		Rating:                   ParseRating(c.Rating),
		Score:                    c.Score.Int(),
		InspectionDate:           c.InspectionDate,
		LodgementDate:            c.LodgementDate,
		PropertyType:             c.PropertyType,
		BuiltForm:                c.BuiltForm,
		ConstructionAgeBand:      c.AgeBand,
		TotalFloorArea:           c.FloorArea.Float(),
		HeatingType:              c.MainHeating,
		SolarPanels:              c.HasSolarPanels(),
		SolarWaterHeating:        c.HasSolarWaterHeating(),
		WallInsulation:           c.Walls,
		RoofDescription:          c.Roof,
		WindowsDescription:       c.Windows,
		MainFuel:                 c.MainFuel,
		WindTurbineCount:         c.WindTurbines.Int(),
		CO2EmissionsCurrent:      c.CO2Emissions.Float(),
		EnergyConsumptionCurrent: c.EnergyConsumption.Float(),
		HeatingCostCurrent:       c.HeatingCost.Float(),
		HotWaterCostCurrent:      c.HotWaterCost.Float(),
		LightingCostCurrent:      c.LightingCost.Float(),
	}
}

func summaryFrom(c *Certificate) EPCSummary {
	return EPCSummary{
		LMKKey:         c.LMKKey,
		Rating:         ParseRating(c.Rating),
		Score:          c.Score.Int(),
		InspectionDate: c.InspectionDate,
		LodgementDate:  c.LodgementDate,
	}
}

// MonthlyCost converts an annual cost to a monthly one rounded to pence
func MonthlyCost(annual int64) float64 {
	return math.Round(float64(annual)/12*100) / 100
}

func roundInt(v float64) int64 {
	return int64(math.Round(v))
}
