// Package epc models energy performance certificates and the property
// documents folded from them.
package epc

import (
	"strings"
	"time"
)

// Certificate is one certificate row as held in the certificate store
type Certificate struct {
	LMKKey            string      `json:"LMK_KEY"`
	UPRN              ID          `json:"UPRN"`
	Address1          string      `json:"ADDRESS1"`
	Address2          string      `json:"ADDRESS2"`
	Address3          string      `json:"ADDRESS3"`
	Postcode          string      `json:"POSTCODE"`
	InspectionDate    string      `json:"INSPECTION_DATE"`
	LodgementDate     string      `json:"LODGEMENT_DATE"`
	LodgementDatetime string      `json:"LODGEMENT_DATETIME"`
	Rating            string      `json:"CURRENT_ENERGY_RATING"`
	Score             Number      `json:"CURRENT_ENERGY_EFFICIENCY"`
	PropertyType      string      `json:"PROPERTY_TYPE"`
	BuiltForm         string      `json:"BUILT_FORM"`
	AgeBand           string      `json:"CONSTRUCTION_AGE_BAND"`
	FloorArea         Number      `json:"TOTAL_FLOOR_AREA"`
	MainHeating       string      `json:"MAINHEAT_DESCRIPTION"`
	Walls             string      `json:"WALLS_DESCRIPTION"`
	Roof              string      `json:"ROOF_DESCRIPTION"`
	Windows           string      `json:"WINDOWS_DESCRIPTION"`
	MainFuel          string      `json:"MAIN_FUEL"`
	WindTurbines      Number      `json:"WIND_TURBINE_COUNT"`
	CO2Emissions      Number      `json:"CO2_EMISSIONS_CURRENT"`
	EnergyConsumption Number      `json:"ENERGY_CONSUMPTION_CURRENT"`
	HeatingCost       Number      `json:"HEATING_COST_CURRENT"`
	HotWaterCost      Number      `json:"HOT_WATER_COST_CURRENT"`
	LightingCost      Number      `json:"LIGHTING_COST_CURRENT"`
	PhotoSupply       Number      `json:"PHOTO_SUPPLY"`
	SolarWaterFlag    string      `json:"SOLAR_WATER_HEATING_FLAG"`
	Location          RawLocation `json:"location"`
}

// LodgedAt returns the lodgement instant, preferring the full timestamp.
// The second return is false when neither column parses.
func (c *Certificate) LodgedAt() (time.Time, bool) {
	for _, value := range []string{c.LodgementDatetime, c.LodgementDate} {
		if t, err := ParseDate(value); err == nil {
			return t, true
		}
	}
	return time.Time{}, false
}

// HasSolarPanels reports photovoltaic supply above zero
func (c *Certificate) HasSolarPanels() bool {
	return c.PhotoSupply.Or(0) > 0
}

// HasSolarWaterHeating reports whether the solar water heating flag is set
func (c *Certificate) HasSolarWaterHeating() bool {
	switch strings.ToUpper(strings.TrimSpace(c.SolarWaterFlag)) {
	case "Y", "YES", "TRUE":
		return true
	}
	return false
}

// RunningCost returns heating plus hot water plus lighting cost, rounded,
// counting missing components as zero.
func (c *Certificate) RunningCost() int64 {
	total := c.HeatingCost.Or(0) + c.HotWaterCost.Or(0) + c.LightingCost.Or(0)
	return roundInt(total)
}
