// internal/rates/table.go
package rates

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// Defaults applied when the rate document omits a threshold or rate.
var (
	DefaultPeakStart         = "14:00"
	DefaultPeakEnd           = "22:00"
	DefaultRetailCharge      = decimal.NewFromInt(10)
	DefaultRetailWaiverLimit = decimal.NewFromInt(600)
	DefaultAFAWaiverLimit    = decimal.NewFromInt(600)
	DefaultEEILimit          = decimal.NewFromInt(1000)
	DefaultKWTBBThreshold    = decimal.NewFromInt(300)
	DefaultKWTBBRate         = decimal.RequireFromString("1.6")
	DefaultServiceTaxLimit   = decimal.NewFromInt(600)
	DefaultServiceTaxRate    = decimal.NewFromInt(8)
)

// Table is one snapshot of the tariff and tax document. All rates are in sen/kWh and all
// limits in kWh unless noted. It is never mutated after Parse returns.
type Table struct {
	TariffA *Tariff `json:"tariff_a"`
	AFA     AFA     `json:"afa"`
	EEI     EEI     `json:"eei"`
	Tax     Tax     `json:"tax"`

	// FetchedAt is set by the loader, not the document.
	FetchedAt time.Time `json:"-"`
}

// Tariff is the domestic tariff section.
type Tariff struct {
	ToU     ToU     `json:"tou"`
	Tiers   []Tier  `json:"tiers"`
	Charges Charges `json:"charges"`
}

// Tier is one usage band. Limit is inclusive.
type Tier struct {
	Limit       decimal.Decimal `json:"limit"`
	Rate        decimal.Decimal `json:"rate"`
	PeakRate    decimal.Decimal `json:"peak_rate"`
	OffpeakRate decimal.Decimal `json:"offpeak_rate"`
}

// ToU holds the time-of-use schedule and its tiers.
type ToU struct {
	PeakStart        string   `json:"peak_start"`
	PeakEnd          string   `json:"peak_end"`
	WeekendIsOffpeak *bool    `json:"weekend_is_offpeak"`
	PublicHolidays   []string `json:"public_holidays"`
	Tiers            []Tier   `json:"tiers"`
}

// Charges are the per-kWh network charges and the flat retail fee (RM).
type Charges struct {
	Capacity          decimal.Decimal     `json:"capacity"`
	Network           decimal.Decimal     `json:"network"`
	Retail            decimal.NullDecimal `json:"retail"`
	RetailWaiverLimit decimal.NullDecimal `json:"retail_waiver_limit"`
}

// AFA is the fuel-cost adjustment with rates keyed by "YYYY-MM".
type AFA struct {
	WaiverLimit decimal.NullDecimal        `json:"waiver_limit"`
	Rates       map[string]decimal.Decimal `json:"rates"`
	Rate        decimal.Decimal            `json:"rate"`
}

// EEI is the efficiency incentive. Rates are usually negative.
type EEI struct {
	Limit decimal.NullDecimal `json:"limit"`
	Tiers []Tier              `json:"tiers"`
	Rate  decimal.Decimal     `json:"rate"`
}

// Tax groups the two tax layers.
type Tax struct {
	KWTBB      KWTBB      `json:"kwtbb"`
	ServiceTax ServiceTax `json:"service_tax"`
}

// KWTBB is the consumption tax. Rate is a percentage.
type KWTBB struct {
	Threshold decimal.NullDecimal `json:"threshold"`
	Rate      decimal.NullDecimal `json:"rate"`
}

// ServiceTax is the pro-rated service tax. Rate is a percentage.
type ServiceTax struct {
	ExemptionLimit decimal.NullDecimal `json:"exemption_limit"`
	Rate           decimal.NullDecimal `json:"rate"`
}

// Parse decodes a rate document.
func Parse(data []byte) (*Table, error) {
	var t Table
	if err := json.Unmarshal(data, &t); err != nil {
		return nil, fmt.Errorf("decode rate document: %w", err)
	}
	return &t, nil
}

func orDefault(v decimal.NullDecimal, def decimal.Decimal) decimal.Decimal {
	if v.Valid {
		return v.Decimal
	}
	return def
}

// VariableRate is capacity plus network, in sen/kWh.
func (c Charges) VariableRate() decimal.Decimal { return c.Capacity.Add(c.Network) }

// RetailAmount is the flat retail fee in RM.
func (c Charges) RetailAmount() decimal.Decimal { return orDefault(c.Retail, DefaultRetailCharge) }

// RetailWaiver is the usage at or below which the retail fee is waived.
func (c Charges) RetailWaiver() decimal.Decimal {
	return orDefault(c.RetailWaiverLimit, DefaultRetailWaiverLimit)
}

// Waiver is the usage at or below which AFA is waived.
func (a AFA) Waiver() decimal.Decimal { return orDefault(a.WaiverLimit, DefaultAFAWaiverLimit) }

// RateFor returns the AFA rate for a "YYYY-MM" key, falling back to the default rate.
func (a AFA) RateFor(monthKey string) decimal.Decimal {
	if r, ok := a.Rates[monthKey]; ok {
		return r
	}
	return a.Rate
}

// Cap is the usage above which no EEI rebate applies.
func (e EEI) Cap() decimal.Decimal { return orDefault(e.Limit, DefaultEEILimit) }

// ThresholdOrDefault is the usage above which KWTBB applies.
func (k KWTBB) ThresholdOrDefault() decimal.Decimal {
	return orDefault(k.Threshold, DefaultKWTBBThreshold)
}

// RateOrDefault is the KWTBB percentage.
func (k KWTBB) RateOrDefault() decimal.Decimal { return orDefault(k.Rate, DefaultKWTBBRate) }

// ExemptionOrDefault is the usage exempt from service tax.
func (s ServiceTax) ExemptionOrDefault() decimal.Decimal {
	return orDefault(s.ExemptionLimit, DefaultServiceTaxLimit)
}

// RateOrDefault is the service tax percentage.
func (s ServiceTax) RateOrDefault() decimal.Decimal { return orDefault(s.Rate, DefaultServiceTaxRate) }

// PeakWindow returns the configured window strings with defaults applied.
func (t ToU) PeakWindow() (start, end string) {
	start, end = t.PeakStart, t.PeakEnd
	if start == "" {
		start = DefaultPeakStart
	}
	if end == "" {
		end = DefaultPeakEnd
	}
	return start, end
}

// WeekendOffpeak defaults to true.
func (t ToU) WeekendOffpeak() bool {
	if t.WeekendIsOffpeak == nil {
		return true
	}
	return *t.WeekendIsOffpeak
}

// IsHoliday reports an exact "YYYY-MM-DD" match.
func (t ToU) IsHoliday(date string) bool {
	for _, h := range t.PublicHolidays {
		if h == date {
			return true
		}
	}
	return false
}
