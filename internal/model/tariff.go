// internal/model/tariff.go
package model

import (
	"fmt"
	"strings"
)

// TariffMode selects how imported energy is billed.
type TariffMode string

const (
	// TariffStandard bills all import against a single tiered rate.
	TariffStandard TariffMode = "standard"
	// TariffTimeOfUse splits import into peak and off-peak buckets.
	TariffTimeOfUse TariffMode = "tou"
)

// ParseTariffMode accepts the config spellings used by operators.
func ParseTariffMode(v string) (TariffMode, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "standard", "":
		return TariffStandard, nil
	case "tou", "time of use", "time_of_use", "time-of-use":
		return TariffTimeOfUse, nil
	default:
		return TariffStandard, fmt.Errorf("invalid tariff mode: %s", v)
	}
}

// IsToU reports whether the mode is time-of-use.
func (m TariffMode) IsToU() bool { return m == TariffTimeOfUse }

// RestorableQuantities lists the persisted quantities for the mode, in restore order.
func (m TariffMode) RestorableQuantities() []Quantity {
	if m.IsToU() {
		return []Quantity{QuantityPeak, QuantityOffpeak, QuantityTotal, QuantityExport, QuantityNEMBalance}
	}
	return []Quantity{QuantityTotal, QuantityExport, QuantityNEMBalance}
}

// Quantity names one restorable energy counter.
type Quantity string

const (
	QuantityPeak       Quantity = "peak_kwh"
	QuantityOffpeak    Quantity = "offpeak_kwh"
	QuantityTotal      Quantity = "total_kwh"
	QuantityExport     Quantity = "export_kwh"
	QuantityNEMBalance Quantity = "nem_balance_kwh"
	QuantityLastReset  Quantity = "last_reset"
)
