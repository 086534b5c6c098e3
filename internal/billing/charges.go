// internal/billing/charges.go
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
)

// EnergyRates are the sen/kWh rates picked from the selected tier.
// ToU fills Peak and Offpeak; Standard fills Standard.
type EnergyRates struct {
	Peak     decimal.Decimal
	Offpeak  decimal.Decimal
	Standard decimal.Decimal
}

// EnergyCost prices import energy. The tier is always selected by total usage.
func EnergyCost(mode model.TariffMode, peak, offpeak, total decimal.Decimal, tariff rates.Tariff) (decimal.Decimal, EnergyRates, error) {
	if mode.IsToU() {
		tier, ok := SelectTier(total, tariff.ToU.Tiers)
		if !ok {
			return decimal.Zero, EnergyRates{}, ErrNoTiers
		}
		r := EnergyRates{Peak: tier.PeakRate, Offpeak: tier.OffpeakRate}
		return senToRM(peak, r.Peak).Add(senToRM(offpeak, r.Offpeak)), r, nil
	}

	tier, ok := SelectTier(total, tariff.Tiers)
	if !ok {
		return decimal.Zero, EnergyRates{}, ErrNoTiers
	}
	r := EnergyRates{Standard: tier.Rate}
	return senToRM(total, r.Standard), r, nil
}

// VariableCharges returns the capacity and network charges for usage.
func VariableCharges(usage decimal.Decimal, charges rates.Charges) (capacity, network decimal.Decimal) {
	return senToRM(usage, charges.Capacity), senToRM(usage, charges.Network)
}

// RetailCharge is the flat fee, waived at or below the waiver limit.
func RetailCharge(usage decimal.Decimal, charges rates.Charges) decimal.Decimal {
	if usage.GreaterThan(charges.RetailWaiver()) {
		return charges.RetailAmount()
	}
	return decimal.Zero
}

// AFACharge applies the monthly fuel adjustment above the waiver limit.
// monthKey is "YYYY-MM".
func AFACharge(usage decimal.Decimal, afa rates.AFA, monthKey string) decimal.Decimal {
	if usage.LessThanOrEqual(afa.Waiver()) {
		return decimal.Zero
	}
	return senToRM(usage, afa.RateFor(monthKey))
}

// EEIRebate is the efficiency incentive for usage. Usually negative; zero above the cap.
func EEIRebate(usage decimal.Decimal, eei rates.EEI) decimal.Decimal {
	if usage.GreaterThan(eei.Cap()) {
		return decimal.Zero
	}
	if tier, ok := SelectTier(usage, eei.Tiers); ok {
		return senToRM(usage, tier.Rate)
	}
	return senToRM(usage, eei.Rate)
}

// EEIExportRate is the effective sen/kWh EEI rate for an exported quantity, computed as if
// the quantity had been imported.
func EEIExportRate(qty decimal.Decimal, eei rates.EEI) decimal.Decimal {
	if !qty.IsPositive() {
		return decimal.Zero
	}
	return EEIRebate(qty, eei).Div(qty).Mul(hundred)
}

// KWTBBTax is levied on base (energy + variable + EEI) above the usage threshold.
func KWTBBTax(usage, base decimal.Decimal, k rates.KWTBB) decimal.Decimal {
	if usage.GreaterThan(k.ThresholdOrDefault()) {
		return base.Mul(k.RateOrDefault().Div(hundred))
	}
	return decimal.Zero
}

// ServiceTax taxes the share of baseBill attributable to usage above the exemption limit.
func ServiceTax(usage, baseBill decimal.Decimal, st rates.ServiceTax) decimal.Decimal {
	limit := st.ExemptionOrDefault()
	if usage.LessThanOrEqual(limit) || usage.IsZero() {
		return decimal.Zero
	}
	ratio := usage.Sub(limit).Div(usage)
	return baseBill.Mul(ratio).Mul(st.RateOrDefault().Div(hundred))
}
