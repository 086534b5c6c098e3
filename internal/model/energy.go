// internal/model/energy.go
package model

import (
	"time"

	"github.com/shopspring/decimal"
)

// EnergyState is a copy of the accumulated counters of one premise.
type EnergyState struct {
	PeakKWh       decimal.Decimal `json:"peak_kwh"`
	OffpeakKWh    decimal.Decimal `json:"offpeak_kwh"`
	TotalKWh      decimal.Decimal `json:"total_kwh"`
	ExportKWh     decimal.Decimal `json:"export_kwh"`
	NEMBalanceKWh decimal.Decimal `json:"nem_balance_kwh"`
	// LastReset is nil until the first billing-cycle check has run.
	LastReset *time.Time `json:"last_reset"`
}

// ImportKWh is the billable import for the given mode.
func (s EnergyState) ImportKWh(mode TariffMode) decimal.Decimal {
	if mode.IsToU() {
		return s.PeakKWh.Add(s.OffpeakKWh)
	}
	return s.TotalKWh
}

// Override is a manual correction. Nil fields are left untouched.
type Override struct {
	PremiseID     string           `json:"premise_id,omitempty"`
	PeakKWh       *decimal.Decimal `json:"peak_kwh,omitempty"`
	OffpeakKWh    *decimal.Decimal `json:"offpeak_kwh,omitempty"`
	TotalKWh      *decimal.Decimal `json:"total_kwh,omitempty"`
	ExportKWh     *decimal.Decimal `json:"export_kwh,omitempty"`
	NEMBalanceKWh *decimal.Decimal `json:"nem_balance_kwh,omitempty"`
}

// IsEmpty reports whether the override sets nothing.
func (o Override) IsEmpty() bool {
	return o.PeakKWh == nil && o.OffpeakKWh == nil && o.TotalKWh == nil &&
		o.ExportKWh == nil && o.NEMBalanceKWh == nil
}

// LegacyRestore is the single-call restore payload kept for older state stores.
type LegacyRestore struct {
	PeakKWh    decimal.Decimal
	OffpeakKWh decimal.Decimal
	TotalKWh   decimal.Decimal
	ExportKWh  decimal.Decimal
	LastReset  *time.Time
}
