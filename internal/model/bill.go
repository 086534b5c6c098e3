// internal/model/bill.go
package model

import (
	"fmt"
	"time"

	"github.com/shopspring/decimal"
)

// OffsetMode tells which matched fields of an Offset are meaningful.
type OffsetMode string

const (
	OffsetPeakFirst OffsetMode = "peak_first"
	OffsetTotal     OffsetMode = "total"
)

// Offset is the result of matching export energy against import.
// In OffsetPeakFirst mode MatchedPeak and MatchedOffpeak are set; in OffsetTotal mode
// only MatchedTotal is.
type Offset struct {
	Mode           OffsetMode      `json:"mode"`
	MatchedPeak    decimal.Decimal `json:"matched_peak_kwh"`
	MatchedOffpeak decimal.Decimal `json:"matched_offpeak_kwh"`
	MatchedTotal   decimal.Decimal `json:"matched_total_kwh"`
	Excess         decimal.Decimal `json:"excess_kwh"`
}

// Matched is the total import offset by export, whatever the mode.
func (o Offset) Matched() decimal.Decimal {
	if o.Mode == OffsetPeakFirst {
		return o.MatchedPeak.Add(o.MatchedOffpeak)
	}
	return o.MatchedTotal
}

// Components is the bill breakdown for the current period, in RM unless noted.
type Components struct {
	EnergyCost     decimal.Decimal `json:"energy_cost"`
	CapacityCharge decimal.Decimal `json:"capacity_charge"`
	NetworkCharge  decimal.Decimal `json:"network_charge"`
	RetailCharge   decimal.Decimal `json:"retail_charge"`
	AFACost        decimal.Decimal `json:"afa_cost"`
	EEIRebate      decimal.Decimal `json:"eei_rebate"`
	KWTBBTax       decimal.Decimal `json:"kwtbb_tax"`
	ServiceTax     decimal.Decimal `json:"service_tax"`
	BaseBill       decimal.Decimal `json:"base_bill"`
	ImportCost     decimal.Decimal `json:"import_cost"`
	// GrossExportCredit is the credit before the EEI export adjustment.
	GrossExportCredit decimal.Decimal `json:"gross_export_credit"`
	// EEIExportAdjustment is the (non-positive) clawback applied to exported energy.
	EEIExportAdjustment decimal.Decimal `json:"eei_export_adjustment"`
	ExportCredit        decimal.Decimal `json:"export_credit"`
	ExcessExportKWh     decimal.Decimal `json:"excess_export_kwh"`
	NetBill             decimal.Decimal `json:"net_bill"`
	Offset              Offset          `json:"offset"`
}

// VariableCharges is capacity plus network.
func (c Components) VariableCharges() decimal.Decimal {
	return c.CapacityCharge.Add(c.NetworkCharge)
}

// Rounded returns a copy with every amount rounded for presentation.
func (c Components) Rounded(places int32) Components {
	r := func(d decimal.Decimal) decimal.Decimal { return d.Round(places) }
	return Components{
		EnergyCost:          r(c.EnergyCost),
		CapacityCharge:      r(c.CapacityCharge),
		NetworkCharge:       r(c.NetworkCharge),
		RetailCharge:        r(c.RetailCharge),
		AFACost:             r(c.AFACost),
		EEIRebate:           r(c.EEIRebate),
		KWTBBTax:            r(c.KWTBBTax),
		ServiceTax:          r(c.ServiceTax),
		BaseBill:            r(c.BaseBill),
		ImportCost:          r(c.ImportCost),
		GrossExportCredit:   r(c.GrossExportCredit),
		EEIExportAdjustment: r(c.EEIExportAdjustment),
		ExportCredit:        r(c.ExportCredit),
		ExcessExportKWh:     r(c.ExcessExportKWh),
		NetBill:             r(c.NetBill),
		Offset: Offset{
			Mode:           c.Offset.Mode,
			MatchedPeak:    r(c.Offset.MatchedPeak),
			MatchedOffpeak: r(c.Offset.MatchedOffpeak),
			MatchedTotal:   r(c.Offset.MatchedTotal),
			Excess:         r(c.Offset.Excess),
		},
	}
}

// BillSnapshot is the record published for downstream consumers of a premise's running bill.
type BillSnapshot struct {
	// SnapshotID is a unique identifier for this record.
	SnapshotID string `json:"snapshot_id"`
	// PremiseID identifies the monitored premise.
	PremiseID string `json:"premise_id"`
	// TariffMode is the billing mode of the premise.
	TariffMode TariffMode `json:"tariff_mode"`
	// PeriodStart is the last billing-cycle reset, if known.
	PeriodStart *time.Time `json:"period_start,omitempty"`
	// Energy is the counter state the bill was derived from.
	Energy EnergyState `json:"energy"`
	// Components is the bill breakdown rounded to sen.
	Components Components `json:"components"`
	// GeneratedAt is when the snapshot was taken.
	GeneratedAt time.Time `json:"generated_at"`
}

// Validate performs basic validation before publishing.
func (b *BillSnapshot) Validate() error {
	if b.SnapshotID == "" {
		return fmt.Errorf("snapshot_id cannot be empty")
	}
	if b.PremiseID == "" {
		return fmt.Errorf("premise_id cannot be empty")
	}
	if b.Components.NetBill.IsNegative() {
		return fmt.Errorf("net_bill cannot be negative")
	}
	return nil
}

// RolloverEvent describes a closed billing period.
type RolloverEvent struct {
	PremiseID string `json:"premise_id"`
	// PreviousReset is when the closed period started; nil if unknown.
	PreviousReset *time.Time `json:"previous_reset,omitempty"`
	ResetAt       time.Time  `json:"reset_at"`
	// Closed holds the period counters as they were before zeroing.
	Closed EnergyState `json:"closed"`
	// CarriedKWh is the excess export added to the NEM balance.
	CarriedKWh decimal.Decimal `json:"carried_kwh"`
	// Forfeited is true when the rollover crossed January 1st.
	Forfeited bool `json:"forfeited"`
	// ForfeitedKWh is the balance dropped by the annual expiry.
	ForfeitedKWh  decimal.Decimal `json:"forfeited_kwh"`
	NEMBalanceKWh decimal.Decimal `json:"nem_balance_kwh"`
}
