// internal/billing/export.go
package billing

import (
	"github.com/shopspring/decimal"

	"github.com/deannos/nem-billing-pipeline/internal/model"
)

// ExportInput carries everything needed to value exported energy.
type ExportInput struct {
	Mode    model.TariffMode
	Peak    decimal.Decimal
	Offpeak decimal.Decimal
	Total   decimal.Decimal
	// Export is the effective export: period export plus carried NEM balance.
	Export decimal.Decimal
	Rates  EnergyRates
	// VariableRate is capacity plus network in sen/kWh.
	VariableRate decimal.Decimal
	// EEIRate is the sen/kWh EEI export rate, usually negative.
	EEIRate decimal.Decimal
}

// ExportCredit offsets export against import, peak first for ToU, and values the matched
// energy. Leftover export is reported as excess and earns nothing.
func ExportCredit(in ExportInput) (credit, gross decimal.Decimal, offset model.Offset) {
	remaining := decimal.Max(in.Export, decimal.Zero)

	if in.Mode.IsToU() {
		offset.Mode = model.OffsetPeakFirst
		if in.Peak.IsPositive() {
			offset.MatchedPeak = decimal.Min(remaining, in.Peak)
			remaining = remaining.Sub(offset.MatchedPeak)
		}
		if in.Offpeak.IsPositive() {
			offset.MatchedOffpeak = decimal.Min(remaining, in.Offpeak)
			remaining = remaining.Sub(offset.MatchedOffpeak)
		}
		offset.Excess = remaining

		peakRate := in.Rates.Peak.Add(in.VariableRate)
		offpeakRate := in.Rates.Offpeak.Add(in.VariableRate)
		gross = senToRM(offset.MatchedPeak, peakRate).Add(senToRM(offset.MatchedOffpeak, offpeakRate))
		credit = senToRM(offset.MatchedPeak, peakRate.Add(in.EEIRate)).
			Add(senToRM(offset.MatchedOffpeak, offpeakRate.Add(in.EEIRate)))
		return credit, gross, offset
	}

	offset.Mode = model.OffsetTotal
	if in.Total.IsPositive() {
		offset.MatchedTotal = decimal.Min(remaining, in.Total)
		remaining = remaining.Sub(offset.MatchedTotal)
	}
	offset.Excess = remaining

	rate := in.Rates.Standard.Add(in.VariableRate)
	gross = senToRM(offset.MatchedTotal, rate)
	credit = senToRM(offset.MatchedTotal, rate.Add(in.EEIRate))
	return credit, gross, offset
}
