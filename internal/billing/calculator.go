// internal/billing/calculator.go
package billing

import (
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/deannos/nem-billing-pipeline/internal/model"
	"github.com/deannos/nem-billing-pipeline/internal/rates"
)

// Input is the counter state a bill is derived from.
type Input struct {
	Mode  model.TariffMode
	State model.EnergyState
	// Now selects the AFA month.
	Now time.Time
}

// Calculator derives bills from counters and a rate table. It holds no billing state and
// is safe for concurrent use.
type Calculator struct {
	logger *zap.Logger
}

// NewCalculator creates a calculator that reports malformed rate tables to logger.
func NewCalculator(logger *zap.Logger) *Calculator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Calculator{logger: logger}
}

// IsPeak classifies at against the table's ToU schedule. A missing table or malformed
// schedule classifies as off-peak.
func (c *Calculator) IsPeak(at time.Time, table *rates.Table) bool {
	if table == nil || table.TariffA == nil {
		return false
	}
	peak, err := IsPeakTime(at, table.TariffA.ToU)
	if err != nil {
		c.logger.Error("Error parsing ToU schedule, defaulting to off-peak", zap.Error(err))
		return false
	}
	return peak
}

// Calculate derives the full bill breakdown. It never fails: a missing tariff section
// yields zero components and an error log.
func (c *Calculator) Calculate(in Input, table *rates.Table) model.Components {
	zero := model.Components{Offset: model.Offset{Mode: offsetMode(in.Mode)}}
	if table == nil {
		c.logger.Warn("No rate table available for calculation")
		return zero
	}
	if table.TariffA == nil {
		c.logger.Error("Missing tariff_a configuration")
		return zero
	}
	tariff := *table.TariffA
	st := in.State

	usage := st.ImportKWh(in.Mode)

	energy, energyRates, err := EnergyCost(in.Mode, st.PeakKWh, st.OffpeakKWh, usage, tariff)
	if err != nil {
		c.logger.Error("Energy tiers unavailable, defaulting to 0 rate",
			zap.String("tariff_mode", string(in.Mode)),
			zap.Error(err),
		)
	}

	capacity, network := VariableCharges(usage, tariff.Charges)
	variable := capacity.Add(network)
	retail := RetailCharge(usage, tariff.Charges)
	afa := AFACharge(usage, table.AFA, in.Now.Format("2006-01"))
	eei := EEIRebate(usage, table.EEI)

	kwtbb := KWTBBTax(usage, energy.Add(variable).Add(eei), table.Tax.KWTBB)
	base := energy.Add(variable).Add(retail).Add(afa).Add(eei)
	serviceTax := ServiceTax(usage, base, table.Tax.ServiceTax)
	importCost := base.Add(kwtbb).Add(serviceTax)

	effectiveExport := st.ExportKWh.Add(st.NEMBalanceKWh)
	credit, gross, offset := ExportCredit(ExportInput{
		Mode:         in.Mode,
		Peak:         st.PeakKWh,
		Offpeak:      st.OffpeakKWh,
		Total:        usage,
		Export:       effectiveExport,
		Rates:        energyRates,
		VariableRate: tariff.Charges.VariableRate(),
		EEIRate:      EEIExportRate(effectiveExport, table.EEI),
	})

	net := decimal.Max(importCost.Sub(credit), decimal.Zero)

	c.logger.Debug("Bill derived",
		zap.String("usage_kwh", usage.String()),
		zap.String("import_cost", importCost.StringFixed(2)),
		zap.String("export_credit", credit.StringFixed(2)),
		zap.String("excess_export_kwh", offset.Excess.String()),
		zap.String("net_bill", net.StringFixed(2)),
	)

	return model.Components{
		EnergyCost:          energy,
		CapacityCharge:      capacity,
		NetworkCharge:       network,
		RetailCharge:        retail,
		AFACost:             afa,
		EEIRebate:           eei,
		KWTBBTax:            kwtbb,
		ServiceTax:          serviceTax,
		BaseBill:            base,
		ImportCost:          importCost,
		GrossExportCredit:   gross,
		EEIExportAdjustment: credit.Sub(gross),
		ExportCredit:        credit,
		ExcessExportKWh:     offset.Excess,
		NetBill:             net,
		Offset:              offset,
	}
}

func offsetMode(m model.TariffMode) model.OffsetMode {
	if m.IsToU() {
		return model.OffsetPeakFirst
	}
	return model.OffsetTotal
}
