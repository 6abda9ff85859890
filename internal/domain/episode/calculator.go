package episode

import (
	"fmt"
	"math"
)

// Calculator derives protocol metrics from a submission. A non-empty error
// list means the submission is physiologically unsuitable for the protocol;
// callers must treat that as a gate and persist nothing.
type Calculator interface {
	Calculate(sub *Submission) (*Calculations, []string)
}

// Protocol limits. Weight above the cap is dosed at the cap rather than the
// measured value, matching paediatric DKA guidance for larger adolescents.
const (
	maxAgeMonths    = 228 // protocol covers patients under 19 years
	minWeightKg     = 2
	maxWeightKg     = 150
	weightCapKg     = 75
	rehydrationHrs  = 48
	bolusMLPerKg    = 10
)

// Allowed insulin infusion rates in units/kg/hour.
var allowedInsulinRates = []float64{0.05, 0.1}

// ProtocolCalculator implements the paediatric DKA fluid and insulin
// arithmetic: severity banding from blood gas, Holliday-Segar maintenance,
// an initial bolus, and deficit replacement over 48 hours.
type ProtocolCalculator struct{}

func NewProtocolCalculator() *ProtocolCalculator {
	return &ProtocolCalculator{}
}

func (pc *ProtocolCalculator) Calculate(sub *Submission) (*Calculations, []string) {
	var errs []string

	if sub.AgeMonths > maxAgeMonths {
		errs = append(errs, "patient is too old for the paediatric protocol (age must be under 19 years)")
	}
	if sub.WeightKg < minWeightKg || sub.WeightKg > maxWeightKg {
		errs = append(errs, fmt.Sprintf("weight %.1f kg is outside the plausible range %d-%d kg",
			sub.WeightKg, minWeightKg, maxWeightKg))
	}
	if !validInsulinRate(sub.InsulinRate) {
		errs = append(errs, "insulin_rate must be 0.05 or 0.1 units/kg/hour")
	}

	severity, deficitPct := severityBand(sub.PH, sub.Bicarbonate)
	if severity == "" {
		errs = append(errs, "blood gas does not meet DKA thresholds (pH below 7.3 or bicarbonate below 15 mmol/L required)")
	}

	if len(errs) > 0 {
		return nil, errs
	}

	weight := math.Min(sub.WeightKg, weightCapKg)

	deficit := deficitPct * weight * 10
	bolus := bolusMLPerKg * weight

	// The routine 10 mL/kg bolus is subtracted from the deficit before
	// spreading it over 48 hours. Shock boluses are resuscitation fluid and
	// are not subtracted.
	deficitLessBolus := deficit
	if !sub.ShockPresent {
		deficitLessBolus = deficit - bolus
	}
	if deficitLessBolus < 0 {
		deficitLessBolus = 0
	}

	maintenanceDaily := hollidaySegar(weight)

	calc := &Calculations{
		Severity:              severity,
		DeficitPercent:        deficitPct,
		DeficitVolumeML:       round1(deficit),
		BolusVolumeML:         round1(bolus),
		DeficitLessBolusML:    round1(deficitLessBolus),
		DeficitRateMLHour:     round1(deficitLessBolus / rehydrationHrs),
		MaintenanceDailyML:    round1(maintenanceDaily),
		MaintenanceRateMLHour: round1(maintenanceDaily / 24),
		InsulinUnitsHour:      round2(sub.InsulinRate * weight),
	}
	calc.TotalRateMLHour = round1(calc.DeficitRateMLHour + calc.MaintenanceRateMLHour)

	return calc, nil
}

// severityBand maps the blood gas onto the protocol severity bands and their
// dehydration percentages. It returns "" when the gas does not meet DKA
// thresholds at all.
func severityBand(ph float64, bicarbonate *float64) (string, float64) {
	bicarb := math.Inf(1)
	if bicarbonate != nil {
		bicarb = *bicarbonate
	}

	switch {
	case ph < 7.1 || bicarb < 5:
		return SeveritySevere, 10
	case ph < 7.2 || bicarb < 10:
		return SeverityModerate, 7
	case ph < 7.3 || bicarb < 15:
		return SeverityMild, 5
	default:
		return "", 0
	}
}

// hollidaySegar returns the daily maintenance fluid volume in mL: 100 mL/kg
// for the first 10 kg, 50 mL/kg for the next 10 kg, 20 mL/kg thereafter.
func hollidaySegar(weightKg float64) float64 {
	switch {
	case weightKg <= 10:
		return weightKg * 100
	case weightKg <= 20:
		return 1000 + (weightKg-10)*50
	default:
		return 1500 + (weightKg-20)*20
	}
}

func validInsulinRate(rate float64) bool {
	for _, r := range allowedInsulinRates {
		if rate == r {
			return true
		}
	}
	return false
}

func round1(v float64) float64 {
	return math.Round(v*10) / 10
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
