package episode

import "fmt"

// Submission is one validated DKA episode as submitted to POST /calculate.
// Optional numeric fields are pointer-typed so that an omitted value is
// distinguishable from an explicit zero; they are stored exactly as
// submitted and never coalesced to defaults.
type Submission struct {
	AgeMonths           int      `json:"age_months"`
	Sex                 string   `json:"sex,omitempty"`
	WeightKg            float64  `json:"weight_kg"`
	PH                  float64  `json:"ph"`
	Bicarbonate         *float64 `json:"bicarbonate,omitempty"`
	Glucose             *float64 `json:"glucose,omitempty"`
	Ketones             *float64 `json:"ketones,omitempty"`
	ShockPresent        bool     `json:"shock_present"`
	InsulinRate         float64  `json:"insulin_rate"`
	PreExistingDiabetes bool     `json:"pre_existing_diabetes"`

	// PatientHash is the client-side pre-hash of the patient identifier,
	// never the raw identifier. PatientPostcode is used only for the
	// deprivation-decile lookup. Both are optional.
	PatientHash     *string `json:"patient_hash,omitempty"`
	PatientPostcode *string `json:"patient_postcode,omitempty"`
}

// Redacted returns a copy of the submission with the patient-identifying
// fields cleared. Persisted inputs must never include the pre-hash or the
// postcode; only the derived server hash and the deprivation decile are
// stored.
func (s *Submission) Redacted() *Submission {
	cp := *s
	cp.PatientHash = nil
	cp.PatientPostcode = nil
	return &cp
}

// Validate performs field-level shape checks and returns the violated rules.
// Domain-level consistency (whether the biochemistry actually meets DKA
// thresholds) is the calculator's job, not this method's.
func (s *Submission) Validate() []string {
	var errs []string

	if s.AgeMonths < 0 {
		errs = append(errs, "age_months must not be negative")
	}
	if s.WeightKg <= 0 {
		errs = append(errs, "weight_kg is required and must be positive")
	}
	if s.PH < 6.2 || s.PH > 7.7 {
		errs = append(errs, fmt.Sprintf("ph %.2f is outside the measurable range 6.2-7.7", s.PH))
	}
	if s.Bicarbonate != nil && (*s.Bicarbonate < 0 || *s.Bicarbonate > 35) {
		errs = append(errs, "bicarbonate must be between 0 and 35 mmol/L when provided")
	}
	if s.Glucose != nil && (*s.Glucose < 0 || *s.Glucose > 100) {
		errs = append(errs, "glucose must be between 0 and 100 mmol/L when provided")
	}
	if s.Ketones != nil && (*s.Ketones < 0 || *s.Ketones > 20) {
		errs = append(errs, "ketones must be between 0 and 20 mmol/L when provided")
	}
	if s.InsulinRate == 0 {
		errs = append(errs, "insulin_rate is required")
	}

	return errs
}

// Calculations holds the protocol metrics derived from a submission. All
// volumes are millilitres, all rates millilitres per hour unless named
// otherwise.
type Calculations struct {
	Severity              string  `json:"severity"`
	DeficitPercent        float64 `json:"deficit_percent"`
	DeficitVolumeML       float64 `json:"deficit_volume_ml"`
	BolusVolumeML         float64 `json:"bolus_volume_ml"`
	DeficitLessBolusML    float64 `json:"deficit_less_bolus_ml"`
	DeficitRateMLHour     float64 `json:"deficit_rate_ml_hour"`
	MaintenanceDailyML    float64 `json:"maintenance_daily_ml"`
	MaintenanceRateMLHour float64 `json:"maintenance_rate_ml_hour"`
	TotalRateMLHour       float64 `json:"total_rate_ml_hour"`
	InsulinUnitsHour      float64 `json:"insulin_units_hour"`
}

// Severity bands.
const (
	SeverityMild     = "mild"
	SeverityModerate = "moderate"
	SeveritySevere   = "severe"
)
