// Package quality implements the data-quality pipeline that sits between
// ingestion and storage: rule-driven record validation producing quality
// scores, and similarity-based duplicate detection with removal strategies.
package quality

import (
	"fmt"
	"math"
	"regexp"
	"time"

	"github.com/rs/zerolog"

	"github.com/codeway3/chronoretrace/internal/domain"
)

// Severity grades a rule outcome.
type Severity string

const (
	SeverityInfo    Severity = "info"
	SeverityWarning Severity = "warning"
	SeverityError   Severity = "error"
)

// Quality score weights: score = 1 - (alpha*errors + beta*warnings),
// clamped to [0,1].
const (
	scoreAlpha = 0.2
	scoreBeta  = 0.05
)

// Record is a single ingested daily quote awaiting validation.
type Record struct {
	Code      string  `json:"code"`
	Date      string  `json:"date"` // "2006-01-02"
	Open      float64 `json:"open"`
	Close     float64 `json:"close"`
	High      float64 `json:"high"`
	Low       float64 `json:"low"`
	Volume    int64   `json:"volume"`
	Turnover  float64 `json:"turnover"`
	PrevClose float64 `json:"prev_close,omitempty"` // Optional; enables the change-percent rule

	// QualityScore is filled in by the validator and consumed by the
	// keep_highest_quality dedup strategy.
	QualityScore float64 `json:"quality_score,omitempty"`
}

// RuleOutcome is one rule evaluation against one record.
type RuleOutcome struct {
	Field    string   `json:"field"`
	Code     string   `json:"code"` // stable machine-readable code
	Severity Severity `json:"severity"`
	Message  string   `json:"message"`
}

// ValidationResult is the per-record outcome.
type ValidationResult struct {
	IsValid      bool          `json:"is_valid"`
	QualityScore float64       `json:"quality_score"`
	Outcomes     []RuleOutcome `json:"outcomes,omitempty"`
}

// ValidationReport aggregates a batch run.
type ValidationReport struct {
	Total         int           `json:"total"`
	ValidCount    int           `json:"valid_count"`
	ErrorCount    int           `json:"error_count"`
	WarningCount  int           `json:"warning_count"`
	InfoCount     int           `json:"info_count"`
	ExecutionTime time.Duration `json:"execution_time"`
	ProcessedAt   time.Time     `json:"processed_at"`
}

var (
	aShareCodePattern = regexp.MustCompile(`^\d{6}(\.(SZ|SH|BJ))?$`)
	hkCodePattern     = regexp.MustCompile(`^\d{5}$`)
	usCodePattern     = regexp.MustCompile(`^[A-Z][A-Z.\-]{0,9}$`)
)

// changeBands bounds the daily change-percent rule per market regime.
var changeBands = map[domain.MarketType]float64{
	domain.MarketAShare:  0.10,
	domain.MarketUSStock: 0.30,
}

// Validator runs the rule set against ingested records.
type Validator struct {
	market domain.MarketType
	log    zerolog.Logger
}

// NewValidator creates a validator for a market regime.
func NewValidator(market domain.MarketType, log zerolog.Logger) *Validator {
	return &Validator{
		market: market,
		log:    log.With().Str("component", "data_validator").Logger(),
	}
}

// ValidateRecord evaluates all rules against one record.
func (v *Validator) ValidateRecord(rec *Record) ValidationResult {
	var outcomes []RuleOutcome

	outcomes = append(outcomes, v.validateCode(rec.Code)...)
	outcomes = append(outcomes, v.validateDate(rec.Date)...)
	outcomes = append(outcomes, v.validatePrices(rec)...)
	outcomes = append(outcomes, v.validateVolume(rec)...)
	outcomes = append(outcomes, v.validateChangePercent(rec)...)

	errors, warnings := 0, 0
	for _, o := range outcomes {
		switch o.Severity {
		case SeverityError:
			errors++
		case SeverityWarning:
			warnings++
		}
	}

	score := 1.0 - (scoreAlpha*float64(errors) + scoreBeta*float64(warnings))
	score = math.Max(0, math.Min(1, score))
	rec.QualityScore = score

	return ValidationResult{
		IsValid:      errors == 0,
		QualityScore: score,
		Outcomes:     outcomes,
	}
}

// ValidateBatch evaluates every record and returns per-record results plus
// the aggregate report. Invalid records do not stop the batch.
func (v *Validator) ValidateBatch(records []Record) ([]ValidationResult, ValidationReport) {
	start := time.Now()

	results := make([]ValidationResult, len(records))
	report := ValidationReport{Total: len(records), ProcessedAt: start}

	for i := range records {
		res := v.ValidateRecord(&records[i])
		results[i] = res
		if res.IsValid {
			report.ValidCount++
		}
		for _, o := range res.Outcomes {
			switch o.Severity {
			case SeverityError:
				report.ErrorCount++
			case SeverityWarning:
				report.WarningCount++
			case SeverityInfo:
				report.InfoCount++
			}
		}
	}

	report.ExecutionTime = time.Since(start)
	v.log.Debug().
		Int("total", report.Total).
		Int("valid", report.ValidCount).
		Int("errors", report.ErrorCount).
		Msg("Validation batch finished")
	return results, report
}

func (v *Validator) validateCode(code string) []RuleOutcome {
	if code == "" {
		return []RuleOutcome{{
			Field:    "code",
			Code:     "code_required",
			Severity: SeverityError,
			Message:  "stock code is required",
		}}
	}

	var ok bool
	switch v.market {
	case domain.MarketAShare:
		ok = aShareCodePattern.MatchString(code)
	case domain.MarketUSStock:
		ok = usCodePattern.MatchString(code)
	default:
		ok = hkCodePattern.MatchString(code) || aShareCodePattern.MatchString(code) || usCodePattern.MatchString(code)
	}
	if !ok {
		return []RuleOutcome{{
			Field:    "code",
			Code:     "code_format",
			Severity: SeverityError,
			Message:  fmt.Sprintf("code %q does not match the %s format", code, v.market),
		}}
	}
	return nil
}

func (v *Validator) validateDate(date string) []RuleOutcome {
	if date == "" {
		return []RuleOutcome{{
			Field:    "date",
			Code:     "date_required",
			Severity: SeverityError,
			Message:  "trade date is required",
		}}
	}
	parsed, err := time.Parse("2006-01-02", date)
	if err != nil {
		return []RuleOutcome{{
			Field:    "date",
			Code:     "date_format",
			Severity: SeverityError,
			Message:  fmt.Sprintf("date %q is not a valid calendar date", date),
		}}
	}
	if parsed.After(time.Now().AddDate(0, 0, 1)) {
		return []RuleOutcome{{
			Field:    "date",
			Code:     "date_in_future",
			Severity: SeverityWarning,
			Message:  fmt.Sprintf("date %q is in the future", date),
		}}
	}
	return nil
}

func (v *Validator) validatePrices(rec *Record) []RuleOutcome {
	var outcomes []RuleOutcome

	prices := []struct {
		field string
		value float64
	}{
		{"open", rec.Open},
		{"close", rec.Close},
		{"high", rec.High},
		{"low", rec.Low},
	}

	finite := true
	for _, p := range prices {
		if math.IsNaN(p.value) || math.IsInf(p.value, 0) {
			outcomes = append(outcomes, RuleOutcome{
				Field:    p.field,
				Code:     "price_not_finite",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s is not a finite number", p.field),
			})
			finite = false
			continue
		}
		if p.value <= 0 {
			outcomes = append(outcomes, RuleOutcome{
				Field:    p.field,
				Code:     "price_not_positive",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s must be positive, got %v", p.field, p.value),
			})
			finite = false
		}
	}

	if !finite {
		return outcomes
	}

	if rec.High < rec.Low {
		outcomes = append(outcomes, RuleOutcome{
			Field:    "high",
			Code:     "high_below_low",
			Severity: SeverityError,
			Message:  fmt.Sprintf("high %v is below low %v", rec.High, rec.Low),
		})
		return outcomes
	}
	for _, p := range []struct {
		field string
		value float64
	}{{"open", rec.Open}, {"close", rec.Close}} {
		if p.value < rec.Low || p.value > rec.High {
			outcomes = append(outcomes, RuleOutcome{
				Field:    p.field,
				Code:     "price_outside_range",
				Severity: SeverityError,
				Message:  fmt.Sprintf("%s %v is outside [low, high] = [%v, %v]", p.field, p.value, rec.Low, rec.High),
			})
		}
	}
	return outcomes
}

func (v *Validator) validateVolume(rec *Record) []RuleOutcome {
	var outcomes []RuleOutcome
	if rec.Volume < 0 {
		outcomes = append(outcomes, RuleOutcome{
			Field:    "volume",
			Code:     "volume_negative",
			Severity: SeverityError,
			Message:  fmt.Sprintf("volume must not be negative, got %d", rec.Volume),
		})
	}
	if rec.Turnover < 0 || math.IsNaN(rec.Turnover) || math.IsInf(rec.Turnover, 0) {
		outcomes = append(outcomes, RuleOutcome{
			Field:    "turnover",
			Code:     "turnover_invalid",
			Severity: SeverityWarning,
			Message:  "turnover is negative or not finite",
		})
	}
	if rec.Volume == 0 {
		outcomes = append(outcomes, RuleOutcome{
			Field:    "volume",
			Code:     "volume_zero",
			Severity: SeverityInfo,
			Message:  "zero volume; possibly a suspended session",
		})
	}
	return outcomes
}

func (v *Validator) validateChangePercent(rec *Record) []RuleOutcome {
	if rec.PrevClose <= 0 {
		return nil
	}
	band, ok := changeBands[v.market]
	if !ok {
		band = 0.30
	}
	change := math.Abs(rec.Close/rec.PrevClose - 1)
	if change > band {
		return []RuleOutcome{{
			Field:    "close",
			Code:     "change_out_of_band",
			Severity: SeverityError,
			Message:  fmt.Sprintf("daily change %.2f%% exceeds the ±%.0f%% %s band", change*100, band*100, v.market),
		}}
	}
	return nil
}
