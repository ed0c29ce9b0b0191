package ledger

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
)

// DepletionStatus classifies how much of a ceiling is left. It is derived on
// every read and never stored.
type DepletionStatus uint8

const (
	StatusNormal DepletionStatus = iota
	StatusWarning
	StatusCritical
	StatusExhausted
)

var depletionNames = [...]string{
	StatusNormal:    "normal",
	StatusWarning:   "warning",
	StatusCritical:  "critical",
	StatusExhausted: "exhausted",
}

func (s DepletionStatus) String() string {
	if int(s) < len(depletionNames) {
		return depletionNames[s]
	}
	return fmt.Sprintf("DepletionStatus(%d)", uint8(s))
}

func (s DepletionStatus) MarshalText() ([]byte, error) {
	if int(s) >= len(depletionNames) {
		return nil, fmt.Errorf("invalid depletion status %d", uint8(s))
	}
	return []byte(s.String()), nil
}

func (s *DepletionStatus) UnmarshalText(b []byte) error {
	v, err := ParseDepletionStatus(string(b))
	if err != nil {
		return err
	}
	*s = v
	return nil
}

// ParseDepletionStatus converts a status name back into a DepletionStatus.
func ParseDepletionStatus(s string) (DepletionStatus, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	for i, name := range depletionNames {
		if name == s {
			return DepletionStatus(i), nil
		}
	}
	return StatusNormal, fmt.Errorf("%w: unknown depletion status %q", generic.ErrInvalidInput, s)
}

// =============================================================================
// THRESHOLDS
// =============================================================================

// Thresholds are the remaining-ratio breakpoints. A ratio exactly on a
// breakpoint falls into the more severe band.
//
//	ratio <= 0          exhausted
//	ratio <= Critical   critical
//	ratio <= Warning    warning
//	otherwise           normal
type Thresholds struct {
	Warning  decimal.Decimal
	Critical decimal.Decimal
}

// DefaultThresholds: warning at 50% remaining, critical at 25%.
var DefaultThresholds = Thresholds{
	Warning:  decimal.NewFromFloat(0.50),
	Critical: decimal.NewFromFloat(0.25),
}

// NewThresholds builds validated thresholds from plain ratios.
func NewThresholds(warning, critical float64) (Thresholds, error) {
	t := Thresholds{Warning: decimal.NewFromFloat(warning), Critical: decimal.NewFromFloat(critical)}
	return t, t.Validate()
}

func (t Thresholds) Validate() error {
	one := decimal.NewFromInt(1)
	if !t.Critical.IsPositive() || !t.Warning.GreaterThan(t.Critical) || t.Warning.GreaterThan(one) {
		return fmt.Errorf("%w: thresholds must satisfy 0 < critical (%s) < warning (%s) <= 1",
			generic.ErrInvalidInput, t.Critical, t.Warning)
	}
	return nil
}

// Classify maps a remaining/ceiling ratio to a DepletionStatus.
func (t Thresholds) Classify(ratio decimal.Decimal) DepletionStatus {
	switch {
	case !ratio.IsPositive():
		return StatusExhausted
	case ratio.LessThanOrEqual(t.Critical):
		return StatusCritical
	case ratio.LessThanOrEqual(t.Warning):
		return StatusWarning
	default:
		return StatusNormal
	}
}

// Status classifies a ceiling/consumed pair. A zero ceiling is exhausted.
func (t Thresholds) Status(ceiling, consumed decimal.Decimal) DepletionStatus {
	if !ceiling.IsPositive() {
		return StatusExhausted
	}
	return t.Classify(ceiling.Sub(consumed).Div(ceiling))
}

// Classify uses DefaultThresholds.
func Classify(ratio decimal.Decimal) DepletionStatus {
	return DefaultThresholds.Classify(ratio)
}
