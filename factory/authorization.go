/*
Package factory converts JSON authorization definitions into ledger
authorizations.

PURPOSE:
  Care coordinators hand over approved service plans as JSON documents. The
  factory turns them into ledger.Authorization values so they can be loaded
  through the API or the `allocate --file` command without code changes.

JSON SCHEMA:
  {
    "client_id": "42",
    "program": "AW",
    "service_type": "respite",
    "period_type": "weekly",
    "unit": "hours",
    "ceiling": 20,
    "effective_from": "2025-01-01"
  }

  A document may hold a single object or an array of them.

DEFAULTS:
  - unit:           hours
  - period_type:    weekly
  - effective_from: today (from the factory clock)

SEE ALSO:
  - ledger/types.go: Authorization definition
  - ledger/ledger.go: Allocate
*/
package factory

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

// =============================================================================
// JSON SCHEMA TYPES
// =============================================================================

// AuthorizationJSON is the JSON representation of an authorization.
type AuthorizationJSON struct {
	ClientID      string          `json:"client_id"`
	Program       string          `json:"program"`
	ServiceType   string          `json:"service_type"`
	PeriodType    string          `json:"period_type,omitempty"`
	Unit          string          `json:"unit,omitempty"`
	Ceiling       decimal.Decimal `json:"ceiling"`
	EffectiveFrom string          `json:"effective_from,omitempty"` // YYYY-MM-DD
	EffectiveTo   string          `json:"effective_to,omitempty"`   // output only
}

// =============================================================================
// AUTHORIZATION FACTORY
// =============================================================================

// AuthorizationFactory converts JSON authorizations to ledger values.
type AuthorizationFactory struct {
	clock generic.Clock
}

func NewAuthorizationFactory(clock generic.Clock) *AuthorizationFactory {
	if clock == nil {
		clock = generic.SystemClock{}
	}
	return &AuthorizationFactory{clock: clock}
}

// Parse reads one authorization object or an array of them.
func (f *AuthorizationFactory) Parse(data []byte) ([]ledger.Authorization, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, fmt.Errorf("%w: empty authorization document", generic.ErrInvalidInput)
	}

	var docs []AuthorizationJSON
	if data[0] == '[' {
		if err := json.Unmarshal(data, &docs); err != nil {
			return nil, fmt.Errorf("%w: failed to parse authorization JSON: %v", generic.ErrInvalidInput, err)
		}
	} else {
		var one AuthorizationJSON
		if err := json.Unmarshal(data, &one); err != nil {
			return nil, fmt.Errorf("%w: failed to parse authorization JSON: %v", generic.ErrInvalidInput, err)
		}
		docs = append(docs, one)
	}

	out := make([]ledger.Authorization, 0, len(docs))
	for i, aj := range docs {
		a, err := f.FromJSON(aj)
		if err != nil {
			return nil, fmt.Errorf("authorization %d: %w", i, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// FromJSON applies defaults and validates a single definition. The ceiling
// sign is left to Allocate so the error kind stays the same on every path.
func (f *AuthorizationFactory) FromJSON(aj AuthorizationJSON) (ledger.Authorization, error) {
	program, err := generic.ParseProgram(aj.Program)
	if err != nil {
		return ledger.Authorization{}, err
	}

	period := generic.PeriodWeekly
	if aj.PeriodType != "" {
		if period, err = generic.ParsePeriodType(aj.PeriodType); err != nil {
			return ledger.Authorization{}, err
		}
	}

	unit := generic.UnitHours
	if aj.Unit != "" {
		if unit, err = generic.ParseUnit(aj.Unit); err != nil {
			return ledger.Authorization{}, err
		}
	}

	from := generic.DateOf(f.clock.Now())
	if aj.EffectiveFrom != "" {
		if from, err = generic.ParseDate(aj.EffectiveFrom); err != nil {
			return ledger.Authorization{}, fmt.Errorf("%w: effective_from: %v", generic.ErrInvalidInput, err)
		}
	}

	a := ledger.Authorization{
		Key: ledger.Key{
			ClientID:    generic.ClientID(aj.ClientID),
			Program:     program,
			ServiceType: generic.ServiceType(aj.ServiceType),
			Period:      period,
		},
		Ceiling:       aj.Ceiling,
		Unit:          unit,
		EffectiveFrom: from,
	}
	key, err := a.Key.Normalize()
	if err != nil {
		return ledger.Authorization{}, err
	}
	a.Key = key
	return a, nil
}

// ToJSON converts an authorization back to its JSON form.
func (f *AuthorizationFactory) ToJSON(a ledger.Authorization) AuthorizationJSON {
	aj := AuthorizationJSON{
		ClientID:      string(a.Key.ClientID),
		Program:       string(a.Key.Program),
		ServiceType:   string(a.Key.ServiceType),
		PeriodType:    string(a.Key.Period),
		Unit:          string(a.Unit),
		Ceiling:       a.Ceiling,
		EffectiveFrom: a.EffectiveFrom.String(),
	}
	if a.EffectiveTo != nil {
		aj.EffectiveTo = a.EffectiveTo.String()
	}
	return aj
}
