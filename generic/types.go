/*
Package generic provides the domain-agnostic building blocks of the unit ledger.

PURPOSE:
  This package holds the small, shared vocabulary that both the unit ledger
  and the claim engine are written in: units, identifiers, dates, period
  arithmetic, the clock collaborator, error kinds, and the keyed lock that
  serializes work on a single ledger tuple or claim.

KEY CONCEPTS IN THIS FILE (types.go):
  - Unit:   The closed set of billable unit types (hours, sessions, units)
  - ClientID / ProgramCode / ServiceType: Type-safe identifiers

DESIGN PRINCIPLES:
  1. Precision: decimal.Decimal everywhere, never float64 for units or money
  2. Type Safety: distinct identifier types so a client id cannot be passed as a program
  3. No domain knowledge: nothing here knows what a claim or an authorization is

USAGE:
  unit, err := generic.ParseUnit("Hours")     // UnitHours
  program, err := generic.ParseProgram(" aw ") // ProgramAW

SEE ALSO:
  - period.go: Period boundaries and identifiers
  - errors.go: Error kinds shared by all components
  - lock.go: Per-key mutual exclusion with timeout
*/
package generic

import (
	"fmt"
	"strings"

	"github.com/shopspring/decimal"
)

// =============================================================================
// UNIT
// =============================================================================

// Unit is the unit an authorization ceiling is expressed in.
type Unit string

const (
	UnitHours    Unit = "hours"
	UnitSessions Unit = "sessions"
	UnitUnits    Unit = "units"
)

// Valid reports whether u is one of the known units.
func (u Unit) Valid() bool {
	switch u {
	case UnitHours, UnitSessions, UnitUnits:
		return true
	}
	return false
}

// ParseUnit converts a string into a Unit, rejecting unknown values.
func ParseUnit(s string) (Unit, error) {
	u := Unit(strings.ToLower(strings.TrimSpace(s)))
	if !u.Valid() {
		return "", fmt.Errorf("%w: unknown unit %q", ErrInvalidInput, s)
	}
	return u, nil
}

// ParseDecimal parses a stored decimal column, naming the field on failure.
func ParseDecimal(field, s string) (decimal.Decimal, error) {
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, fmt.Errorf("bad %s %q: %w", field, s, err)
	}
	return d, nil
}

// =============================================================================
// IDENTIFIERS
// =============================================================================

type ClientID string

// ProgramCode identifies a funding program (AW, DDA, CFC, CS, ...).
type ProgramCode string

// ServiceType identifies the service being authorized (respite, personal care, ...).
type ServiceType string

const (
	ProgramAW  ProgramCode = "AW"
	ProgramDDA ProgramCode = "DDA"
	ProgramCFC ProgramCode = "CFC"
	ProgramCS  ProgramCode = "CS"
)

// KnownPrograms lists the program codes seen in production data. The set is
// open-ended; other codes are accepted as long as they are well formed.
var KnownPrograms = []ProgramCode{ProgramAW, ProgramDDA, ProgramCFC, ProgramCS}

// ParseProgram normalizes a program code to upper case and validates its shape.
func ParseProgram(s string) (ProgramCode, error) {
	code := strings.ToUpper(strings.TrimSpace(s))
	if code == "" {
		return "", fmt.Errorf("%w: program code is required", ErrInvalidInput)
	}
	for _, r := range code {
		if (r < 'A' || r > 'Z') && (r < '0' || r > '9') && r != '_' {
			return "", fmt.Errorf("%w: malformed program code %q", ErrInvalidInput, s)
		}
	}
	return ProgramCode(code), nil
}
