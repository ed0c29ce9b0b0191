/*
Package reporting derives financial and utilization summaries from claim and
ledger state.

PURPOSE:
  Every report is a pure read. Nothing here writes to the ledger or the claim
  store, and the same data and query always produce the same output: groups
  are sorted by key and "now" comes from Query.AsOf rather than the wall clock.

REPORTS:
  revenue_summary        paid + partially paid claims: count, billed, collected
  aging_report           unpaid claims by days since submission (0-30 ... 90+)
  denial_analysis        denied claims grouped by reason
  collection_rates       collected / billed overall and per payer
  outstanding_balances   open balances per client
  payer_mix              billed share per payer and per program
  service_profitability  units, billed and collected per service type
  authorization_analysis ceiling / consumed / remaining per (client, program)
  timely_filing          days from service to first submission vs the limit

SCOPE:
  A claim is in range when its CreatedAt falls in [From, To]. Zero bounds are
  open. Program, PayerID and ClientID narrow further when set.
*/
package reporting

import (
	"fmt"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

type Type string

const (
	RevenueSummary        Type = "revenue_summary"
	AgingReport           Type = "aging_report"
	DenialAnalysis        Type = "denial_analysis"
	CollectionRates       Type = "collection_rates"
	OutstandingBalances   Type = "outstanding_balances"
	PayerMix              Type = "payer_mix"
	ServiceProfitability  Type = "service_profitability"
	AuthorizationAnalysis Type = "authorization_analysis"
	TimelyFiling          Type = "timely_filing"
)

// Types lists every supported report.
var Types = []Type{
	RevenueSummary, AgingReport, DenialAnalysis, CollectionRates, OutstandingBalances,
	PayerMix, ServiceProfitability, AuthorizationAnalysis, TimelyFiling,
}

func ParseType(s string) (Type, error) {
	t := Type(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Types {
		if t == known {
			return t, nil
		}
	}
	return "", fmt.Errorf("%w: unknown report type %q", generic.ErrInvalidInput, s)
}

// Query selects the data a report covers.
type Query struct {
	From     time.Time
	To       time.Time
	AsOf     time.Time // zero means now
	Program  generic.ProgramCode
	PayerID  string
	ClientID generic.ClientID
}

// Report wraps one report body. Data holds the type-specific struct.
type Report struct {
	Type Type      `json:"type"`
	From time.Time `json:"from,omitempty"`
	To   time.Time `json:"to,omitempty"`
	AsOf time.Time `json:"as_of"`
	Data any       `json:"data"`
}

// =============================================================================
// REPORT BODIES
// =============================================================================

type Revenue struct {
	ClaimCount int             `json:"claim_count"`
	Total      decimal.Decimal `json:"total"`
	Collected  decimal.Decimal `json:"collected"`
}

type Aging struct {
	Buckets []AgingBucket   `json:"buckets"`
	Count   int             `json:"count"`
	Total   decimal.Decimal `json:"total"`
}

type AgingBucket struct {
	Label   string          `json:"label"`
	MinDays int             `json:"min_days"`
	MaxDays int             `json:"max_days"` // -1 for the open-ended band
	Count   int             `json:"count"`
	Total   decimal.Decimal `json:"total"`
}

type Denials struct {
	Count      int             `json:"count"`
	Total      decimal.Decimal `json:"total"`
	DenialRate decimal.Decimal `json:"denial_rate"` // denied / claims with a payer response
	ByReason   []DenialGroup   `json:"by_reason"`
}

type DenialGroup struct {
	Reason string          `json:"reason"`
	Count  int             `json:"count"`
	Total  decimal.Decimal `json:"total"`
}

type Collections struct {
	Billed    decimal.Decimal    `json:"billed"`
	Collected decimal.Decimal    `json:"collected"`
	Rate      decimal.Decimal    `json:"rate"`
	ByPayer   []PayerCollections `json:"by_payer"`
}

type PayerCollections struct {
	PayerID   string          `json:"payer_id"`
	Billed    decimal.Decimal `json:"billed"`
	Collected decimal.Decimal `json:"collected"`
	Rate      decimal.Decimal `json:"rate"`
}

type Outstanding struct {
	Total    decimal.Decimal `json:"total"`
	ByClient []ClientBalance `json:"by_client"`
}

type ClientBalance struct {
	ClientID    generic.ClientID `json:"client_id"`
	ClaimCount  int              `json:"claim_count"`
	Outstanding decimal.Decimal  `json:"outstanding"`
	OldestDays  int              `json:"oldest_days"`
}

type Mix struct {
	Billed    decimal.Decimal `json:"billed"`
	ByPayer   []MixShare      `json:"by_payer"`
	ByProgram []MixShare      `json:"by_program"`
}

type MixShare struct {
	Key        string          `json:"key"`
	ClaimCount int             `json:"claim_count"`
	Billed     decimal.Decimal `json:"billed"`
	Share      decimal.Decimal `json:"share"`
}

type Profitability struct {
	ByService []ServiceLine `json:"by_service"`
}

type ServiceLine struct {
	ServiceType    generic.ServiceType `json:"service_type"`
	Sessions       int                 `json:"sessions"`
	Units          decimal.Decimal     `json:"units"`
	Billed         decimal.Decimal     `json:"billed"`
	Collected      decimal.Decimal     `json:"collected"`
	CollectionRate decimal.Decimal     `json:"collection_rate"`
	BilledPerUnit  decimal.Decimal     `json:"billed_per_unit"`
}

type Utilization struct {
	Pairs    []UtilizationPair `json:"pairs"`
	ByStatus map[string]int    `json:"by_status"`
}

type UtilizationPair struct {
	ClientID generic.ClientID       `json:"client_id"`
	Program  generic.ProgramCode    `json:"program"`
	Status   ledger.DepletionStatus `json:"status"` // most severe service status
	Services []UtilizationLine      `json:"services"`
}

type UtilizationLine struct {
	ServiceType generic.ServiceType    `json:"service_type"`
	Period      generic.PeriodType     `json:"period"`
	PeriodID    string                 `json:"period_id"`
	Unit        generic.Unit           `json:"unit"`
	Ceiling     decimal.Decimal        `json:"ceiling"`
	Consumed    decimal.Decimal        `json:"consumed"`
	Remaining   decimal.Decimal        `json:"remaining"`
	Status      ledger.DepletionStatus `json:"status"`
}

type Filing struct {
	LimitDays int          `json:"limit_days"`
	OnTime    int          `json:"on_time"`
	Late      int          `json:"late"`
	Pending   int          `json:"pending"`
	AtRisk    int          `json:"at_risk"`
	Overdue   int          `json:"overdue"`
	Items     []FilingItem `json:"items"`
}

// FilingStatus values for FilingItem.Status.
const (
	FilingOnTime  = "on_time"
	FilingLate    = "late"
	FilingAtRisk  = "at_risk"
	FilingOverdue = "overdue"
	FilingPending = "pending"
)

type FilingItem struct {
	ClaimID       string           `json:"claim_id"`
	ClientID      generic.ClientID `json:"client_id"`
	PayerID       string           `json:"payer_id"`
	ServiceDate   string           `json:"service_date"`
	Days          int              `json:"days"`
	DaysRemaining int              `json:"days_remaining"`
	Status        string           `json:"status"`
}
