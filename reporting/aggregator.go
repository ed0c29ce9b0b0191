package reporting

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
)

// DefaultTimelyFilingDays is the usual payer limit from service to submission.
const DefaultTimelyFilingDays = 90

// atRiskWindow is how close to the filing limit an unsubmitted claim is flagged.
const atRiskWindow = 15

// ClaimSource is the read side of the claim engine.
type ClaimSource interface {
	List(ctx context.Context, f claims.Filter) ([]claims.Claim, error)
}

// UnitSource is the read side of the unit ledger.
type UnitSource interface {
	Authorizations(ctx context.Context, f ledger.AuthorizationFilter) ([]ledger.Authorization, error)
	Remaining(ctx context.Context, key ledger.Key, at time.Time) (ledger.Result, error)
}

type Aggregator struct {
	claims     ClaimSource
	units      UnitSource
	clock      generic.Clock
	filingDays int
	log        zerolog.Logger
}

type Option func(*Aggregator)

func WithClock(c generic.Clock) Option { return func(a *Aggregator) { a.clock = c } }

func WithTimelyFilingDays(days int) Option {
	return func(a *Aggregator) {
		if days > 0 {
			a.filingDays = days
		}
	}
}

func WithLogger(log zerolog.Logger) Option { return func(a *Aggregator) { a.log = log } }

func NewAggregator(cs ClaimSource, us UnitSource, opts ...Option) *Aggregator {
	a := &Aggregator{
		claims:     cs,
		units:      us,
		clock:      generic.SystemClock{},
		filingDays: DefaultTimelyFilingDays,
		log:        zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

// Generate builds one report.
func (a *Aggregator) Generate(ctx context.Context, t Type, q Query) (Report, error) {
	if q.AsOf.IsZero() {
		q.AsOf = a.clock.Now()
	}
	if !q.From.IsZero() && !q.To.IsZero() && q.To.Before(q.From) {
		return Report{}, fmt.Errorf("%w: range end %s precedes start %s", generic.ErrInvalidInput,
			q.To.Format(time.DateOnly), q.From.Format(time.DateOnly))
	}

	var (
		data any
		err  error
	)
	if t == AuthorizationAnalysis {
		data, err = a.authorizationAnalysis(ctx, q)
	} else {
		var cs []claims.Claim
		cs, err = a.claimsInRange(ctx, q)
		if err == nil {
			data, err = a.claimReport(t, cs, q)
		}
	}
	if err != nil {
		return Report{}, err
	}

	a.log.Debug().Str("report", string(t)).Time("as_of", q.AsOf).Msg("report generated")
	return Report{Type: t, From: q.From, To: q.To, AsOf: q.AsOf, Data: data}, nil
}

func (a *Aggregator) claimsInRange(ctx context.Context, q Query) ([]claims.Claim, error) {
	f := claims.Filter{ClientID: q.ClientID, PayerID: q.PayerID, Program: q.Program}
	if !q.From.IsZero() {
		from := q.From
		f.CreatedFrom = &from
	}
	if !q.To.IsZero() {
		to := q.To
		f.CreatedTo = &to
	}
	return a.claims.List(ctx, f)
}

func (a *Aggregator) claimReport(t Type, cs []claims.Claim, q Query) (any, error) {
	switch t {
	case RevenueSummary:
		return revenue(cs), nil
	case AgingReport:
		return aging(cs, q.AsOf), nil
	case DenialAnalysis:
		return denials(cs), nil
	case CollectionRates:
		return collections(cs), nil
	case OutstandingBalances:
		return outstanding(cs, q.AsOf), nil
	case PayerMix:
		return payerMix(cs), nil
	case ServiceProfitability:
		return profitability(cs), nil
	case TimelyFiling:
		return timelyFiling(cs, q.AsOf, a.filingDays), nil
	}
	return nil, fmt.Errorf("%w: unknown report type %q", generic.ErrInvalidInput, t)
}

// =============================================================================
// CLAIM REPORTS
// =============================================================================

func revenue(cs []claims.Claim) Revenue {
	r := Revenue{Total: decimal.Zero, Collected: decimal.Zero}
	for _, c := range cs {
		if c.Status == claims.StatusPaid || c.Status == claims.StatusPartiallyPaid {
			r.ClaimCount++
			r.Total = r.Total.Add(c.Total)
			r.Collected = r.Collected.Add(c.PaidAmount)
		}
	}
	return r
}

var agingBands = []AgingBucket{
	{Label: "0-30", MinDays: 0, MaxDays: 30},
	{Label: "31-60", MinDays: 31, MaxDays: 60},
	{Label: "61-90", MinDays: 61, MaxDays: 90},
	{Label: "90+", MinDays: 91, MaxDays: -1},
}

// ageDays counts days since submission, or since creation for claims never submitted.
func ageDays(c claims.Claim, asOf time.Time) int {
	since := c.CreatedAt
	if c.SubmittedAt != nil {
		since = *c.SubmittedAt
	}
	d := generic.DaysBetween(generic.DateOf(since), generic.DateOf(asOf))
	if d < 0 {
		return 0
	}
	return d
}

func aging(cs []claims.Claim, asOf time.Time) Aging {
	out := Aging{Total: decimal.Zero, Buckets: make([]AgingBucket, len(agingBands))}
	for i, b := range agingBands {
		b.Total = decimal.Zero
		out.Buckets[i] = b
	}

	for _, c := range cs {
		if c.Status != claims.StatusGenerated && c.Status != claims.StatusSubmitted {
			continue
		}
		days := ageDays(c, asOf)
		i := len(out.Buckets) - 1
		for j, b := range out.Buckets {
			if days >= b.MinDays && (b.MaxDays < 0 || days <= b.MaxDays) {
				i = j
				break
			}
		}
		out.Buckets[i].Count++
		out.Buckets[i].Total = out.Buckets[i].Total.Add(c.Balance())
		out.Count++
		out.Total = out.Total.Add(c.Balance())
	}
	return out
}

func denials(cs []claims.Claim) Denials {
	out := Denials{Total: decimal.Zero, DenialRate: decimal.Zero, ByReason: []DenialGroup{}}
	groups := map[string]*DenialGroup{}
	responded := 0

	for _, c := range cs {
		switch c.Status {
		case claims.StatusPaid, claims.StatusPartiallyPaid:
			responded++
		case claims.StatusDenied:
			responded++
			out.Count++
			out.Total = out.Total.Add(c.Total)
			g, ok := groups[c.DenialReason]
			if !ok {
				g = &DenialGroup{Reason: c.DenialReason, Total: decimal.Zero}
				groups[c.DenialReason] = g
			}
			g.Count++
			g.Total = g.Total.Add(c.Total)
		}
	}

	for _, reason := range sortedKeys(groups) {
		out.ByReason = append(out.ByReason, *groups[reason])
	}
	out.DenialRate = ratio(decimal.NewFromInt(int64(out.Count)), decimal.NewFromInt(int64(responded)))
	return out
}

// collections covers claims that reached a payer and were not voided.
func collections(cs []claims.Claim) Collections {
	out := Collections{Billed: decimal.Zero, Collected: decimal.Zero, ByPayer: []PayerCollections{}}
	payers := map[string]*PayerCollections{}

	for _, c := range cs {
		if c.FirstSubmittedAt == nil || !c.Status.Live() {
			continue
		}
		out.Billed = out.Billed.Add(c.Total)
		out.Collected = out.Collected.Add(c.PaidAmount)

		p, ok := payers[c.PayerID]
		if !ok {
			p = &PayerCollections{PayerID: c.PayerID, Billed: decimal.Zero, Collected: decimal.Zero}
			payers[c.PayerID] = p
		}
		p.Billed = p.Billed.Add(c.Total)
		p.Collected = p.Collected.Add(c.PaidAmount)
	}

	out.Rate = ratio(out.Collected, out.Billed)
	for _, id := range sortedKeys(payers) {
		p := payers[id]
		p.Rate = ratio(p.Collected, p.Billed)
		out.ByPayer = append(out.ByPayer, *p)
	}
	return out
}

// outstandingStatuses still expect money from the payer. Denied claims are
// reported by denial_analysis until they are appealed.
var outstandingStatuses = map[claims.Status]bool{
	claims.StatusGenerated:     true,
	claims.StatusSubmitted:     true,
	claims.StatusPartiallyPaid: true,
	claims.StatusAppealed:      true,
}

func outstanding(cs []claims.Claim, asOf time.Time) Outstanding {
	out := Outstanding{Total: decimal.Zero, ByClient: []ClientBalance{}}
	clients := map[generic.ClientID]*ClientBalance{}

	for _, c := range cs {
		if !outstandingStatuses[c.Status] {
			continue
		}
		bal := c.Balance()
		out.Total = out.Total.Add(bal)

		cb, ok := clients[c.ClientID]
		if !ok {
			cb = &ClientBalance{ClientID: c.ClientID, Outstanding: decimal.Zero}
			clients[c.ClientID] = cb
		}
		cb.ClaimCount++
		cb.Outstanding = cb.Outstanding.Add(bal)
		if d := ageDays(c, asOf); d > cb.OldestDays {
			cb.OldestDays = d
		}
	}

	for _, id := range sortedKeys(clients) {
		out.ByClient = append(out.ByClient, *clients[id])
	}
	return out
}

func payerMix(cs []claims.Claim) Mix {
	out := Mix{Billed: decimal.Zero, ByPayer: []MixShare{}, ByProgram: []MixShare{}}
	payers := map[string]*MixShare{}
	programs := map[string]*MixShare{}

	add := func(m map[string]*MixShare, key string, total decimal.Decimal) {
		s, ok := m[key]
		if !ok {
			s = &MixShare{Key: key, Billed: decimal.Zero}
			m[key] = s
		}
		s.ClaimCount++
		s.Billed = s.Billed.Add(total)
	}

	for _, c := range cs {
		if !c.Status.Live() {
			continue
		}
		out.Billed = out.Billed.Add(c.Total)
		add(payers, c.PayerID, c.Total)
		add(programs, string(c.Program), c.Total)
	}

	for _, k := range sortedKeys(payers) {
		s := payers[k]
		s.Share = ratio(s.Billed, out.Billed)
		out.ByPayer = append(out.ByPayer, *s)
	}
	for _, k := range sortedKeys(programs) {
		s := programs[k]
		s.Share = ratio(s.Billed, out.Billed)
		out.ByProgram = append(out.ByProgram, *s)
	}
	return out
}

// profitability spreads each claim's paid amount over its lines in proportion
// to the billed amount of each line.
func profitability(cs []claims.Claim) Profitability {
	out := Profitability{ByService: []ServiceLine{}}
	lines := map[generic.ServiceType]*ServiceLine{}

	for _, c := range cs {
		if !c.Status.Live() {
			continue
		}
		for _, li := range c.LineItems {
			sl, ok := lines[li.ServiceType]
			if !ok {
				sl = &ServiceLine{ServiceType: li.ServiceType, Units: decimal.Zero, Billed: decimal.Zero, Collected: decimal.Zero}
				lines[li.ServiceType] = sl
			}
			sl.Sessions++
			sl.Units = sl.Units.Add(li.Units)
			sl.Billed = sl.Billed.Add(li.Amount)
			if c.Total.IsPositive() {
				sl.Collected = sl.Collected.Add(c.PaidAmount.Mul(li.Amount).Div(c.Total))
			}
		}
	}

	for _, k := range sortedKeys(lines) {
		sl := lines[k]
		sl.Collected = sl.Collected.Round(2)
		sl.CollectionRate = ratio(sl.Collected, sl.Billed)
		sl.BilledPerUnit = ratio(sl.Billed, sl.Units).Round(2)
		out.ByService = append(out.ByService, *sl)
	}
	return out
}

func timelyFiling(cs []claims.Claim, asOf time.Time, limit int) Filing {
	out := Filing{LimitDays: limit, Items: []FilingItem{}}
	today := generic.DateOf(asOf)

	for _, c := range cs {
		if !c.Status.Live() || len(c.LineItems) == 0 {
			continue
		}
		earliest := c.LineItems[0].ServiceDate
		for _, li := range c.LineItems[1:] {
			if li.ServiceDate.Before(earliest) {
				earliest = li.ServiceDate
			}
		}

		item := FilingItem{ClaimID: c.ID, ClientID: c.ClientID, PayerID: c.PayerID, ServiceDate: earliest.String()}
		if c.FirstSubmittedAt != nil {
			item.Days = generic.DaysBetween(earliest, generic.DateOf(*c.FirstSubmittedAt))
			if item.Days > limit {
				item.Status = FilingLate
				out.Late++
			} else {
				item.Status = FilingOnTime
				out.OnTime++
			}
		} else {
			item.Days = generic.DaysBetween(earliest, today)
			item.DaysRemaining = limit - item.Days
			switch {
			case item.DaysRemaining < 0:
				item.Status = FilingOverdue
				out.Overdue++
			case item.DaysRemaining <= atRiskWindow:
				item.Status = FilingAtRisk
				out.AtRisk++
			default:
				item.Status = FilingPending
				out.Pending++
			}
		}
		out.Items = append(out.Items, item)
	}

	sort.SliceStable(out.Items, func(i, j int) bool {
		if out.Items[i].ServiceDate != out.Items[j].ServiceDate {
			return out.Items[i].ServiceDate < out.Items[j].ServiceDate
		}
		return out.Items[i].ClaimID < out.Items[j].ClaimID
	})
	return out
}

// =============================================================================
// UNIT REPORT
// =============================================================================

func (a *Aggregator) authorizationAnalysis(ctx context.Context, q Query) (Utilization, error) {
	out := Utilization{Pairs: []UtilizationPair{}, ByStatus: map[string]int{}}
	for _, s := range []ledger.DepletionStatus{ledger.StatusNormal, ledger.StatusWarning, ledger.StatusCritical, ledger.StatusExhausted} {
		out.ByStatus[s.String()] = 0
	}

	on := generic.DateOf(q.AsOf)
	auths, err := a.units.Authorizations(ctx, ledger.AuthorizationFilter{
		ClientID: q.ClientID, Program: q.Program, ActiveOn: &on,
	})
	if err != nil {
		return out, err
	}

	type pairKey struct {
		client  generic.ClientID
		program generic.ProgramCode
	}
	pairs := map[pairKey]*UtilizationPair{}
	var order []pairKey

	for _, auth := range auths {
		res, err := a.units.Remaining(ctx, auth.Key, q.AsOf)
		if err != nil {
			return out, err
		}
		pk := pairKey{auth.Key.ClientID, auth.Key.Program}
		p, ok := pairs[pk]
		if !ok {
			p = &UtilizationPair{ClientID: pk.client, Program: pk.program}
			pairs[pk] = p
			order = append(order, pk)
		}
		p.Services = append(p.Services, UtilizationLine{
			ServiceType: auth.Key.ServiceType,
			Period:      auth.Key.Period,
			PeriodID:    res.PeriodID,
			Unit:        res.Unit,
			Ceiling:     res.Ceiling,
			Consumed:    res.Consumed,
			Remaining:   res.Remaining,
			Status:      res.Status,
		})
		if res.Status > p.Status {
			p.Status = res.Status
		}
		out.ByStatus[res.Status.String()]++
	}

	sort.Slice(order, func(i, j int) bool {
		if order[i].client != order[j].client {
			return order[i].client < order[j].client
		}
		return order[i].program < order[j].program
	})
	for _, pk := range order {
		p := pairs[pk]
		sort.Slice(p.Services, func(i, j int) bool {
			if p.Services[i].ServiceType != p.Services[j].ServiceType {
				return p.Services[i].ServiceType < p.Services[j].ServiceType
			}
			return p.Services[i].Period < p.Services[j].Period
		})
		out.Pairs = append(out.Pairs, *p)
	}
	return out, nil
}

// =============================================================================
// HELPERS
// =============================================================================

func ratio(num, den decimal.Decimal) decimal.Decimal {
	if !den.IsPositive() {
		return decimal.Zero
	}
	return num.Div(den).Round(4)
}

func sortedKeys[K ~string, V any](m map[K]V) []K {
	keys := make([]K, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Slice(keys, func(i, j int) bool { return keys[i] < keys[j] })
	return keys
}
