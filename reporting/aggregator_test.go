package reporting_test

import (
	"context"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/claims"
	"github.com/warp/unit-ledger/generic"
	"github.com/warp/unit-ledger/ledger"
	"github.com/warp/unit-ledger/reporting"
	"github.com/warp/unit-ledger/store/memory"
)

// =============================================================================
// TEST SETUP
// =============================================================================

var asOf = time.Date(2025, time.March, 31, 12, 0, 0, 0, time.UTC)

type claimList []claims.Claim

func (l claimList) List(_ context.Context, f claims.Filter) ([]claims.Claim, error) {
	var out []claims.Claim
	for _, c := range l {
		if f.Match(c) {
			out = append(out, c)
		}
	}
	return out, nil
}

func usd(v float64) decimal.Decimal { return decimal.NewFromFloat(v) }

func ago(days int) *time.Time {
	t := asOf.AddDate(0, 0, -days)
	return &t
}

func claim(id, payer string, status claims.Status, total float64, submittedDaysAgo int) claims.Claim {
	c := claims.Claim{
		ID:        id,
		ClientID:  "42",
		PayerID:   payer,
		Program:   generic.ProgramAW,
		Status:    status,
		Total:     usd(total),
		CreatedAt: asOf.AddDate(0, 0, -submittedDaysAgo-2),
		LineItems: []claims.LineItem{{
			SessionID:   id + "-s",
			ServiceType: "respite",
			ServiceDate: generic.DateOf(asOf.AddDate(0, 0, -submittedDaysAgo-5)),
			Units:       decimal.NewFromInt(4),
			Amount:      usd(total),
		}},
		PaidAmount: decimal.Zero,
	}
	if status != claims.StatusGenerated {
		c.SubmittedAt = ago(submittedDaysAgo)
		c.FirstSubmittedAt = ago(submittedDaysAgo)
	}
	return c
}

// Two paid claims totaling 300, one denied 150 for "missing auth", one
// submitted ten days ago for 100.
func fixture() claimList {
	paid1 := claim("c-1", "medicaid", claims.StatusPaid, 100, 40)
	paid1.PaidAmount = usd(100)
	paid2 := claim("c-2", "medicaid", claims.StatusPaid, 200, 20)
	paid2.PaidAmount = usd(180)
	denied := claim("c-3", "bcbs", claims.StatusDenied, 150, 15)
	denied.DenialReason = "missing auth"
	pending := claim("c-4", "bcbs", claims.StatusSubmitted, 100, 10)
	return claimList{paid1, paid2, denied, pending}
}

func newAggregator(cs claimList) *reporting.Aggregator {
	l := ledger.New(memory.New(), ledger.WithClock(generic.NewFixedClock(asOf)))
	return reporting.NewAggregator(cs, l, reporting.WithClock(generic.NewFixedClock(asOf)))
}

func generate(t *testing.T, a *reporting.Aggregator, typ reporting.Type, q reporting.Query) any {
	t.Helper()
	r, err := a.Generate(context.Background(), typ, q)
	require.NoError(t, err)
	assert.Equal(t, typ, r.Type)
	return r.Data
}

// =============================================================================
// CLAIM REPORTS
// =============================================================================

func TestRevenueSummary(t *testing.T) {
	a := newAggregator(fixture())

	rev := generate(t, a, reporting.RevenueSummary, reporting.Query{}).(reporting.Revenue)

	assert.Equal(t, 2, rev.ClaimCount)
	assert.True(t, usd(300).Equal(rev.Total), rev.Total.String())
	assert.True(t, usd(280).Equal(rev.Collected), rev.Collected.String())
}

func TestAgingReport_SubmittedTenDaysAgoInFirstBand(t *testing.T) {
	a := newAggregator(fixture())

	ag := generate(t, a, reporting.AgingReport, reporting.Query{}).(reporting.Aging)

	require.Len(t, ag.Buckets, 4)
	assert.Equal(t, "0-30", ag.Buckets[0].Label)
	assert.Equal(t, 1, ag.Buckets[0].Count)
	assert.True(t, usd(100).Equal(ag.Buckets[0].Total))
	for _, b := range ag.Buckets[1:] {
		assert.Equal(t, 0, b.Count, b.Label)
	}
	assert.Equal(t, 1, ag.Count)
}

func TestAgingReport_Bands(t *testing.T) {
	cs := claimList{
		claim("a", "p", claims.StatusSubmitted, 10, 30),
		claim("b", "p", claims.StatusSubmitted, 10, 31),
		claim("c", "p", claims.StatusSubmitted, 10, 90),
		claim("d", "p", claims.StatusSubmitted, 10, 91),
		claim("e", "p", claims.StatusGenerated, 10, 0), // never submitted: aged from creation
	}
	a := newAggregator(cs)

	ag := generate(t, a, reporting.AgingReport, reporting.Query{}).(reporting.Aging)

	counts := []int{ag.Buckets[0].Count, ag.Buckets[1].Count, ag.Buckets[2].Count, ag.Buckets[3].Count}
	assert.Equal(t, []int{2, 1, 1, 1}, counts)
}

func TestDenialAnalysis_GroupedByReason(t *testing.T) {
	a := newAggregator(fixture())

	d := generate(t, a, reporting.DenialAnalysis, reporting.Query{}).(reporting.Denials)

	assert.Equal(t, 1, d.Count)
	assert.True(t, usd(150).Equal(d.Total))
	require.Len(t, d.ByReason, 1)
	assert.Equal(t, "missing auth", d.ByReason[0].Reason)
	assert.Equal(t, 1, d.ByReason[0].Count)
	assert.True(t, usd(150).Equal(d.ByReason[0].Total))
	assert.Equal(t, "0.3333", d.DenialRate.String())
}

func TestCollectionRates_PerPayer(t *testing.T) {
	a := newAggregator(fixture())

	c := generate(t, a, reporting.CollectionRates, reporting.Query{}).(reporting.Collections)

	assert.True(t, usd(550).Equal(c.Billed))
	assert.True(t, usd(280).Equal(c.Collected))
	require.Len(t, c.ByPayer, 2)
	assert.Equal(t, "bcbs", c.ByPayer[0].PayerID)
	assert.True(t, c.ByPayer[0].Rate.IsZero())
	assert.Equal(t, "medicaid", c.ByPayer[1].PayerID)
	assert.Equal(t, "0.9333", c.ByPayer[1].Rate.String())
}

func TestOutstandingBalances(t *testing.T) {
	cs := fixture()
	partial := claim("c-5", "medicaid", claims.StatusPartiallyPaid, 80, 5)
	partial.PaidAmount = usd(50)
	partial.ClientID = "7"
	cs = append(cs, partial)
	a := newAggregator(cs)

	o := generate(t, a, reporting.OutstandingBalances, reporting.Query{}).(reporting.Outstanding)

	assert.True(t, usd(130).Equal(o.Total), o.Total.String())
	require.Len(t, o.ByClient, 2)
	assert.Equal(t, generic.ClientID("42"), o.ByClient[0].ClientID)
	assert.Equal(t, 10, o.ByClient[0].OldestDays)
	assert.True(t, usd(30).Equal(o.ByClient[1].Outstanding))
}

func TestPayerMix(t *testing.T) {
	a := newAggregator(fixture())

	m := generate(t, a, reporting.PayerMix, reporting.Query{}).(reporting.Mix)

	require.Len(t, m.ByPayer, 2)
	assert.Equal(t, "bcbs", m.ByPayer[0].Key)
	assert.Equal(t, "0.4545", m.ByPayer[0].Share.String())
	require.Len(t, m.ByProgram, 1)
	assert.Equal(t, "1", m.ByProgram[0].Share.String())
}

func TestServiceProfitability(t *testing.T) {
	a := newAggregator(fixture())

	p := generate(t, a, reporting.ServiceProfitability, reporting.Query{}).(reporting.Profitability)

	require.Len(t, p.ByService, 1)
	sl := p.ByService[0]
	assert.Equal(t, generic.ServiceType("respite"), sl.ServiceType)
	assert.Equal(t, 4, sl.Sessions)
	assert.True(t, decimal.NewFromInt(16).Equal(sl.Units))
	assert.True(t, usd(550).Equal(sl.Billed))
	assert.True(t, usd(280).Equal(sl.Collected))
}

func TestTimelyFiling(t *testing.T) {
	cs := claimList{
		claim("on-time", "p", claims.StatusSubmitted, 10, 10), // service 15 days ago, submitted 5 days after
		claim("pending", "p", claims.StatusGenerated, 10, 0),
	}
	late := claim("late", "p", claims.StatusSubmitted, 10, 1)
	late.LineItems[0].ServiceDate = generic.DateOf(asOf.AddDate(0, 0, -120))
	overdue := claim("overdue", "p", claims.StatusGenerated, 10, 0)
	overdue.LineItems[0].ServiceDate = generic.DateOf(asOf.AddDate(0, 0, -95))
	atRisk := claim("at-risk", "p", claims.StatusGenerated, 10, 0)
	atRisk.LineItems[0].ServiceDate = generic.DateOf(asOf.AddDate(0, 0, -80))
	cs = append(cs, late, overdue, atRisk)

	a := newAggregator(cs)
	f := generate(t, a, reporting.TimelyFiling, reporting.Query{}).(reporting.Filing)

	assert.Equal(t, 90, f.LimitDays)
	assert.Equal(t, 1, f.OnTime)
	assert.Equal(t, 1, f.Late)
	assert.Equal(t, 1, f.Overdue)
	assert.Equal(t, 1, f.AtRisk)
	assert.Equal(t, 1, f.Pending)
	assert.Equal(t, "late", f.Items[0].ClaimID, "oldest service date first")
}

func TestQuery_RangeAndFilters(t *testing.T) {
	a := newAggregator(fixture())

	// c-1 was created 42 days before asOf; exclude it by range
	rev := generate(t, a, reporting.RevenueSummary, reporting.Query{From: asOf.AddDate(0, 0, -30)}).(reporting.Revenue)
	assert.Equal(t, 1, rev.ClaimCount)

	rev = generate(t, a, reporting.RevenueSummary, reporting.Query{PayerID: "bcbs"}).(reporting.Revenue)
	assert.Equal(t, 0, rev.ClaimCount)

	_, err := a.Generate(context.Background(), reporting.RevenueSummary, reporting.Query{From: asOf, To: asOf.AddDate(0, 0, -1)})
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

func TestReports_Reproducible(t *testing.T) {
	a := newAggregator(fixture())
	q := reporting.Query{AsOf: asOf}

	for _, typ := range reporting.Types {
		r1, err := a.Generate(context.Background(), typ, q)
		require.NoError(t, err)
		r2, err := a.Generate(context.Background(), typ, q)
		require.NoError(t, err)
		assert.Equal(t, r1, r2, typ)
	}
}

func TestParseType(t *testing.T) {
	typ, err := reporting.ParseType("Payer_Mix")
	require.NoError(t, err)
	assert.Equal(t, reporting.PayerMix, typ)

	_, err = reporting.ParseType("unit_utilization_v2")
	assert.ErrorIs(t, err, generic.ErrInvalidInput)
}

// =============================================================================
// AUTHORIZATION ANALYSIS
// =============================================================================

func TestAuthorizationAnalysis(t *testing.T) {
	ctx := context.Background()
	clock := generic.NewFixedClock(asOf)
	l := ledger.New(memory.New(), ledger.WithClock(clock))
	jan1 := generic.NewTimePoint(2025, time.January, 1)

	key := func(client generic.ClientID, svc generic.ServiceType) ledger.Key {
		return ledger.Key{ClientID: client, Program: generic.ProgramAW, ServiceType: svc, Period: generic.PeriodWeekly}
	}
	for _, k := range []ledger.Key{key("42", "respite"), key("42", "personal_care"), key("7", "respite")} {
		_, err := l.Allocate(ctx, ledger.Authorization{Key: k, Ceiling: decimal.NewFromInt(20), Unit: generic.UnitHours, EffectiveFrom: jan1})
		require.NoError(t, err)
	}
	_, err := l.Consume(ctx, ledger.ConsumeInput{Key: key("42", "respite"), Amount: decimal.NewFromInt(16), SessionID: "s-1"})
	require.NoError(t, err)

	a := reporting.NewAggregator(claimList{}, l, reporting.WithClock(clock))
	u := generate(t, a, reporting.AuthorizationAnalysis, reporting.Query{}).(reporting.Utilization)

	require.Len(t, u.Pairs, 2)
	p := u.Pairs[0]
	assert.Equal(t, generic.ClientID("42"), p.ClientID)
	assert.Equal(t, ledger.StatusCritical, p.Status)
	require.Len(t, p.Services, 2)
	assert.Equal(t, generic.ServiceType("personal_care"), p.Services[0].ServiceType)
	assert.True(t, decimal.NewFromInt(4).Equal(p.Services[1].Remaining))
	assert.Equal(t, 2, u.ByStatus["normal"])
	assert.Equal(t, 1, u.ByStatus["critical"])

	only7 := generate(t, a, reporting.AuthorizationAnalysis, reporting.Query{ClientID: "7"}).(reporting.Utilization)
	require.Len(t, only7.Pairs, 1)
}
