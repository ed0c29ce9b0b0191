package factory

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/unit-ledger/generic"
)

func newFactory() *AuthorizationFactory {
	return NewAuthorizationFactory(generic.NewFixedClock(time.Date(2025, time.March, 3, 9, 0, 0, 0, time.UTC)))
}

func TestParse_SingleObjectDefaults(t *testing.T) {
	// GIVEN a definition with only the required fields
	doc := `{"client_id":"42","program":"aw","service_type":"respite","ceiling":20}`

	// WHEN parsed
	auths, err := newFactory().Parse([]byte(doc))

	// THEN unit, period type and effective date are defaulted
	require.NoError(t, err)
	require.Len(t, auths, 1)
	a := auths[0]
	assert.Equal(t, generic.ProgramAW, a.Key.Program)
	assert.Equal(t, generic.PeriodWeekly, a.Key.Period)
	assert.Equal(t, generic.UnitHours, a.Unit)
	assert.Equal(t, "2025-03-03", a.EffectiveFrom.String())
	assert.True(t, decimal.NewFromInt(20).Equal(a.Ceiling))
}

func TestParse_Array(t *testing.T) {
	doc := `[
		{"client_id":"42","program":"DDA","service_type":"day-hab","period_type":"monthly","unit":"units","ceiling":"120.5","effective_from":"2025-01-01"},
		{"client_id":"43","program":"CFC","service_type":"pca","period_type":"biweekly","ceiling":40}
	]`

	auths, err := newFactory().Parse([]byte(doc))

	require.NoError(t, err)
	require.Len(t, auths, 2)
	assert.Equal(t, generic.PeriodMonthly, auths[0].Key.Period)
	assert.Equal(t, generic.UnitUnits, auths[0].Unit)
	assert.Equal(t, "120.5", auths[0].Ceiling.String())
	assert.Equal(t, "2025-01-01", auths[0].EffectiveFrom.String())
	assert.Equal(t, generic.PeriodBiweekly, auths[1].Key.Period)
}

func TestParse_Invalid(t *testing.T) {
	cases := map[string]string{
		"empty":        ``,
		"malformed":    `{"client_id":`,
		"no client":    `{"program":"AW","service_type":"respite","ceiling":1}`,
		"no program":   `{"client_id":"42","service_type":"respite","ceiling":1}`,
		"no service":   `{"client_id":"42","program":"AW","ceiling":1}`,
		"bad unit":     `{"client_id":"42","program":"AW","service_type":"respite","unit":"days","ceiling":1}`,
		"bad period":   `{"client_id":"42","program":"AW","service_type":"respite","period_type":"daily","ceiling":1}`,
		"bad date":     `{"client_id":"42","program":"AW","service_type":"respite","effective_from":"01/02/2025","ceiling":1}`,
		"array member": `[{"client_id":"42","program":"AW","service_type":"respite","ceiling":1},{"client_id":"42"}]`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := newFactory().Parse([]byte(doc))
			assert.ErrorIs(t, err, generic.ErrInvalidInput)
		})
	}
}

func TestToJSON_RoundTrip(t *testing.T) {
	f := newFactory()
	auths, err := f.Parse([]byte(`{"client_id":"42","program":"AW","service_type":"respite","ceiling":20,"effective_from":"2025-01-01"}`))
	require.NoError(t, err)

	to := generic.NewTimePoint(2025, time.February, 1)
	a := auths[0]
	a.EffectiveTo = &to

	aj := f.ToJSON(a)
	assert.Equal(t, "weekly", aj.PeriodType)
	assert.Equal(t, "hours", aj.Unit)
	assert.Equal(t, "2025-02-01", aj.EffectiveTo)

	back, err := f.FromJSON(aj)
	require.NoError(t, err)
	assert.Equal(t, a.Key, back.Key)
	assert.True(t, a.Ceiling.Equal(back.Ceiling))
}
