package entitlements

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPlanTable_DefinesEveryLimit(t *testing.T) {
	for plan, cfg := range planTable {
		for _, key := range LimitKeys {
			_, ok := cfg.Limit(key)
			assert.True(t, ok, "plan %s misses limit %s", plan, key)
		}
	}
}

func TestPlanTable_HigherTiersKeepLowerFeatures(t *testing.T) {
	order := []Plan{PlanFree, PlanStandard, PlanPro, PlanEnterprise}
	for i := 1; i < len(order); i++ {
		lower := planTable[order[i-1]]
		higher := planTable[order[i]]
		assert.Greater(t, higher.Rank, lower.Rank)
		for f := range lower.Features {
			assert.True(t, higher.HasFeature(f), "%s lost %s", higher.Plan, f)
		}
	}
}

func TestLimit(t *testing.T) {
	assert.True(t, Unlimited().Allows(1<<62))
	assert.False(t, Limited(0).Allows(0))
	assert.True(t, Limited(3).Allows(2))
	assert.False(t, Limited(3).Allows(3))

	n, ok := Limited(7).Value()
	assert.True(t, ok)
	assert.Equal(t, int64(7), n)
	_, ok = Unlimited().Value()
	assert.False(t, ok)

	raw, err := json.Marshal(map[string]Limit{"a": Unlimited(), "b": Limited(5)})
	require.NoError(t, err)
	assert.JSONEq(t, `{"a":"unlimited","b":5}`, string(raw))
}

func TestLookupPlanAndPaidOrder(t *testing.T) {
	p, ok := LookupPlan(" Standard ")
	require.True(t, ok)
	assert.Equal(t, PlanStandard, p.Plan)

	_, ok = LookupPlan("gold")
	assert.False(t, ok)

	assert.True(t, IsPaid("pro"))
	assert.False(t, IsPaid("free"))
	assert.False(t, IsPaid("gold"))
	assert.Equal(t, []string{"standard", "pro", "enterprise"}, PaidPlanOrder())
}
