package reconcile

import (
	"testing"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stocksync/internal/domain/catalog"
)

func TestParseRules(t *testing.T) {
	rs, err := ParseRules(" ; ")
	require.NoError(t, err)
	assert.Zero(t, rs.Len())

	rs, err = ParseRules(`item.unit in ["pcs", "kg"]; size(item.item_code) <= 12`)
	require.NoError(t, err)
	assert.Equal(t, 2, rs.Len())

	_, err = ParseRules(`item.name +`)
	assert.Error(t, err)

	_, err = ParseRules(`1 + 2`)
	assert.ErrorContains(t, err, "must evaluate to bool")
}

func TestRuleSetCheck(t *testing.T) {
	rs, err := NewRuleSet(`item.unit_price > 0`, `item.name.startsWith("W")`)
	require.NoError(t, err)

	ok := catalog.Item{ItemCode: "W1", Name: "Widget", UnitPrice: decimal.NewFromFloat(0.5)}
	assert.NoError(t, rs.Check(ok))

	free := ok
	free.UnitPrice = decimal.Zero
	assert.ErrorContains(t, rs.Check(free), "rule violated: item.unit_price > 0")

	var none *RuleSet
	assert.NoError(t, none.Check(free))
}
