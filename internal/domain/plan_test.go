package domain

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func validPlan() *RebalancePlan {
	return &RebalancePlan{
		PlanID:        "plan-1",
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		Timestamp:     time.Date(2025, 6, 2, 14, 30, 0, 0, time.UTC),
		Items: []PlanItem{
			{
				Symbol:        "AAPL",
				CurrentWeight: dec("0.50"),
				TargetWeight:  dec("0.30"),
				WeightDiff:    dec("-0.20"),
				CurrentValue:  dec("50000"),
				TargetValue:   dec("30000"),
				TradeAmount:   dec("-20000"),
				Action:        ActionSell,
				Priority:      2,
			},
			{
				Symbol:        "MSFT",
				CurrentWeight: dec("0"),
				TargetWeight:  dec("0.70"),
				WeightDiff:    dec("0.70"),
				CurrentValue:  dec("0"),
				TargetValue:   dec("70000"),
				TradeAmount:   dec("70000"),
				Action:        ActionBuy,
				Priority:      2,
			},
		},
		TotalPortfolioValue: dec("100000"),
		TotalTradeValue:     dec("90000"),
		SchemaVersion:       SchemaVersion,
	}
}

func TestRebalancePlanValidate(t *testing.T) {
	t.Run("valid plan passes", func(t *testing.T) {
		assert.NoError(t, validPlan().Validate())
	})

	t.Run("trade value identity enforced", func(t *testing.T) {
		p := validPlan()
		p.TotalTradeValue = dec("90001")
		err := p.Validate()
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrValidation)
	})

	t.Run("target weights above one plus tolerance rejected", func(t *testing.T) {
		p := validPlan()
		p.Items[1].TargetWeight = dec("0.72")
		assert.ErrorIs(t, p.Validate(), ErrValidation)
	})

	t.Run("sign conventions enforced", func(t *testing.T) {
		p := validPlan()
		p.Items[0].TradeAmount = dec("20000") // SELL must be negative
		assert.ErrorIs(t, p.Validate(), ErrValidation)

		p = validPlan()
		p.Items[1].TradeAmount = dec("-70000") // BUY must be positive
		assert.ErrorIs(t, p.Validate(), ErrValidation)
	})

	t.Run("hold items must carry zero amount", func(t *testing.T) {
		p := validPlan()
		p.Items = append(p.Items, PlanItem{
			Symbol:       "NVDA",
			TargetWeight: dec("0"),
			TradeAmount:  dec("3"),
			Action:       ActionHold,
			Priority:     5,
		})
		p.TotalTradeValue = dec("90003")
		assert.ErrorIs(t, p.Validate(), ErrValidation)
	})

	t.Run("empty plan rejected", func(t *testing.T) {
		p := validPlan()
		p.Items = nil
		assert.ErrorIs(t, p.Validate(), ErrValidation)
	})
}

func TestRebalancePlanJSONRoundTrip(t *testing.T) {
	// Decimal precision must survive encode/decode exactly.
	p := validPlan()
	p.Items[0].TradeAmount = dec("-20000.000001")
	p.Items[0].TargetValue = dec("29999.999999")
	p.TotalTradeValue = dec("90000.000001")

	raw, err := json.Marshal(p)
	require.NoError(t, err)

	var decoded RebalancePlan
	require.NoError(t, json.Unmarshal(raw, &decoded))

	assert.True(t, decoded.Items[0].TradeAmount.Equal(dec("-20000.000001")),
		"got %s", decoded.Items[0].TradeAmount)
	assert.True(t, decoded.TotalTradeValue.Equal(p.TotalTradeValue))
	assert.Equal(t, p.PlanID, decoded.PlanID)
	assert.Equal(t, p.Items[0].Action, decoded.Items[0].Action)
}

func TestTradableItems(t *testing.T) {
	p := validPlan()
	p.Items = append(p.Items, PlanItem{
		Symbol:   "NVDA",
		Action:   ActionHold,
		Priority: 5,
	})
	p.TotalTradeValue = dec("90000")

	tradable := p.TradableItems()
	assert.Len(t, tradable, 2)
	for _, item := range tradable {
		assert.NotEqual(t, ActionHold, item.Action)
	}
}

func TestSequenceNumber(t *testing.T) {
	// Every SELL sequence must sort strictly below every BUY sequence.
	for sellPri := 1; sellPri <= 5; sellPri++ {
		for buyPri := 1; buyPri <= 5; buyPri++ {
			sell := SequenceNumber(PhaseSell, sellPri)
			buy := SequenceNumber(PhaseBuy, buyPri)
			assert.Less(t, sell, buy, "sell pri %d vs buy pri %d", sellPri, buyPri)
		}
	}
	assert.Equal(t, 1001, SequenceNumber(PhaseSell, 1))
	assert.Equal(t, 2005, SequenceNumber(PhaseBuy, 5))
}

func TestTradeMessageValidate(t *testing.T) {
	msg := func() *TradeMessage {
		return &TradeMessage{
			RunID:          "run-1",
			TradeID:        "trade-1",
			PlanID:         "plan-1",
			CorrelationID:  "corr-1",
			Symbol:         "AAPL",
			Action:         ActionSell,
			TradeAmount:    dec("-20000"),
			Phase:          PhaseSell,
			SequenceNumber: 1002,
			Priority:       2,
			RunTimestamp:   time.Now().UTC(),
			SchemaVersion:  SchemaVersion,
		}
	}

	t.Run("valid", func(t *testing.T) {
		assert.NoError(t, msg().Validate())
	})

	t.Run("hold action rejected", func(t *testing.T) {
		m := msg()
		m.Action = ActionHold
		assert.ErrorIs(t, m.Validate(), ErrValidation)
	})

	t.Run("sequence must match phase and priority", func(t *testing.T) {
		m := msg()
		m.SequenceNumber = 2002
		assert.ErrorIs(t, m.Validate(), ErrValidation)
	})

	t.Run("missing ids rejected", func(t *testing.T) {
		m := msg()
		m.TradeID = ""
		assert.ErrorIs(t, m.Validate(), ErrValidation)
	})
}
