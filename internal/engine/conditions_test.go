package engine

import (
	"encoding/json"
	"testing"

	"github.com/automail/engine/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func seedEvaluatorSubscriber(t *testing.T) (*StoreEvaluator, string) {
	t.Helper()
	db := newTestDB(t)
	require.NoError(t, db.InsertSubscriber(&models.Subscriber{
		ID:        "sub-1",
		Email:     "ava@example.com",
		FirstName: "Ava",
		Tags:      []string{"vip", "beta"},
	}))
	return &StoreEvaluator{DB: db}, "sub-1"
}

func TestEvaluateHasTag(t *testing.T) {
	e, subID := seedEvaluatorSubscriber(t)

	met, err := e.Evaluate(json.RawMessage(`[{"operator":"has_tag","value":"vip"}]`), subID, nil)
	require.NoError(t, err)
	assert.True(t, met)

	met, err = e.Evaluate(json.RawMessage(`[{"operator":"not_has_tag","value":"churned"}]`), subID, nil)
	require.NoError(t, err)
	assert.True(t, met)
}

func TestEvaluateFieldOperators(t *testing.T) {
	e, subID := seedEvaluatorSubscriber(t)

	met, err := e.Evaluate(json.RawMessage(`[{"field":"email","operator":"contains","value":"@example.com"}]`), subID, nil)
	require.NoError(t, err)
	assert.True(t, met)

	met, err = e.Evaluate(json.RawMessage(`[{"field":"first_name","operator":"equals","value":"ava"}]`), subID, nil)
	require.NoError(t, err)
	assert.True(t, met, "equals is case-insensitive")
}

func TestEvaluateClausesAreANDed(t *testing.T) {
	e, subID := seedEvaluatorSubscriber(t)

	met, err := e.Evaluate(json.RawMessage(
		`[{"operator":"has_tag","value":"vip"},{"operator":"has_tag","value":"churned"}]`), subID, nil)
	require.NoError(t, err)
	assert.False(t, met)
}

func TestEvaluateEventData(t *testing.T) {
	e, subID := seedEvaluatorSubscriber(t)

	met, err := e.Evaluate(json.RawMessage(`[{"field":"plan","operator":"equals","value":"pro"}]`),
		subID, map[string]any{"plan": "pro"})
	require.NoError(t, err)
	assert.True(t, met)
}

func TestEvaluateUnknownOperatorErrors(t *testing.T) {
	e, subID := seedEvaluatorSubscriber(t)

	_, err := e.Evaluate(json.RawMessage(`[{"operator":"regex","value":"x"}]`), subID, nil)
	assert.Error(t, err)
}

func TestEvaluateEmptyConditionsIsTrue(t *testing.T) {
	e, subID := seedEvaluatorSubscriber(t)

	met, err := e.Evaluate(json.RawMessage(`[]`), subID, nil)
	require.NoError(t, err)
	assert.True(t, met)
}
