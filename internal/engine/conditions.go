package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/automail/engine/internal/database"
)

// ConditionEvaluator computes the truth value of a condition step. The step
// executor never interprets condition syntax itself.
type ConditionEvaluator interface {
	Evaluate(conditions json.RawMessage, subscriberID string, eventData map[string]any) (bool, error)
}

// condition is one clause of a condition step. Clauses are ANDed together.
type condition struct {
	Field    string `json:"field"`
	Operator string `json:"operator"`
	Value    string `json:"value"`
}

// StoreEvaluator evaluates conditions against the subscriber store. It
// supports has_tag / not_has_tag over the tag set and equals / contains over
// subscriber fields and event data.
type StoreEvaluator struct {
	DB *database.DB
}

// Evaluate decodes the clause list and ANDs the clause results.
func (e *StoreEvaluator) Evaluate(conditions json.RawMessage, subscriberID string, eventData map[string]any) (bool, error) {
	var clauses []condition
	if err := json.Unmarshal(conditions, &clauses); err != nil {
		return false, fmt.Errorf("decode conditions: %w", err)
	}
	if len(clauses) == 0 {
		return true, nil
	}

	sub, err := e.DB.GetSubscriber(subscriberID)
	if err != nil {
		return false, fmt.Errorf("load subscriber %s: %w", subscriberID, err)
	}

	for _, c := range clauses {
		met, err := e.evaluateClause(c, sub.Tags, map[string]string{
			"email":      sub.Email,
			"first_name": sub.FirstName,
			"last_name":  sub.LastName,
			"status":     sub.Status,
		}, eventData)
		if err != nil {
			return false, err
		}
		if !met {
			return false, nil
		}
	}
	return true, nil
}

func (e *StoreEvaluator) evaluateClause(c condition, tags []string, fields map[string]string, eventData map[string]any) (bool, error) {
	switch c.Operator {
	case "has_tag":
		return containsString(tags, c.Value), nil
	case "not_has_tag":
		return !containsString(tags, c.Value), nil
	case "equals", "field_equals", "contains", "field_contains":
		value, ok := fields[c.Field]
		if !ok {
			if ev, found := eventData[c.Field]; found {
				value = fmt.Sprintf("%v", ev)
				ok = true
			}
		}
		if !ok {
			return false, nil
		}
		if c.Operator == "equals" || c.Operator == "field_equals" {
			return strings.EqualFold(value, c.Value), nil
		}
		return strings.Contains(strings.ToLower(value), strings.ToLower(c.Value)), nil
	default:
		return false, fmt.Errorf("unknown condition operator %q", c.Operator)
	}
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
