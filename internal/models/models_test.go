package models

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestStepConfigValidate(t *testing.T) {
	cases := []struct {
		name    string
		config  StepConfig
		wantErr bool
	}{
		{"email inline", StepConfig{Type: StepEmail, Subject: "hi"}, false},
		{"email template", StepConfig{Type: StepEmail, TemplateID: "tmpl-1"}, false},
		{"email empty", StepConfig{Type: StepEmail}, true},
		{"delay valid", StepConfig{Type: StepDelay, DelayAmount: 2, DelayUnit: DelayHours}, false},
		{"delay zero amount", StepConfig{Type: StepDelay, DelayUnit: DelayHours}, true},
		{"delay bad unit", StepConfig{Type: StepDelay, DelayAmount: 1, DelayUnit: "weeks"}, true},
		{"audience add", StepConfig{Type: StepAudienceAdd, AudienceID: "a"}, false},
		{"audience missing id", StepConfig{Type: StepAudienceRemove}, true},
		{"tag add", StepConfig{Type: StepTagAdd, TagName: "vip"}, false},
		{"tag missing name", StepConfig{Type: StepTagRemove}, true},
		{"condition empty", StepConfig{Type: StepCondition}, true},
		{"condition with clauses", StepConfig{Type: StepCondition, Conditions: json.RawMessage(`[{"operator":"has_tag","value":"x"}]`)}, false},
		{"unknown type", StepConfig{Type: StepType("webhook")}, true},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.config.Validate()
			if tc.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubscriberHasTag(t *testing.T) {
	sub := &Subscriber{Tags: []string{"a", "b"}}
	assert.True(t, sub.HasTag("a"))
	assert.False(t, sub.HasTag("c"))
}

func TestEmailIdempotencyKey(t *testing.T) {
	require.Equal(t, "enr-1:3", EmailIdempotencyKey("enr-1", 3))
}
