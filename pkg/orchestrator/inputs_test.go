package orchestrator

import (
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMergeJSON(t *testing.T) {
	tests := []struct {
		name     string
		defaults string
		override string
		want     string
	}{
		{name: "both empty", want: `{}`},
		{name: "defaults only", defaults: `{"a":1}`, want: `{"a":1}`},
		{name: "override wins", defaults: `{"a":1,"b":2}`, override: `{"a":3}`, want: `{"a":3,"b":2}`},
		{
			name:     "nested objects are replaced, not merged",
			defaults: `{"a":{"x":1,"y":2}}`,
			override: `{"a":{"x":9}}`,
			want:     `{"a":{"x":9}}`,
		},
		{name: "null defaults", defaults: `null`, override: `{"a":1}`, want: `{"a":1}`},
		{name: "large numbers kept", defaults: `{"n":12345678901234567890}`, want: `{"n":12345678901234567890}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := mergeJSON([]byte(tt.defaults), []byte(tt.override), "input")
			require.NoError(t, err)
			assert.JSONEq(t, tt.want, string(got))
		})
	}
}

func TestMergeJSON_Invalid(t *testing.T) {
	_, err := mergeJSON([]byte(`{"a":1}`), []byte(`[1,2]`), "test input")
	require.Error(t, err)

	var inerr *InputError
	assert.True(t, errors.As(err, &inerr))
	assert.True(t, permanent(err))
}

func TestSubstituteTestOutputs(t *testing.T) {
	outputs := map[string]json.RawMessage{
		"wf.calls": json.RawMessage(`"gs://b/calls.vcf"`),
		"wf.stats": json.RawMessage(`{"n":3}`),
	}

	got, err := substituteTestOutputs(
		[]byte(`{"e.calls":"test_output:wf.calls","e.all":["test_output:wf.stats","plain"],"e.n":1}`),
		outputs,
	)
	require.NoError(t, err)
	assert.JSONEq(t, `{"e.calls":"gs://b/calls.vcf","e.all":[{"n":3},"plain"],"e.n":1}`, string(got))

	_, err = substituteTestOutputs([]byte(`{"e":"test_output:missing"}`), outputs)
	require.Error(t, err)
	assert.True(t, permanent(err))
}

func TestHasTestOutputRefs(t *testing.T) {
	assert.True(t, hasTestOutputRefs([]byte(`{"a":"test_output:x"}`)))
	assert.False(t, hasTestOutputRefs([]byte(`{"a":"x"}`)))
}

func TestOutputValue(t *testing.T) {
	assert.Equal(t, "gs://b/x", outputValue(json.RawMessage(`"gs://b/x"`)))
	assert.Equal(t, "0.93", outputValue(json.RawMessage(`0.93`)))
	assert.Equal(t, `[1,2]`, outputValue(json.RawMessage(` [1,2] `)))
}
