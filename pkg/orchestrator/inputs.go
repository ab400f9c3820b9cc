package orchestrator

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"gorm.io/datatypes"
)

// TestOutputPrefix marks an eval input value to be replaced by the named
// output of the run's test workflow.
const TestOutputPrefix = "test_output:"

// InputError is an input document that cannot be used. It fails the run.
type InputError struct {
	Err error
}

func (e *InputError) Error() string {
	return fmt.Sprintf("invalid run input: %v", e.Err)
}

func (e *InputError) Unwrap() error {
	return e.Err
}

func decodeObject(raw []byte, what string) (map[string]any, error) {
	if len(bytes.TrimSpace(raw)) == 0 {
		return map[string]any{}, nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()

	var obj map[string]any
	if err := dec.Decode(&obj); err != nil {
		return nil, &InputError{Err: fmt.Errorf("decoding %s: %w", what, err)}
	}

	if obj == nil {
		obj = map[string]any{}
	}

	return obj, nil
}

// mergeJSON overlays override on defaults. Keys present in override replace
// the default value wholesale.
func mergeJSON(defaults, override []byte, what string) (datatypes.JSON, error) {
	base, err := decodeObject(defaults, what+" defaults")
	if err != nil {
		return nil, err
	}

	over, err := decodeObject(override, what)
	if err != nil {
		return nil, err
	}

	for k, v := range over {
		base[k] = v
	}

	merged, err := json.Marshal(base)
	if err != nil {
		return nil, fmt.Errorf("encoding %s: %w", what, err)
	}

	return datatypes.JSON(merged), nil
}

// hasTestOutputRefs reports whether any string leaf of input refers to a
// test output.
func hasTestOutputRefs(input []byte) bool {
	return bytes.Contains(input, []byte(`"`+TestOutputPrefix))
}

// substituteTestOutputs replaces every "test_output:<key>" string leaf in
// input with outputs[key]. A missing key is an InputError.
func substituteTestOutputs(
	input []byte, outputs map[string]json.RawMessage,
) (datatypes.JSON, error) {
	doc, err := decodeObject(input, "eval input")
	if err != nil {
		return nil, err
	}

	replaced, err := replaceOutputs(doc, outputs)
	if err != nil {
		return nil, err
	}

	data, err := json.Marshal(replaced)
	if err != nil {
		return nil, fmt.Errorf("encoding eval input: %w", err)
	}

	return datatypes.JSON(data), nil
}

func replaceOutputs(node any, outputs map[string]json.RawMessage) (any, error) {
	switch v := node.(type) {
	case map[string]any:
		for k, child := range v {
			replaced, err := replaceOutputs(child, outputs)
			if err != nil {
				return nil, err
			}

			v[k] = replaced
		}

		return v, nil
	case []any:
		for i, child := range v {
			replaced, err := replaceOutputs(child, outputs)
			if err != nil {
				return nil, err
			}

			v[i] = replaced
		}

		return v, nil
	case string:
		key, ok := strings.CutPrefix(v, TestOutputPrefix)
		if !ok {
			return v, nil
		}

		raw, found := outputs[key]
		if !found {
			return nil, &InputError{Err: fmt.Errorf("test output %q not found", key)}
		}

		return raw, nil
	default:
		return v, nil
	}
}

// outputValue renders an engine output as a result value. JSON strings are
// unquoted; everything else keeps its JSON text.
func outputValue(raw json.RawMessage) string {
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		return s
	}

	return string(bytes.TrimSpace(raw))
}
