package reports

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/ethpandaops/regressoor/pkg/store"
)

// injectParameters prepends a code cell binding the run's identity to the
// notebook's cells.
func injectParameters(notebook []byte, run *store.Run) ([]byte, error) {
	dec := json.NewDecoder(bytes.NewReader(notebook))
	dec.UseNumber()

	var doc map[string]any
	if err := dec.Decode(&doc); err != nil {
		return nil, fmt.Errorf("decoding notebook: %w", err)
	}

	if doc == nil {
		return nil, fmt.Errorf("decoding notebook: not an object")
	}

	cells, _ := doc["cells"].([]any)

	doc["cells"] = append([]any{parametersCell(run)}, cells...)

	out, err := json.Marshal(doc)
	if err != nil {
		return nil, fmt.Errorf("encoding notebook: %w", err)
	}

	return out, nil
}

func parametersCell(run *store.Run) map[string]any {
	params := []struct {
		name  string
		value any
	}{
		{"run_id", run.ID},
		{"run_name", run.Name},
		{"test_id", run.TestID},
		{"test_cromwell_job_id", run.TestJobID},
		{"eval_cromwell_job_id", run.EvalJobID},
	}

	source := make([]string, 0, len(params))

	for _, p := range params {
		literal, _ := json.Marshal(p.value)
		source = append(source, fmt.Sprintf("%s = %s\n", p.name, literal))
	}

	source[len(source)-1] = strings.TrimSuffix(source[len(source)-1], "\n")

	return map[string]any{
		"cell_type":       "code",
		"execution_count": nil,
		"metadata":        map[string]any{"tags": []string{"parameters"}},
		"outputs":         []any{},
		"source":          source,
	}
}
