package notify

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/ethpandaops/regressoor/pkg/store"
)

const (
	subjectRunStarted       = "Successfully started run from GitHub"
	subjectRunFailedToStart = "Failed to start run from GitHub"
	subjectRunComplete      = "Run %s completed with status %s"
	subjectReportComplete   = "Report %s for run %s completed with status %s"
)

func prettyJSON(v any) (string, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("encoding notification body: %w", err)
	}

	return string(data), nil
}

func runStartedEmail(run *store.Run) (string, error) {
	pretty, err := prettyJSON(run)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf("Run %s was started from a GitHub request.\n\n%s\n", run.Name, pretty), nil
}

func runStartedComment(run *store.Run) (string, error) {
	pretty, err := prettyJSON(run)
	if err != nil {
		return "", err
	}

	return fmt.Sprintf(
		"Started run `%s` with status `%s`.\n\n<details><summary>Run</summary>\n\n```json\n%s\n```\n\n</details>\n",
		run.Name, run.Status, pretty,
	), nil
}

func failedStartEmail(failed FailedStart) string {
	var sb strings.Builder

	sb.WriteString("A run requested from GitHub could not be started.\n\n")

	if failed.TestName != "" {
		fmt.Fprintf(&sb, "Test: %s\n", failed.TestName)
	}

	if failed.Github != nil {
		fmt.Fprintf(&sb, "Request: %s/%s#%d by %s\n",
			failed.Github.Owner, failed.Github.Repo, failed.Github.IssueNumber, failed.Github.Author)
	}

	fmt.Fprintf(&sb, "\nError:\n%s\n", failed.Reason)

	return sb.String()
}

func failedStartComment(failed FailedStart) string {
	return fmt.Sprintf("Failed to start run:\n\n```\n%s\n```\n", failed.Reason)
}

func runCompleteEmail(run *store.Run, results []store.RunResult) (string, error) {
	pretty, err := prettyJSON(run)
	if err != nil {
		return "", err
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Run %s finished with status %s.\n\n", run.Name, run.Status)

	if len(results) > 0 {
		sb.WriteString("Results:\n")

		for _, r := range results {
			fmt.Fprintf(&sb, "  %d: %s\n", r.ResultID, r.Value)
		}

		sb.WriteString("\n")
	}

	sb.WriteString(pretty)
	sb.WriteString("\n")

	return sb.String(), nil
}

func runCompleteComment(run *store.Run, results []store.RunResult) (string, error) {
	pretty, err := prettyJSON(run)
	if err != nil {
		return "", err
	}

	var sb strings.Builder

	fmt.Fprintf(&sb, "Run `%s` finished with status `%s`.\n\n", run.Name, run.Status)

	if len(results) > 0 {
		sb.WriteString("| Result | Value |\n| --- | --- |\n")

		for _, r := range results {
			fmt.Fprintf(&sb, "| %d | %s |\n", r.ResultID, r.Value)
		}

		sb.WriteString("\n")
	}

	fmt.Fprintf(&sb, "<details><summary>Run</summary>\n\n```json\n%s\n```\n\n</details>\n", pretty)

	return sb.String(), nil
}

// reportOutputs decodes a report's output map, sorted by key.
func reportOutputs(rr *store.RunReport) [][2]string {
	if len(rr.Results) == 0 {
		return nil
	}

	var raw map[string]any
	if err := json.Unmarshal(rr.Results, &raw); err != nil {
		return nil
	}

	keys := make([]string, 0, len(raw))
	for k := range raw {
		keys = append(keys, k)
	}

	sort.Strings(keys)

	out := make([][2]string, 0, len(keys))
	for _, k := range keys {
		out = append(out, [2]string{k, fmt.Sprint(raw[k])})
	}

	return out
}

func reportCompleteEmail(run *store.Run, report *store.Report, rr *store.RunReport) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Report %s for run %s finished with status %s.\n",
		report.Name, run.Name, rr.Status)

	if outputs := reportOutputs(rr); len(outputs) > 0 {
		sb.WriteString("\nOutputs:\n")

		for _, kv := range outputs {
			fmt.Fprintf(&sb, "  %s: %s\n", kv[0], kv[1])
		}
	}

	return sb.String()
}

func reportCompleteComment(run *store.Run, report *store.Report, rr *store.RunReport) string {
	var sb strings.Builder

	fmt.Fprintf(&sb, "Report `%s` for run `%s` finished with status `%s`.\n",
		report.Name, run.Name, rr.Status)

	for _, kv := range reportOutputs(rr) {
		fmt.Fprintf(&sb, "\n- %s: %s", kv[0], kv[1])
	}

	return sb.String()
}
