package provider

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"strings"
	"text/template"

	"github.com/jkaninda/runbox/internal/safety"
)

//go:embed runner.py.tmpl
var runnerTemplateText string

var runnerTemplate = template.Must(template.New("runner").Parse(runnerTemplateText))

// RunnerParams parameterize one generated runner script. StatePath and
// ResultPath are paths as seen from inside the sandbox (they differ from
// the host paths for container backends).
type RunnerParams struct {
	Source     string
	StatePath  string
	ResultPath string
	Policy     safety.Policy
}

// BuildRunnerScript renders the Python wrapper that restores the
// environment snapshot, runs the guest source under the runtime guard,
// and writes the environment and a JSON result back to disk. The guest
// never parses its own arguments — everything is baked into the script,
// so no shell quoting of guest content is involved.
func BuildRunnerScript(p RunnerParams) (string, error) {
	guard, err := safety.RuntimeGuard(p.Policy)
	if err != nil {
		return "", err
	}
	var sb strings.Builder
	err = runnerTemplate.Execute(&sb, struct {
		Guard      string
		Source     string
		StatePath  string
		ResultPath string
	}{
		Guard:      guard,
		Source:     p.Source,
		StatePath:  p.StatePath,
		ResultPath: p.ResultPath,
	})
	if err != nil {
		return "", fmt.Errorf("rendering runner script: %w", err)
	}
	return sb.String(), nil
}

// RunnerResult is the JSON document the runner script writes.
type RunnerResult struct {
	PrintedOutput  string `json:"printed_output"`
	ReturnValue    string `json:"return_value"`
	Stderr         string `json:"stderr"`
	ErrorTraceback string `json:"error_traceback"`
	StateWarning   string `json:"state_warning"`
}

// ParseRunnerResult decodes the runner's result file.
func ParseRunnerResult(data []byte) (*RunnerResult, error) {
	var r RunnerResult
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("parsing runner result: %w", err)
	}
	return &r, nil
}

// ResultFromRunner maps a runner result into the shared ExecutionResult
// shape. Guest exceptions become GuestRuntimeError; a snapshot-restore
// warning becomes a visible SnapshotCorrupt marker on an otherwise
// successful run (stderr carries the warning text).
func ResultFromRunner(r *RunnerResult) *ExecutionResult {
	res := &ExecutionResult{
		Stdout:      r.PrintedOutput,
		Stderr:      r.Stderr,
		ReturnValue: r.ReturnValue,
	}
	if r.StateWarning != "" {
		if res.Stderr != "" {
			res.Stderr += "\n"
		}
		res.Stderr += "warning: " + r.StateWarning
		res.Error = &ExecError{Kind: ErrKindSnapshotCorrupt, Message: r.StateWarning}
	}
	if r.ErrorTraceback != "" {
		res.ExitCode = 1
		res.Error = &ExecError{
			Kind:      ErrKindGuestRuntime,
			Message:   lastTracebackLine(r.ErrorTraceback),
			Traceback: r.ErrorTraceback,
		}
	}
	return res
}

// lastTracebackLine extracts the final "ExcType: message" line of a
// Python traceback for the short error message.
func lastTracebackLine(tb string) string {
	lines := strings.Split(strings.TrimRight(tb, "\n"), "\n")
	if len(lines) == 0 {
		return tb
	}
	return lines[len(lines)-1]
}
