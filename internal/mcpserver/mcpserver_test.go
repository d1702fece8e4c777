package mcpserver

import (
	"encoding/json"
	"strings"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/jkaninda/runbox/internal/provider"
)

func resultText(t *testing.T, res *mcp.CallToolResult) string {
	t.Helper()
	if len(res.Content) == 0 {
		t.Fatal("empty tool result content")
	}
	tc, ok := mcp.AsTextContent(res.Content[0])
	if !ok {
		t.Fatalf("content is not text: %#v", res.Content[0])
	}
	return tc.Text
}

func TestToolResultSuccess(t *testing.T) {
	res := toolResult(&provider.ExecutionResult{
		Stdout:      "42\n",
		ReturnValue: "42",
		ExitCode:    0,
	})
	if res.IsError {
		t.Fatalf("success rendered as error: %+v", res)
	}

	var payload map[string]any
	if err := json.Unmarshal([]byte(resultText(t, res)), &payload); err != nil {
		t.Fatalf("result is not JSON: %v", err)
	}
	if payload["stdout"] != "42\n" {
		t.Errorf("stdout = %v", payload["stdout"])
	}
	if payload["return_value"] != "42" {
		t.Errorf("return_value = %v", payload["return_value"])
	}
	if _, ok := payload["stderr"]; ok {
		t.Error("empty stderr included in payload")
	}
}

func TestToolResultRejection(t *testing.T) {
	res := toolResult(&provider.ExecutionResult{
		Error: &provider.ExecError{
			Kind:    provider.ErrKindSafetyRejected,
			Message: `import of module "os" is not allowed`,
		},
	})
	if !res.IsError {
		t.Fatal("rejection not rendered as error")
	}
	if got := resultText(t, res); !strings.Contains(got, `"os"`) {
		t.Errorf("rejection text %q does not name the module", got)
	}
}

func TestToolResultGuestError(t *testing.T) {
	res := toolResult(&provider.ExecutionResult{
		Error: &provider.ExecError{
			Kind:      provider.ErrKindGuestRuntime,
			Message:   "ZeroDivisionError: division by zero",
			Traceback: "Traceback (most recent call last):\n  File \"<input>\", line 1\nZeroDivisionError: division by zero",
		},
	})
	if !res.IsError {
		t.Fatal("guest error not rendered as error")
	}
	got := resultText(t, res)
	if !strings.Contains(got, "ZeroDivisionError") || !strings.Contains(got, "Traceback") {
		t.Errorf("guest error text missing traceback: %q", got)
	}
}

func TestToolResultTimeout(t *testing.T) {
	res := toolResult(&provider.ExecutionResult{
		ExitCode: 124,
		Error: &provider.ExecError{
			Kind:    provider.ErrKindTimeout,
			Message: "execution exceeded 30s",
		},
	})
	if !res.IsError {
		t.Fatal("timeout not rendered as error")
	}
	if got := resultText(t, res); !strings.Contains(got, "timed out") {
		t.Errorf("timeout text = %q", got)
	}
}
