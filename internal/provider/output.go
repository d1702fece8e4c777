package provider

import (
	"io"
	"regexp"
)

// MaxCaptureBytes caps captured stdout/stderr per stream to prevent OOM
// from chatty guest code. Engine-level truncation (with its notice) is
// applied on top of this hard cap.
const MaxCaptureBytes = 1 << 20 // 1 MB

// ansiEscape matches ANSI color and control sequences.
var ansiEscape = regexp.MustCompile(`\x1B(?:[@-Z\\-_]|\[[0-?]*[ -/]*[@-~])`)

// StripANSI removes ANSI escape sequences from captured output so
// callers receive clean text regardless of what the guest printed.
func StripANSI(s string) string {
	return ansiEscape.ReplaceAllString(s, "")
}

// LimitedWriter wraps a writer and silently discards everything past a
// byte limit. Overflow is not an error — just capped.
type LimitedWriter struct {
	W         io.Writer
	Remaining int
}

func (lw *LimitedWriter) Write(p []byte) (int, error) {
	if lw.Remaining <= 0 {
		return len(p), nil
	}
	if len(p) > lw.Remaining {
		n, err := lw.W.Write(p[:lw.Remaining])
		lw.Remaining -= n
		if err != nil {
			return n, err
		}
		return len(p), nil
	}
	n, err := lw.W.Write(p)
	lw.Remaining -= n
	return n, err
}

// BaseEnv is the minimal safe environment for sandboxed processes. The
// host environment is never inherited — secrets and credentials must not
// leak into guest code.
func BaseEnv(home string, extra map[string]string) []string {
	env := []string{
		"PATH=/usr/local/bin:/usr/bin:/bin",
		"HOME=" + home,
		"TMPDIR=" + home,
		"LANG=en_US.UTF-8",
		"TERM=dumb",
	}
	for k, v := range extra {
		env = append(env, k+"="+v)
	}
	return env
}
