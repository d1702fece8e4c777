// Package safety statically vets guest Python source before execution
// and derives the enforcement policy applied during execution.
//
// This is a pragmatic first line of defence, not a secure interpreter:
// each check is a boolean predicate over the token stream, sound against
// direct and literal attempts only. Dynamic tricks are caught (or not)
// by the runtime guard the backends install inside the guest interpreter
// (see RuntimeGuardSource).
package safety

import (
	"fmt"
	"sort"
	"strings"
)

// DangerousModules is the default deny-set: modules granting access to
// the operating system, subprocesses, unrestricted I/O, or the means to
// circumvent the static import analysis itself.
var DangerousModules = map[string]bool{
	"builtins":        true, // reaches exec/eval through attribute access
	"ctypes":          true,
	"importlib":       true,
	"io":              true,
	"multiprocessing": true,
	"os":              true,
	"pathlib":         true,
	"pty":             true,
	"shlex":           true,
	"shutil":          true,
	"signal":          true,
	"socket":          true,
	"subprocess":      true,
	"sys":             true,
	"tempfile":        true,
	"threading":       true,
	"webbrowser":      true,
}

// DangerousFunctions is the default deny-set of runtime-reachable
// builtins: code-evaluation primitives, raw file access, interactive
// input, and debugger entry points.
var DangerousFunctions = map[string]bool{
	"eval":       true,
	"exec":       true,
	"compile":    true,
	"open":       true,
	"input":      true,
	"breakpoint": true,
	"__import__": true,
}

// EssentialModules are always importable, even under an explicit
// allow-list — the execution scaffolding itself depends on them.
var EssentialModules = map[string]bool{
	"cloudpickle": true,
	"pickle":      true,
	"json":        true,
	"time":        true,
	"datetime":    true,
	"requests":    true,
}

// Config supplies the caller's allow-list overrides.
type Config struct {
	// AuthorizedImports permits otherwise-denied modules by name.
	// "*" authorizes everything; "pkg.*" authorizes a package subtree.
	// A non-nil list also switches the engine into allow-list mode:
	// imports outside the list (and the essential set) are rejected.
	AuthorizedImports []string

	// AuthorizedFunctions permits otherwise-denied builtins by name.
	// "*" authorizes everything.
	AuthorizedFunctions []string

	// CheckObfuscation enables the string-obfuscation heuristics.
	CheckObfuscation bool

	// Trusted bypasses all static checks. Only for code the framework
	// itself constructs — never for model- or user-supplied content.
	Trusted bool
}

// Policy is the resolved enforcement context a backend applies at
// runtime: which module roots the import hook blocks, which builtins
// the function guard stubs out, and whether the guard is active at all.
type Policy struct {
	BlockedModules      []string `json:"blocked_modules"`
	AuthorizedImports   []string `json:"authorized_imports,omitempty"`
	AuthorizedFunctions []string `json:"authorized_functions,omitempty"`
	RuntimeBlocking     bool     `json:"runtime_blocking"`
}

// Verdict is the outcome of static analysis.
type Verdict struct {
	Accepted  bool
	Reason    string // human-readable, names the offending construct
	Construct string // the module, function, or pattern that matched
	Policy    Policy
}

func rejected(policy Policy, construct, format string, args ...any) Verdict {
	return Verdict{
		Accepted:  false,
		Reason:    fmt.Sprintf(format, args...),
		Construct: construct,
		Policy:    policy,
	}
}

// Analyze statically validates guest source against cfg. The first
// matching violation wins. Source that does not scan cleanly is
// accepted — the interpreter reports the syntax error with a proper
// traceback, and nothing dangerous executes on the way there.
func Analyze(source string, cfg Config) Verdict {
	policy := cfg.Policy()

	if cfg.Trusted {
		return Verdict{Accepted: true, Policy: policy}
	}

	toks := scanPython(source)

	if v, ok := checkImports(toks, cfg, policy); !ok {
		return v
	}
	if v, ok := checkCalls(toks, cfg, policy); !ok {
		return v
	}
	if cfg.CheckObfuscation {
		if v, ok := checkObfuscation(toks, policy); !ok {
			return v
		}
	}
	return Verdict{Accepted: true, Policy: policy}
}

// Policy resolves the runtime enforcement context from the config.
func (cfg Config) Policy() Policy {
	blocked := make([]string, 0, len(DangerousModules))
	for m := range DangerousModules {
		if !moduleAuthorized(m, cfg.AuthorizedImports) {
			blocked = append(blocked, m)
		}
	}
	sort.Strings(blocked)
	return Policy{
		BlockedModules:      blocked,
		AuthorizedImports:   cfg.AuthorizedImports,
		AuthorizedFunctions: cfg.AuthorizedFunctions,
		RuntimeBlocking:     !cfg.Trusted,
	}
}

// moduleAuthorized reports whether root matches the allow-list. The
// wildcard "*" matches everything; "pkg.*" matches the package root.
func moduleAuthorized(root string, authorized []string) bool {
	for _, pattern := range authorized {
		switch {
		case pattern == "*":
			return true
		case strings.HasSuffix(pattern, ".*"):
			if root == strings.TrimSuffix(pattern, ".*") {
				return true
			}
		case root == pattern:
			return true
		}
	}
	return false
}

func functionAuthorized(name string, authorized []string) bool {
	for _, a := range authorized {
		if a == "*" || a == name {
			return true
		}
	}
	return false
}

// checkImports walks `import X` and `from X import …` statements and
// rejects denied module roots.
func checkImports(toks []token, cfg Config, policy Policy) (Verdict, bool) {
	allowListed := cfg.AuthorizedImports != nil

	for _, root := range importRoots(toks) {
		if EssentialModules[root] {
			continue
		}
		authorized := moduleAuthorized(root, cfg.AuthorizedImports)
		if DangerousModules[root] && !authorized {
			return rejected(policy, root,
				"importing module %q is not allowed", root), false
		}
		if allowListed && !authorized {
			return rejected(policy, root,
				"importing module %q is not in the authorized imports list: %s",
				root, strings.Join(cfg.AuthorizedImports, ", ")), false
		}
	}
	return Verdict{}, true
}

// importRoots extracts the top-level module names referenced by import
// statements. Relative imports (`from . import x`) have no root and are
// skipped — they cannot name a denied module.
func importRoots(toks []token) []string {
	var roots []string
	atStmtStart := true

	for i := 0; i < len(toks); i++ {
		t := toks[i]
		if t.kind == tokNewline || (t.kind == tokOp && t.text == ";") {
			atStmtStart = true
			continue
		}
		if !atStmtStart || t.kind != tokName {
			atStmtStart = false
			continue
		}
		atStmtStart = false

		switch t.text {
		case "import":
			// import a.b, c.d as e
			for j := i + 1; j < len(toks) && toks[j].kind != tokNewline; j++ {
				if toks[j].kind == tokName && (j == i+1 || toks[j-1].kind == tokOp && toks[j-1].text == ",") {
					roots = append(roots, toks[j].text)
					// Skip the dotted tail.
					for j+1 < len(toks) && toks[j+1].kind == tokOp && toks[j+1].text == "." {
						j += 2
					}
					// Skip "as alias".
					if j+1 < len(toks) && toks[j+1].kind == tokName && toks[j+1].text == "as" {
						j += 2
					}
				}
			}
		case "from":
			if i+1 < len(toks) && toks[i+1].kind == tokName {
				roots = append(roots, toks[i+1].text)
			}
		}
	}
	return roots
}

// checkCalls rejects direct calls to denied builtins: a bare name
// immediately followed by "(" with no attribute receiver, plus the
// builtins.__import__ spelling.
func checkCalls(toks []token, cfg Config, policy Policy) (Verdict, bool) {
	for i := 0; i+1 < len(toks); i++ {
		t := toks[i]
		if t.kind != tokName || !DangerousFunctions[t.text] {
			continue
		}
		if toks[i+1].kind != tokOp || toks[i+1].text != "(" {
			continue
		}
		// obj.open(...) is an attribute call on obj, not the builtin —
		// except builtins.__import__, which is the builtin by another path.
		if i > 0 && toks[i-1].kind == tokOp && toks[i-1].text == "." {
			if !(t.text == "__import__" && i >= 2 && toks[i-2].kind == tokName && toks[i-2].text == "builtins") {
				continue
			}
		}
		if functionAuthorized(t.text, cfg.AuthorizedFunctions) {
			continue
		}
		return rejected(policy, t.text,
			"calling %q is not allowed in untrusted code", t.text), false
	}
	return Verdict{}, true
}
