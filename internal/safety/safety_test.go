package safety

import (
	"strings"
	"testing"
)

func TestAnalyzeDangerousImports(t *testing.T) {
	cases := []struct {
		name     string
		source   string
		accepted bool
	}{
		{"plain os import", "import os", false},
		{"dotted dangerous root", "import os.path", false},
		{"from dangerous module", "from subprocess import run", false},
		{"aliased dangerous", "import socket as s", false},
		{"multiple, one dangerous", "import math, shutil", false},
		{"safe imports", "import math\nimport collections", true},
		{"essential module", "import json\nimport datetime", true},
		{"dangerous name in string", `print("import os")`, true},
		{"dangerous name in comment", "# import os\nx = 1", true},
		{"relative import", "from . import helpers", true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Analyze(tc.source, Config{})
			if v.Accepted != tc.accepted {
				t.Errorf("Analyze(%q).Accepted = %v, want %v (reason %q)", tc.source, v.Accepted, tc.accepted, v.Reason)
			}
		})
	}
}

func TestAnalyzeAuthorizedImports(t *testing.T) {
	// Explicit authorization overrides the denylist.
	v := Analyze("import os", Config{AuthorizedImports: []string{"os"}})
	if !v.Accepted {
		t.Errorf("authorized os rejected: %s", v.Reason)
	}

	// A non-nil list switches to allow-list mode: everything else needs
	// an entry, except essentials.
	cfg := Config{AuthorizedImports: []string{"numpy"}}
	if v := Analyze("import numpy", cfg); !v.Accepted {
		t.Errorf("listed import rejected: %s", v.Reason)
	}
	if v := Analyze("import math", cfg); v.Accepted {
		t.Error("unlisted import accepted in allow-list mode")
	}
	if v := Analyze("import json", cfg); !v.Accepted {
		t.Errorf("essential module rejected in allow-list mode: %s", v.Reason)
	}

	// Wildcard forms.
	if v := Analyze("import anything", Config{AuthorizedImports: []string{"*"}}); !v.Accepted {
		t.Errorf("star wildcard rejected: %s", v.Reason)
	}
	if v := Analyze("import pandas.io", Config{AuthorizedImports: []string{"pandas.*"}}); !v.Accepted {
		t.Errorf("prefix wildcard rejected: %s", v.Reason)
	}
}

func TestAnalyzeDangerousCalls(t *testing.T) {
	cases := []struct {
		name     string
		source   string
		accepted bool
	}{
		{"eval call", `eval("1+1")`, false},
		{"exec call", `exec(code)`, false},
		{"open call", `open("/etc/passwd")`, false},
		{"dunder import call", `__import__("os")`, false},
		{"builtins dunder import", `import builtins` + "\n" + `builtins.__import__("os")`, false},
		{"name without call", "x = eval", true},
		{"method named open", "f.open()", true},
		{"eval in string", `s = "eval(x)"`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			cfg := Config{}
			if tc.name == "builtins dunder import" {
				cfg.AuthorizedImports = []string{"builtins"}
			}
			v := Analyze(tc.source, cfg)
			if v.Accepted != tc.accepted {
				t.Errorf("Analyze(%q).Accepted = %v, want %v (reason %q)", tc.source, v.Accepted, tc.accepted, v.Reason)
			}
		})
	}
}

func TestAnalyzeAuthorizedFunctions(t *testing.T) {
	if v := Analyze(`open("data.csv")`, Config{AuthorizedFunctions: []string{"open"}}); !v.Accepted {
		t.Errorf("authorized open rejected: %s", v.Reason)
	}
	if v := Analyze(`eval("x")`, Config{AuthorizedFunctions: []string{"*"}}); !v.Accepted {
		t.Errorf("star-authorized eval rejected: %s", v.Reason)
	}
}

func TestAnalyzeObfuscation(t *testing.T) {
	cases := []struct {
		name     string
		source   string
		accepted bool
	}{
		{"chr chain", "x = chr(111) + chr(115) + chr(46)", false},
		{"two chr calls ok", "a = chr(65) + chr(66)", true},
		{"fromhex", `bytes.fromhex("6f73")`, false},
		{"encode decode round trip", `x = s.encode("rot13").decode()`, false},
		{"decode alone ok", `x = b.decode("utf-8")`, true},
		{"join into eval", `eval("".join(parts))`, false},
		{"plain join ok", `", ".join(names)`, true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			v := Analyze(tc.source, Config{CheckObfuscation: true})
			if v.Accepted != tc.accepted {
				t.Errorf("Analyze(%q).Accepted = %v, want %v (reason %q)", tc.source, v.Accepted, tc.accepted, v.Reason)
			}
		})
	}

	// Heuristics are off unless requested.
	v := Analyze("x = chr(1) + chr(2) + chr(3)", Config{})
	if !v.Accepted {
		t.Errorf("obfuscation check ran while disabled: %s", v.Reason)
	}
}

func TestAnalyzeTrustedBypass(t *testing.T) {
	v := Analyze("import os\nos.system('id')", Config{Trusted: true})
	if !v.Accepted {
		t.Errorf("trusted source rejected: %s", v.Reason)
	}
	if v.Policy.RuntimeBlocking {
		t.Error("trusted verdict should disable runtime blocking")
	}
}

func TestVerdictPolicy(t *testing.T) {
	v := Analyze("x = 1", Config{AuthorizedImports: []string{"os", "numpy"}})
	if !v.Accepted {
		t.Fatalf("rejected: %s", v.Reason)
	}
	for _, m := range v.Policy.BlockedModules {
		if m == "os" {
			t.Error("authorized module os still in blocked list")
		}
	}
	found := false
	for _, m := range v.Policy.BlockedModules {
		if m == "subprocess" {
			found = true
		}
	}
	if !found {
		t.Error("subprocess missing from blocked list")
	}
	if !v.Policy.RuntimeBlocking {
		t.Error("runtime blocking disabled for untrusted source")
	}
}

func TestRuntimeGuardRendering(t *testing.T) {
	v := Analyze("x = 1", Config{AuthorizedImports: []string{"numpy"}})
	guard, err := RuntimeGuard(v.Policy)
	if err != nil {
		t.Fatalf("RuntimeGuard: %v", err)
	}
	for _, want := range []string{
		"_rbx_install_import_hook",
		"_rbx_function_guard",
		"numpy",
		"subprocess",
	} {
		if !strings.Contains(guard, want) {
			t.Errorf("guard missing %q", want)
		}
	}
	// No stray Go format verbs survive rendering.
	if strings.Contains(guard, "%!") {
		t.Error("guard contains a failed format verb")
	}
}

func TestScannerResilience(t *testing.T) {
	// Malformed source must not panic or block scanning.
	sources := []string{
		"def f(:",
		`s = "unterminated`,
		"'''open triple",
		"x = (1, 2",
		"\\",
	}
	for _, src := range sources {
		v := Analyze(src, Config{CheckObfuscation: true})
		_ = v // acceptance varies; we only require no panic
	}
}
