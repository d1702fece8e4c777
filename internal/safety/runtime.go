package safety

import (
	"encoding/json"
	"fmt"
)

// RuntimeGuard renders the Python prelude that enforces the policy
// inside the guest interpreter for the duration of one execution:
//
//   - an __import__ hook that applies the same allow/deny decision to
//     dynamic imports that the static analysis applies to literal ones;
//   - a function guard context manager that replaces denied builtins
//     with stubs that raise immediately, and unconditionally restores
//     the originals in its finally-equivalent (__exit__), so the
//     process is left clean even when guest code raises.
//
// Backends prepend this to the generated runner script.
func RuntimeGuard(policy Policy) (string, error) {
	raw, err := json.Marshal(policy)
	if err != nil {
		return "", fmt.Errorf("encoding enforcement policy: %w", err)
	}
	return fmt.Sprintf(runtimeGuardSource, string(raw)), nil
}

// runtimeGuardSource takes one %s: the JSON-encoded Policy.
const runtimeGuardSource = `
import builtins as _rbx_builtins
import json as _rbx_json

_RBX_POLICY = _rbx_json.loads(%q)

_RBX_ESSENTIAL = {"cloudpickle", "pickle", "json", "time", "datetime", "requests"}


def _rbx_module_authorized(root):
    allowed = _RBX_POLICY.get("authorized_imports") or []
    for pattern in allowed:
        if pattern == "*":
            return True
        if pattern.endswith(".*") and root == pattern[:-2]:
            return True
        if root == pattern:
            return True
    return False


def _rbx_install_import_hook():
    if not _RBX_POLICY.get("runtime_blocking"):
        return
    blocked = set(_RBX_POLICY.get("blocked_modules") or [])
    allow_listed = _RBX_POLICY.get("authorized_imports") is not None
    original_import = _rbx_builtins.__import__

    def _guarded_import(name, globals=None, locals=None, fromlist=(), level=0):
        root = name.split(".")[0]
        if root in _RBX_ESSENTIAL:
            return original_import(name, globals, locals, fromlist, level)
        if root in blocked and not _rbx_module_authorized(root):
            raise ImportError(
                "import of module '%%s' is blocked by sandbox policy" %% name)
        if allow_listed and not _rbx_module_authorized(root):
            raise ImportError(
                "import of module '%%s' is not in the authorized imports list" %% name)
        return original_import(name, globals, locals, fromlist, level)

    _rbx_builtins.__import__ = _guarded_import


class _rbx_function_guard:
    """Scoped replacement of denied builtins with raising stubs.

    __exit__ restores the originals unconditionally, including when the
    guest code raised, so the restriction never outlives one execution.
    """

    _DENIED = ("eval", "exec", "compile", "open", "input", "breakpoint")

    def __enter__(self):
        if not _RBX_POLICY.get("runtime_blocking"):
            self._saved = {}
            return self
        allowed = set(_RBX_POLICY.get("authorized_functions") or [])
        self._saved = {}
        if "*" in allowed:
            return self
        for name in self._DENIED:
            if name in allowed or not hasattr(_rbx_builtins, name):
                continue
            self._saved[name] = getattr(_rbx_builtins, name)

            def _blocked(*args, _name=name, **kwargs):
                raise RuntimeError(
                    "call to '%%s' is blocked by sandbox policy" %% _name)

            setattr(_rbx_builtins, name, _blocked)
        return self

    def __exit__(self, exc_type, exc, tb):
        for name, fn in self._saved.items():
            setattr(_rbx_builtins, name, fn)
        self._saved = {}
        return False
`
