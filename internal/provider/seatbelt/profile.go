package seatbelt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// ProfileParams parameterize one generated Seatbelt (SBPL) profile.
type ProfileParams struct {
	// WorkDir is the session working directory, readable and writable.
	WorkDir string
	// AllowNetwork keeps outbound network (and the mach/DNS plumbing it
	// needs) open. Off by default.
	AllowNetwork bool
	// ExtraReadDirs and ExtraWriteDirs extend the filesystem allowance.
	ExtraReadDirs  []string
	ExtraWriteDirs []string
}

// BuildProfile generates a default-deny SBPL profile. SBPL resolves
// rules most-specific-wins, so the broad (deny default) is carved open
// by targeted allows: interpreter and system paths readable, only the
// session directory and temp dirs writable, /Users denied outside the
// explicit allowances.
func BuildProfile(p ProfileParams) string {
	home, _ := os.UserHomeDir()
	tempDir := resolvePath(os.TempDir())
	workDir := resolvePath(p.WorkDir)

	var sb strings.Builder
	sb.WriteString("(version 1)\n")
	sb.WriteString("(deny default)\n")

	if p.AllowNetwork {
		sb.WriteString("(allow network*)\n")
		sb.WriteString("(allow network-outbound)\n")
		sb.WriteString("(allow system-socket)\n")
	}
	// mach-lookup is needed even offline (dyld, frameworks).
	sb.WriteString("(allow mach-lookup)\n")

	sb.WriteString("(allow process-exec)\n")
	sb.WriteString("(allow process-fork)\n")
	sb.WriteString("(allow signal (target self))\n")

	sb.WriteString("(deny file-read* (subpath \"/Users\"))\n")
	sb.WriteString("(allow file-read*\n")
	writeSubpath(&sb, workDir)
	if home != "" {
		writeSubpath(&sb, filepath.Join(home, ".conda"))
		writeSubpath(&sb, filepath.Join(home, ".pyenv"))
	}
	for _, d := range []string{
		"/usr", "/System", "/Library", "/bin", "/sbin", "/opt",
		tempDir, "/private/tmp", "/private/var/tmp", "/dev", "/etc",
	} {
		writeSubpath(&sb, d)
	}
	for _, d := range p.ExtraReadDirs {
		writeSubpath(&sb, resolvePath(d))
	}
	sb.WriteString("  (literal \"/\")\n")
	sb.WriteString("  (literal \"/.\"))\n")

	sb.WriteString("(deny file-write* (subpath \"/\"))\n")
	sb.WriteString("(allow file-write*\n")
	writeSubpath(&sb, workDir)
	for _, d := range []string{tempDir, "/private/tmp", "/private/var/tmp", "/dev"} {
		writeSubpath(&sb, d)
	}
	for _, d := range p.ExtraWriteDirs {
		writeSubpath(&sb, resolvePath(d))
	}
	sb.WriteString("  )\n")

	sb.WriteString("(allow file-write-data\n")
	sb.WriteString("  (literal \"/dev/null\")\n")
	sb.WriteString("  (literal \"/dev/dtracehelper\")\n")
	sb.WriteString("  (literal \"/dev/tty\")\n")
	sb.WriteString("  (literal \"/dev/stdout\")\n")
	sb.WriteString("  (literal \"/dev/stderr\"))\n")

	sb.WriteString("(allow iokit-open)\n")
	sb.WriteString("(allow ipc-posix-shm)\n")
	sb.WriteString("(allow file-read-metadata)\n")
	sb.WriteString("(allow process-info-pidinfo)\n")
	sb.WriteString("(allow process-info-setcontrol)\n")
	sb.WriteString("(allow sysctl-read)\n")
	sb.WriteString("(allow file-read-xattr)\n")
	sb.WriteString("(allow file-write-xattr)\n")
	sb.WriteString("(allow file-map-executable)\n")
	sb.WriteString("(allow file-read-data)\n")

	return sb.String()
}

func writeSubpath(sb *strings.Builder, path string) {
	if path == "" {
		return
	}
	fmt.Fprintf(sb, "  (subpath %q)\n", path)
}

// resolvePath makes the path absolute and resolves symlinks, because
// sandbox-exec matches against real paths (macOS /tmp -> /private/tmp).
func resolvePath(path string) string {
	abs, err := filepath.Abs(path)
	if err != nil {
		return path
	}
	if real, err := filepath.EvalSymlinks(abs); err == nil {
		return real
	}
	return abs
}
