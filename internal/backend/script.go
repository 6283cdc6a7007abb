package backend

import (
	"os"
	"strings"
)

// shellQuote quotes s for safe inclusion in a generated shell script,
// grounded on the teacher's cmdline.shellQuote: simple tokens pass through
// unquoted, everything else is single-quoted with embedded quotes escaped.
func shellQuote(s string) string {
	if isSimpleShellArg(s) {
		return s
	}
	return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
}

func isSimpleShellArg(s string) bool {
	if s == "" {
		return false
	}
	for _, c := range s {
		if !isSimpleShellChar(c) {
			return false
		}
	}
	return true
}

func isSimpleShellChar(c rune) bool {
	return (c >= 'a' && c <= 'z') ||
		(c >= 'A' && c <= 'Z') ||
		(c >= '0' && c <= '9') ||
		c == '_' || c == '-' || c == '.' || c == '/' || c == ':'
}

// joinCommand renders a command slice as a shell-quoted, space-joined line.
func joinCommand(command []string) string {
	parts := make([]string, len(command))
	for i, arg := range command {
		parts[i] = shellQuote(arg)
	}
	return strings.Join(parts, " ")
}

// buildScript renders a submission script: load the module if set,
// activate the conda environment if set, inline the pre-script if set,
// then run the command. The script itself writes no start or end marker
// to the Status Store; the only record of the outcome is the one the
// entry-point command it runs writes for itself.
func buildScript(spec SubmitSpec) string {
	var b strings.Builder
	b.WriteString("#!/bin/sh\n")
	b.WriteString("set -e\n")
	if spec.Resources.Module != "" {
		b.WriteString("module load " + shellQuote(spec.Resources.Module) + "\n")
	}
	if spec.Resources.CondaEnv != "" {
		b.WriteString("source activate " + shellQuote(spec.Resources.CondaEnv) + "\n")
	}
	if spec.PreScript != "" {
		b.WriteString(spec.PreScript + "\n")
	}
	b.WriteString(joinCommand(spec.Command) + "\n")
	return b.String()
}

// writeTaskLog best-effort writes combined stdout/stderr to path, grounded
// on the teacher's local executor capturing output per task.
func writeTaskLog(path string, stdout, stderr []byte) {
	var b strings.Builder
	b.WriteString("--- stdout ---\n")
	b.Write(stdout)
	b.WriteString("\n--- stderr ---\n")
	b.Write(stderr)
	_ = os.WriteFile(path, []byte(b.String()), 0o644)
}
