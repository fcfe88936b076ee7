package runner

import (
	"context"
	"os/exec"
	"path/filepath"
	"runtime"
	"strings"
)

// UnitPlaceholder is replaced by the unit path when present in a command template
const UnitPlaceholder = "{}"

// DefaultShell returns the shell used to interpret unit commands
func DefaultShell() string {
	if runtime.GOOS == "windows" {
		return "cmd"
	}
	return "sh"
}

// shellFlag returns the argument that makes shell run a command string
func shellFlag(shell string) string {
	name := strings.ToLower(strings.TrimSuffix(filepath.Base(shell), ".exe"))
	switch name {
	case "cmd":
		return "/C"
	case "powershell", "pwsh":
		return "-Command"
	default:
		return "-c"
	}
}

// BuildCommand substitutes unit into template. A template without the {}
// placeholder gets the unit appended after a space.
func BuildCommand(template, unit string) string {
	quoted := quoteUnit(unit)
	if strings.Contains(template, UnitPlaceholder) {
		return strings.ReplaceAll(template, UnitPlaceholder, quoted)
	}
	template = strings.TrimSpace(template)
	if template == "" {
		return quoted
	}
	return template + " " + quoted
}

// shellCommand builds the child process for a command string
func shellCommand(ctx context.Context, shellPath, command string) *exec.Cmd {
	return exec.CommandContext(ctx, shellPath, shellFlag(shellPath), command)
}

// quoteUnit leaves plain paths untouched and quotes anything the shell
// would otherwise split or expand
func quoteUnit(unit string) string {
	if unit == "" {
		return "''"
	}
	safe := true
	for _, r := range unit {
		if !isSafeRune(r) {
			safe = false
			break
		}
	}
	if safe {
		return unit
	}
	if runtime.GOOS == "windows" {
		return `"` + strings.ReplaceAll(unit, `"`, `""`) + `"`
	}
	return "'" + strings.ReplaceAll(unit, "'", `'\''`) + "'"
}

func isSafeRune(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '\\':
		return runtime.GOOS == "windows"
	}
	return strings.ContainsRune("-_./:@%+=,", r)
}
