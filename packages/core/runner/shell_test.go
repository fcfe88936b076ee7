package runner

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuildCommand(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("posix quoting")
	}

	tests := []struct {
		name     string
		template string
		unit     string
		expected string
	}{
		{"appends unit", "npx playwright test", "tests/login.spec.ts", "npx playwright test tests/login.spec.ts"},
		{"trims template", "  go test  ", "./pkg", "go test ./pkg"},
		{"placeholder", "node {} --reporter dot", "a.test.js", "node a.test.js --reporter dot"},
		{"placeholder twice", "echo {} && cat {}", "x.txt", "echo x.txt && cat x.txt"},
		{"quotes spaces", "sh", "my tests/a b.sh", "sh 'my tests/a b.sh'"},
		{"quotes single quote", "sh", "it's.sh", `sh 'it'\''s.sh'`},
		{"quotes backslash", "sh", `a\b.sh`, `sh 'a\b.sh'`},
		{"empty template", "", "a.sh", "a.sh"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.expected, BuildCommand(tt.template, tt.unit))
		})
	}
}

func TestShellFlag(t *testing.T) {
	assert.Equal(t, "-c", shellFlag("/bin/sh"))
	assert.Equal(t, "-c", shellFlag("bash"))
	assert.Equal(t, "/C", shellFlag("cmd"))
	assert.Equal(t, "-Command", shellFlag("pwsh"))
}
