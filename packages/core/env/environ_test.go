package env

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestBuild(t *testing.T) {
	base := []string{"PATH=/bin", "HOME=/root", "CI=false"}

	t.Run("no layers copies base", func(t *testing.T) {
		out := Build(base)
		assert.Equal(t, base, out)
		out[0] = "PATH=/changed"
		assert.Equal(t, "PATH=/bin", base[0])
	})

	t.Run("replaces in place and appends sorted", func(t *testing.T) {
		out := Build(base,
			map[string]string{"CI": "true", "ZED": "1"},
			map[string]string{"ALPHA": "a", "ZED": "2"},
		)
		assert.Equal(t, []string{"PATH=/bin", "HOME=/root", "CI=true", "ALPHA=a", "ZED=2"}, out)
	})

	t.Run("duplicate base keys collapse", func(t *testing.T) {
		out := Build([]string{"A=1", "A=2"}, map[string]string{"A": "3"})
		assert.Equal(t, []string{"A=3"}, out)
	})
}

func TestEnviron(t *testing.T) {
	t.Setenv("SPLITRUN_TEST_VALUE", "inherited")

	out := Environ(map[string]string{"SPLITRUN_TEST_EXTRA": "x"})
	assert.Contains(t, out, "SPLITRUN_TEST_VALUE=inherited")
	assert.Contains(t, out, "SPLITRUN_TEST_EXTRA=x")
}

func TestMergeVariables(t *testing.T) {
	merged := MergeVariables(
		map[string]string{"a": "1", "b": "1"},
		nil,
		map[string]string{"b": "2"},
	)
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, merged)
}

func TestLoadSystemEnv(t *testing.T) {
	t.Setenv("SPLITRUN_TEST_WORKERS", "4")

	vars := LoadSystemEnv("SPLITRUN_TEST_")
	assert.Equal(t, "4", vars["WORKERS"])
	assert.NotContains(t, vars, "PATH")
}
