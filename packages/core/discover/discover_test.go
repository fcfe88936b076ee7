package discover

import (
	"errors"
	"os"
	"path/filepath"
	"runtime"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0755))
	require.NoError(t, os.WriteFile(path, []byte("exit 0\n"), 0644))
}

func TestCompile(t *testing.T) {
	tests := []struct {
		pattern string
		name    string
		match   bool
	}{
		{"*.test.ts", "login.test.ts", true},
		{"*.test.ts", "login.test.ts.bak", false},
		{"*.test.ts", "login.spec.ts", false},
		{"test_?.sh", "test_1.sh", true},
		{"test_?.sh", "test_10.sh", false},
		{"a.b", "aXb", false},
		{"[x].sh", "[x].sh", true},
		{"*", "anything", true},
	}

	for _, tt := range tests {
		t.Run(tt.pattern+"/"+tt.name, func(t *testing.T) {
			re, err := Compile(tt.pattern)
			require.NoError(t, err)
			assert.Equal(t, tt.match, re.MatchString(tt.name))
		})
	}
}

func TestCompile_EmptyPattern(t *testing.T) {
	_, err := Compile("")
	var de *DiscoveryError
	assert.True(t, errors.As(err, &de))
}

func TestDiscover(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "b.test.sh"))
	writeFile(t, filepath.Join(root, "a.test.sh"))
	writeFile(t, filepath.Join(root, "readme.md"))
	writeFile(t, filepath.Join(root, "nested", "z.test.sh"))
	writeFile(t, filepath.Join(root, "nested", "deeper", "c.test.sh"))
	writeFile(t, filepath.Join(root, "aa", "x.test.sh"))

	units, err := Discover(root, "*.test.sh")
	require.NoError(t, err)

	assert.Equal(t, []string{
		filepath.Join(root, "a.test.sh"),
		filepath.Join(root, "aa", "x.test.sh"),
		filepath.Join(root, "b.test.sh"),
		filepath.Join(root, "nested", "deeper", "c.test.sh"),
		filepath.Join(root, "nested", "z.test.sh"),
	}, units)
}

func TestDiscover_Idempotent(t *testing.T) {
	root := t.TempDir()
	for _, name := range []string{"c.sh", "a.sh", "sub/b.sh", "sub/a.sh"} {
		writeFile(t, filepath.Join(root, name))
	}

	first, err := Discover(root, "*.sh")
	require.NoError(t, err)
	second, err := Discover(root, "*.sh")
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, first, 4)
}

func TestDiscover_NoMatches(t *testing.T) {
	root := t.TempDir()
	writeFile(t, filepath.Join(root, "a.txt"))

	units, err := Discover(root, "*.sh")
	require.NoError(t, err)
	assert.Empty(t, units)
}

func TestDiscover_MissingRoot(t *testing.T) {
	_, err := Discover(filepath.Join(t.TempDir(), "missing"), "*.sh")
	require.Error(t, err)

	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.True(t, errors.Is(err, os.ErrNotExist))
}

func TestDiscover_RootIsFile(t *testing.T) {
	root := t.TempDir()
	file := filepath.Join(root, "a.sh")
	writeFile(t, file)

	_, err := Discover(file, "*.sh")
	var de *DiscoveryError
	require.True(t, errors.As(err, &de))
	assert.Equal(t, file, de.Root)
	assert.Contains(t, err.Error(), "not a directory")
}

func TestDiscover_SymlinkCycle(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	root := t.TempDir()
	writeFile(t, filepath.Join(root, "sub", "a.sh"))
	require.NoError(t, os.Symlink(root, filepath.Join(root, "sub", "loop")))

	units, err := Discover(root, "*.sh")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "sub", "a.sh")}, units)
}

func TestDiscover_FollowsFileSymlinks(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("symlinks require privileges on windows")
	}

	root := t.TempDir()
	target := filepath.Join(t.TempDir(), "real.sh")
	writeFile(t, target)
	require.NoError(t, os.Symlink(target, filepath.Join(root, "linked.sh")))
	require.NoError(t, os.Symlink(filepath.Join(root, "gone"), filepath.Join(root, "dangling.sh")))

	units, err := Discover(root, "*.sh")
	require.NoError(t, err)
	assert.Equal(t, []string{filepath.Join(root, "linked.sh")}, units)
}
