package discover

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
)

// DiscoveryError is returned when the unit tree cannot be scanned
type DiscoveryError struct {
	Root   string
	Reason string
	Err    error
}

func (e *DiscoveryError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("discovery failed for %s: %s: %v", e.Root, e.Reason, e.Err)
	}
	return fmt.Sprintf("discovery failed for %s: %s", e.Root, e.Reason)
}

func (e *DiscoveryError) Unwrap() error {
	return e.Err
}

// Compile translates a glob pattern into an anchored regular expression.
// Only * and ? are wildcards, every other character matches literally.
func Compile(pattern string) (*regexp.Regexp, error) {
	if pattern == "" {
		return nil, &DiscoveryError{Reason: "empty name pattern"}
	}

	var b strings.Builder
	b.WriteString("^")
	for _, r := range pattern {
		switch r {
		case '*':
			b.WriteString(".*")
		case '?':
			b.WriteString(".")
		default:
			b.WriteString(regexp.QuoteMeta(string(r)))
		}
	}
	b.WriteString("$")

	re, err := regexp.Compile(b.String())
	if err != nil {
		return nil, &DiscoveryError{Reason: fmt.Sprintf("invalid pattern %q", pattern), Err: err}
	}
	return re, nil
}

// Discover walks root depth-first and returns every regular file whose base
// name matches pattern. Entries are visited in lexicographic order per
// directory so the result is identical on every machine scanning the same tree.
func Discover(root, pattern string) ([]string, error) {
	re, err := Compile(pattern)
	if err != nil {
		var de *DiscoveryError
		if errors.As(err, &de) {
			de.Root = root
		}
		return nil, err
	}

	info, err := os.Stat(root)
	if err != nil {
		return nil, &DiscoveryError{Root: root, Reason: "cannot access root", Err: err}
	}
	if !info.IsDir() {
		return nil, &DiscoveryError{Root: root, Reason: "root is not a directory"}
	}

	w := &walker{
		match:   re,
		visited: make(map[string]bool),
	}
	if err := w.walk(root); err != nil {
		return nil, &DiscoveryError{Root: root, Reason: "cannot read directory", Err: err}
	}
	return w.units, nil
}

type walker struct {
	match   *regexp.Regexp
	visited map[string]bool
	units   []string
}

func (w *walker) walk(dir string) error {
	realPath, err := filepath.EvalSymlinks(dir)
	if err != nil {
		return err
	}
	if abs, err := filepath.Abs(realPath); err == nil {
		realPath = abs
	}
	// A directory reached twice through links is a cycle or a duplicate
	if w.visited[realPath] {
		return nil
	}
	w.visited[realPath] = true

	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Name() < entries[j].Name()
	})

	for _, entry := range entries {
		path := filepath.Join(dir, entry.Name())

		mode := entry.Type()
		if mode&os.ModeSymlink != 0 {
			target, err := os.Stat(path)
			if err != nil {
				// Dangling link
				continue
			}
			mode = target.Mode().Type()
		}

		switch {
		case mode.IsDir():
			if err := w.walk(path); err != nil {
				return err
			}
		case mode.IsRegular():
			if w.match.MatchString(entry.Name()) {
				w.units = append(w.units, path)
			}
		}
	}
	return nil
}
