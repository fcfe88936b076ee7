package env

import (
	"os"
	"sort"
	"strings"
)

// Build returns base with every layer applied on top, later layers winning.
// Existing keys are replaced in place; new keys are appended in sorted order
// so the child environment is the same on every run.
func Build(base []string, layers ...map[string]string) []string {
	merged := MergeVariables(layers...)
	if len(merged) == 0 {
		out := make([]string, len(base))
		copy(out, base)
		return out
	}

	out := make([]string, 0, len(base)+len(merged))
	seen := make(map[string]bool, len(merged))
	for _, kv := range base {
		key, _, _ := strings.Cut(kv, "=")
		if v, ok := merged[key]; ok {
			if seen[key] {
				continue
			}
			seen[key] = true
			out = append(out, key+"="+v)
			continue
		}
		out = append(out, kv)
	}

	keys := make([]string, 0, len(merged))
	for k := range merged {
		if !seen[k] {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		out = append(out, k+"="+merged[k])
	}
	return out
}

// Environ returns the process environment with layers applied
func Environ(layers ...map[string]string) []string {
	return Build(os.Environ(), layers...)
}

// MergeVariables flattens several maps into one, later maps winning
func MergeVariables(sources ...map[string]string) map[string]string {
	result := make(map[string]string)
	for _, src := range sources {
		for k, v := range src {
			result[k] = v
		}
	}
	return result
}

// LoadSystemEnv returns the process variables starting with prefix, with the
// prefix stripped
func LoadSystemEnv(prefix string) map[string]string {
	result := make(map[string]string)
	for _, e := range os.Environ() {
		key, value, ok := strings.Cut(e, "=")
		if !ok {
			continue
		}
		if prefix == "" {
			result[key] = value
		} else if len(key) > len(prefix) && strings.HasPrefix(key, prefix) {
			result[key[len(prefix):]] = value
		}
	}
	return result
}
