package worker

import (
	"fmt"
	"os"
	"strings"
)

// ParseEnvFile reads KEY=VALUE lines. Blank lines, comments and an optional
// "export " prefix are accepted; matching surrounding quotes are stripped.
func ParseEnvFile(path string) (map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading env file: %w", err)
	}
	env := make(map[string]string)
	for _, line := range strings.Split(string(data), "\n") {
		s := strings.TrimSpace(line)
		if s == "" || s[0] == '#' {
			continue
		}
		s = strings.TrimPrefix(s, "export ")
		eq := strings.IndexByte(s, '=')
		if eq <= 0 {
			continue
		}
		env[strings.TrimSpace(s[:eq])] = stripQuotes(strings.TrimSpace(s[eq+1:]))
	}
	return env, nil
}

// MergeEnv overlays override on base and returns a new map.
func MergeEnv(base, override map[string]string) map[string]string {
	out := make(map[string]string, len(base)+len(override))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range override {
		out[k] = v
	}
	return out
}

func stripQuotes(s string) string {
	if len(s) >= 2 {
		if (s[0] == '\'' && s[len(s)-1] == '\'') || (s[0] == '"' && s[len(s)-1] == '"') {
			return s[1 : len(s)-1]
		}
	}
	return s
}
