package secrets

import (
	"fmt"
	"os"
	"strings"
)

// EnvLoader reads the named environment variables. Unset variables are
// omitted.
func EnvLoader(keys ...string) Loader {
	return func() (map[string]string, error) {
		vals := make(map[string]string, len(keys))
		for _, k := range keys {
			if v := os.Getenv(k); v != "" {
				vals[k] = v
			}
		}
		return vals, nil
	}
}

// FileLoader reads KEY=VALUE lines from path, the shape of a mounted
// secret file. Blank lines and # comments are skipped.
func FileLoader(path string) Loader {
	return func() (map[string]string, error) {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("read secret file: %w", err)
		}
		vals := make(map[string]string)
		for i, line := range strings.Split(string(data), "\n") {
			line = strings.TrimSpace(line)
			if line == "" || strings.HasPrefix(line, "#") {
				continue
			}
			k, v, ok := strings.Cut(line, "=")
			if !ok {
				return nil, fmt.Errorf("secret file line %d: expected KEY=VALUE", i+1)
			}
			vals[strings.TrimSpace(k)] = strings.TrimSpace(v)
		}
		return vals, nil
	}
}
