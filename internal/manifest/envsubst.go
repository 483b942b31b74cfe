package manifest

import (
	"fmt"
	"os"
	"regexp"
)

var envPattern = regexp.MustCompile(`\$\{env:([A-Za-z_][A-Za-z0-9_]*)\}`)

// SubstituteEnv resolves ${env:NAME} references in raw manifest bytes
// before the YAML is parsed, per spec.md §6. A referenced variable that is
// unset is a configuration error.
func SubstituteEnv(raw string) (string, error) {
	var missing []string
	result := envPattern.ReplaceAllStringFunc(raw, func(match string) string {
		name := envPattern.FindStringSubmatch(match)[1]
		val, ok := os.LookupEnv(name)
		if !ok {
			missing = append(missing, name)
			return match
		}
		return val
	})
	if len(missing) > 0 {
		return "", fmt.Errorf("manifest references unset environment variables: %v", missing)
	}
	return result, nil
}
