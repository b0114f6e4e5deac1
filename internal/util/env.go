package util

import (
	"os"
	"strings"
)

// MergeEnv merges new env entries into the current process environment.
func MergeEnv(extra []string) []string {
	env := append([]string{}, os.Environ()...)
	env = append(env, extra...)
	return env
}

// SanitizeEnvKey maps an arbitrary name onto an environment-variable-safe
// uppercase identifier. "db-mysql.main" becomes "DB_MYSQL_MAIN".
func SanitizeEnvKey(name string) string {
	var b strings.Builder
	for _, r := range strings.ToUpper(name) {
		if (r >= 'A' && r <= 'Z') || (r >= '0' && r <= '9') {
			b.WriteRune(r)
		} else {
			b.WriteByte('_')
		}
	}
	return b.String()
}
