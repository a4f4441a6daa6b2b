package polydsl

import (
	"strings"

	"polycert/pkg/problemir"
)

// Load accepts either problem form: DSL text, recognised by a leading
// "problem" header, or the YAML rendering of the IR.
func Load(source string) (*problemir.Problem, error) {
	if IsDSL(source) {
		return ParseDSL(source)
	}
	return problemir.LoadYAML([]byte(source))
}

// IsDSL reports whether the first line that is neither blank nor a comment
// is a problem header.
func IsDSL(source string) bool {
	for _, line := range strings.Split(source, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		return strings.HasPrefix(line, "problem ")
	}
	return false
}
