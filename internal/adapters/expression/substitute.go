package expression

import (
	"regexp"
)

var placeholderPattern = regexp.MustCompile(`\$\{([^{}]+)\}`)

// Substitute replaces ${name} tokens with the matching variable. Tokens that
// have no matching variable are left in place untouched.
func Substitute(input string, variables map[string]string) string {
	if len(variables) == 0 || !containsPlaceholder(input) {
		return input
	}
	return placeholderPattern.ReplaceAllStringFunc(input, func(match string) string {
		name := match[2 : len(match)-1]
		if v, ok := variables[name]; ok {
			return v
		}
		return match
	})
}

// SubstituteAll applies Substitute to every value of config and returns a new
// map.
func SubstituteAll(config map[string]string, variables map[string]string) map[string]string {
	out := make(map[string]string, len(config))
	for k, v := range config {
		out[k] = Substitute(v, variables)
	}
	return out
}

// Unresolved lists placeholder names in input that variables cannot satisfy.
func Unresolved(input string, variables map[string]string) []string {
	var missing []string
	for _, m := range placeholderPattern.FindAllStringSubmatch(input, -1) {
		if _, ok := variables[m[1]]; !ok {
			missing = append(missing, m[1])
		}
	}
	return missing
}

func containsPlaceholder(s string) bool {
	for i := 0; i+1 < len(s); i++ {
		if s[i] == '$' && s[i+1] == '{' {
			return true
		}
	}
	return false
}
