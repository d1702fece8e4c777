package provider

import "strings"

// shellOperators are the control tokens that must reach the shell
// unquoted so pipelines and chains keep their meaning.
var shellOperators = map[string]bool{
	"&&": true, "||": true, ";": true, "|": true, "&": true,
	">": true, ">>": true, "<": true, "2>": true, "2>>": true, "2>&1": true,
}

// JoinShellTokens reassembles validated tokens into a command line for
// `sh -c`. Operators pass through bare; every other word containing a
// shell-significant character is single-quoted. Tokenization strips
// the caller's own quoting, so a pattern like a* may have been written
// 'a*' to mean the literal string — quoting keeps that meaning, at the
// cost of glob expansion for bare patterns.
func JoinShellTokens(tokens []string) string {
	parts := make([]string, 0, len(tokens))
	for _, t := range tokens {
		if shellOperators[t] || !needsQuoting(t) {
			parts = append(parts, t)
			continue
		}
		parts = append(parts, "'"+strings.ReplaceAll(t, "'", `'\''`)+"'")
	}
	return strings.Join(parts, " ")
}

func needsQuoting(word string) bool {
	if word == "" {
		return true
	}
	return strings.ContainsAny(word, " \t\n'\"\\$`&|;<>(){}*?[]~#")
}
